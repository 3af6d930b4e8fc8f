package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/flags"
	"proctorguard/internal/metrics"
	"proctorguard/internal/model"
	"proctorguard/internal/normalize"
	"proctorguard/internal/pipeline"
)

type fixture struct {
	handler http.Handler
	pipe    *pipeline.Pipeline
	flags   *flags.Store
	cfg     *config.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.NewStaticManager(config.DefaultConfig())
	fs := flags.NewStore(100)
	ms := metrics.NewStore(100)
	pipe := pipeline.New(cfg.Get(), pipeline.Options{Flags: fs, Metrics: ms}, nil)
	srv := NewServer(cfg, ms, fs, pipe, nil, "test")
	return &fixture{handler: srv.Handler(), pipe: pipe, flags: fs, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

// feedMissingFace drives session s1 long enough to raise FACE_MISSING.
func (f *fixture) feedMissingFace(t *testing.T) {
	t.Helper()
	for i := 0; i <= 100; i++ {
		_, err := f.pipe.Process(context.Background(), normalize.Packet{
			SessionID: "s1",
			Timestamp: t0.Add(time.Duration(i) * time.Second / 30),
		})
		require.NoError(t, err)
	}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, "test", out["version"])
	assert.Equal(t, []any{"10s", "1m0s"}, out["windows"])
	assert.Len(t, out["attention"], 2)

	rec = f.do(t, http.MethodPost, "/status", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestFlagsAndSessions(t *testing.T) {
	f := newFixture(t)
	f.feedMissingFace(t)

	rec := f.do(t, http.MethodGet, "/flags?limit=5&session=s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, float64(1), out["count"])

	rec = f.do(t, http.MethodGet, "/flags?session=other", nil)
	assert.Equal(t, float64(0), decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/flags?since="+t0.Add(time.Hour).Format(time.RFC3339), nil)
	assert.Equal(t, float64(0), decode(t, rec)["count"])
	rec = f.do(t, http.MethodGet, "/flags?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/sessions/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info pipeline.SessionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "s1", info.ID)
	assert.Greater(t, info.Engine.Risk, 0.0)
	assert.Contains(t, info.Engine.Active, model.FlagFaceMissing)

	rec = f.do(t, http.MethodGet, "/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/sessions", nil)
	assert.Equal(t, float64(1), decode(t, rec)["count"])

	rec = f.do(t, http.MethodGet, "/metrics/s1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "s1", decode(t, rec)["session_id"])
	rec = f.do(t, http.MethodGet, "/metrics/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCalibrationErrors(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/calibration/points", map[string]any{"x": 1, "y": 2})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/calibration/points", map[string]any{"session_id": "s1", "x": 1, "y": 2})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	f.feedMissingFace(t)
	rec = f.do(t, http.MethodPost, "/calibration/points", map[string]any{"session_id": "s1", "x": 1, "y": 2})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/calibration/save", map[string]any{"session_id": "s1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodGet, "/calibration/latest", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = f.do(t, http.MethodPost, "/calibration/reset", map[string]any{"session_id": "s1"})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestProctorConfigUpdate(t *testing.T) {
	f := newFixture(t)
	pc := f.cfg.Get().Proctor
	pc.MaxRisk = 50
	pc.Conditions.TabHidden.Enabled = false
	rec := f.do(t, http.MethodPost, "/config/proctor", pc)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 50.0, f.cfg.Get().Proctor.MaxRisk)
	assert.False(t, f.cfg.Get().Proctor.Conditions.TabHidden.Enabled)

	pc.MaxRisk = -1
	rec = f.do(t, http.MethodPost, "/config/proctor", pc)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 50.0, f.cfg.Get().Proctor.MaxRisk)

	rec = f.do(t, http.MethodGet, "/config/proctor", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestAdminResetAndClear(t *testing.T) {
	f := newFixture(t)
	f.feedMissingFace(t)

	rec := f.do(t, http.MethodPost, "/admin/reset", map[string]any{"session_id": "s1"})
	require.Equal(t, http.StatusOK, rec.Code)
	info, err := f.pipe.Session("s1")
	require.NoError(t, err)
	assert.Zero(t, info.Engine.Risk)

	rec = f.do(t, http.MethodPost, "/admin/reset", map[string]any{"session_id": "nope"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/admin/clear", map[string]any{"target": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = f.do(t, http.MethodPost, "/admin/clear", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, f.flags.Len())
}
