package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
	"proctorguard/internal/normalize"
	"proctorguard/internal/storage"
	"proctorguard/internal/testutil"
)

type recordingSink struct {
	mu      sync.Mutex
	flags   []model.FlagEvent
	frames  []model.FrameRecord
	metrics map[string][]model.WindowMetrics
}

func (r *recordingSink) Flag(f model.FlagEvent) {
	r.mu.Lock()
	r.flags = append(r.flags, f)
	r.mu.Unlock()
}

func (r *recordingSink) Frame(rec model.FrameRecord) {
	r.mu.Lock()
	r.frames = append(r.frames, rec)
	r.mu.Unlock()
}

func (r *recordingSink) Metrics(id string, wm []model.WindowMetrics) {
	r.mu.Lock()
	if r.metrics == nil {
		r.metrics = map[string][]model.WindowMetrics{}
	}
	r.metrics[id] = wm
	r.mu.Unlock()
}

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func frameAt(i int) time.Time {
	return t0.Add(time.Duration(i) * time.Second / 30)
}

func facePacket(session string, i int) normalize.Packet {
	return normalize.Packet{
		SessionID: session,
		Timestamp: frameAt(i),
		Width:     640,
		Height:    480,
		Landmarks: testutil.FrontalFace(),
	}
}

func newTestPipeline(t *testing.T, store storage.Store) (*Pipeline, *recordingSink) {
	t.Helper()
	sink := &recordingSink{}
	p := New(config.DefaultConfig(), Options{Sink: sink, Store: store}, nil)
	return p, sink
}

func TestFrontalFaceBundle(t *testing.T) {
	p, sink := newTestPipeline(t, nil)
	res, err := p.Process(context.Background(), facePacket("s1", 0))
	require.NoError(t, err)

	b := res.Bundle
	require.NotNil(t, b.FaceDetected)
	assert.True(t, *b.FaceDetected)
	require.NotNil(t, b.Pose)
	require.NotNil(t, b.Gaze)
	assert.True(t, b.Gaze.OnScreen)
	assert.Nil(t, b.Environment)
	assert.Nil(t, b.Secondary)
	assert.Nil(t, b.TabHidden)
	assert.Empty(t, res.Flags)

	assert.True(t, res.Record.EyesOn)
	assert.True(t, res.Record.FacePresent)
	assert.Nil(t, res.Record.FlagType)
	require.Len(t, sink.frames, 1)

	wm, _, ok := p.Metrics().Get("s1")
	require.True(t, ok)
	require.Len(t, wm, 2)
	assert.Equal(t, 10, wm[0].WindowSec)
	assert.Equal(t, 1.0, wm[0].EyesOnRatio)
	assert.Equal(t, 1.0, wm[0].FacePresentRatio)
}

func TestFaceMissingRaisesFlag(t *testing.T) {
	p, sink := newTestPipeline(t, nil)
	ctx := context.Background()
	var raised []model.FlagEvent
	var flagged *model.FrameRecord
	for i := 0; i <= 100; i++ {
		res, err := p.Process(ctx, normalize.Packet{SessionID: "s1", Timestamp: frameAt(i)})
		require.NoError(t, err)
		if len(res.Flags) > 0 && flagged == nil {
			rec := res.Record
			flagged = &rec
		}
		raised = append(raised, res.Flags...)
	}
	require.Len(t, raised, 1)
	assert.Equal(t, model.FlagFaceMissing, raised[0].Type)
	assert.Equal(t, "s1", raised[0].SessionID)
	require.NotNil(t, flagged)
	require.NotNil(t, flagged.FlagType)
	assert.Equal(t, model.FlagFaceMissing, *flagged.FlagType)
	assert.False(t, flagged.FacePresent)
	assert.Greater(t, flagged.RiskScore, 0.0)

	assert.Len(t, p.Flags().List("s1", 10), 1)
	assert.Len(t, sink.flags, 1)

	wm, _, ok := p.Metrics().Get("s1")
	require.True(t, ok)
	assert.Equal(t, 0.0, wm[0].FacePresentRatio)
	assert.Equal(t, 1, wm[0].Flags)
}

func TestTabHiddenPassesThrough(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	pkt := facePacket("s1", 0)
	pkt.TabHidden = model.Bool(true)
	res, err := p.Process(context.Background(), pkt)
	require.NoError(t, err)
	require.NotNil(t, res.Bundle.TabHidden)
	assert.True(t, res.Record.TabHidden)
}

func TestFrameFeedsEnvironmentAndObjects(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	pkt := facePacket("s1", 0)
	pkt.Frame = testutil.Uniform(640, 480, 120)
	res, err := p.Process(context.Background(), pkt)
	require.NoError(t, err)
	require.NotNil(t, res.Environment)
	require.NotNil(t, res.Objects)
	require.NotNil(t, res.Bundle.Environment)
	require.NotNil(t, res.Bundle.Secondary)
	assert.Zero(t, res.Bundle.Secondary.Faces)
	assert.False(t, res.Record.DeviceLikePresent)
}

func TestInvalidLandmarksRejected(t *testing.T) {
	p, sink := newTestPipeline(t, nil)
	pkt := facePacket("s1", 0)
	pkt.Landmarks = pkt.Landmarks[:10]
	_, err := p.Process(context.Background(), pkt)
	require.ErrorIs(t, err, model.ErrInvalidLandmarks)
	assert.Empty(t, sink.frames)
	assert.Equal(t, uint64(1), p.Stats().Invalid)
}

func TestDuplicatePacket(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	ctx := context.Background()
	_, err := p.Process(ctx, facePacket("s1", 0))
	require.NoError(t, err)
	_, err = p.Process(ctx, facePacket("s1", 0))
	assert.True(t, errors.Is(err, ErrDuplicatePacket))
	_, err = p.Process(ctx, facePacket("s2", 0))
	assert.NoError(t, err)

	st := p.Stats()
	assert.Equal(t, uint64(2), st.Processed)
	assert.Equal(t, uint64(1), st.Duplicates)
	assert.Equal(t, 2, st.Sessions)
}

func TestEvictIdle(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	clock := t0
	p.now = func() time.Time { return clock }
	_, err := p.Process(context.Background(), facePacket("s1", 0))
	require.NoError(t, err)

	clock = clock.Add(time.Minute)
	assert.Equal(t, 0, p.EvictIdle())
	clock = clock.Add(5 * time.Minute)
	assert.Equal(t, 1, p.EvictIdle())
	_, err = p.Session("s1")
	assert.ErrorIs(t, err, ErrUnknownSession)
	_, _, ok := p.Metrics().Get("s1")
	assert.False(t, ok)
}

func TestFlushMetricsToSink(t *testing.T) {
	p, sink := newTestPipeline(t, nil)
	_, err := p.Process(context.Background(), facePacket("s1", 0))
	require.NoError(t, err)
	p.flushMetrics()
	assert.Len(t, sink.metrics["s1"], 2)

	sink.metrics = nil
	p.flushMetrics()
	assert.Empty(t, sink.metrics)
}

func TestCalibrationFlow(t *testing.T) {
	path := t.TempDir() + "/cal.db"
	store, err := storage.NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: "file:" + path})
	require.NoError(t, err)
	require.NoError(t, store.Init(context.Background()))
	t.Cleanup(func() { _ = store.Close() })

	p, _ := newTestPipeline(t, store)
	ctx := context.Background()

	_, err = p.AddCalibrationPoint("s1", model.ScreenPoint{X: 0, Y: 0})
	assert.ErrorIs(t, err, ErrUnknownSession)

	_, err = p.Process(ctx, normalize.Packet{SessionID: "s1", Timestamp: frameAt(0)})
	require.NoError(t, err)
	_, err = p.AddCalibrationPoint("s1", model.ScreenPoint{X: 0, Y: 0})
	assert.ErrorIs(t, err, ErrNoGaze)

	targets := []struct {
		dx, dy float64
		screen model.ScreenPoint
	}{
		{-0.01, -0.004, model.ScreenPoint{X: 100, Y: 100}},
		{0.01, -0.004, model.ScreenPoint{X: 1820, Y: 100}},
		{0.01, 0.004, model.ScreenPoint{X: 1820, Y: 980}},
		{-0.01, 0.004, model.ScreenPoint{X: 100, Y: 980}},
		{0, 0, model.ScreenPoint{X: 960, Y: 540}},
	}
	var status CalibrationStatus
	for i, tg := range targets {
		pkt := facePacket("s1", i+1)
		pkt.Landmarks = testutil.Look(pkt.Landmarks, tg.dx, tg.dy)
		_, err := p.Process(ctx, pkt)
		require.NoError(t, err)
		status, err = p.AddCalibrationPoint("s1", tg.screen)
		require.NoError(t, err)
	}
	assert.Equal(t, 5, status.Points)
	require.True(t, status.Calibrated)

	prof, err := p.SaveCalibration(ctx, "s1", "desk-a")
	require.NoError(t, err)
	assert.Equal(t, "desk-a", prof.ID)

	latest, err := p.LatestCalibration(ctx)
	require.NoError(t, err)
	assert.Equal(t, prof.Homography, latest.Homography)

	// a new session picks the stored profile up automatically
	cfg := config.DefaultConfig()
	cfg.Pipeline.AutoLoadCalibration = true
	p.UpdateConfig(cfg)
	_, err = p.Process(ctx, facePacket("s2", 0))
	require.NoError(t, err)
	info, err := p.Session("s2")
	require.NoError(t, err)
	assert.True(t, info.Calibrated)
	assert.Equal(t, "desk-a", info.CalibrationProfile)

	require.NoError(t, p.ResetCalibration("s2"))
	require.NoError(t, p.LoadCalibration(ctx, "s2", "desk-a"))
	info, _ = p.Session("s2")
	assert.True(t, info.Calibrated)
	assert.ErrorIs(t, p.LoadCalibration(ctx, "s2", "missing"), storage.ErrNotFound)
}

func TestSaveCalibrationRequiresFit(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	_, err := p.Process(context.Background(), facePacket("s1", 0))
	require.NoError(t, err)
	_, err = p.SaveCalibration(context.Background(), "s1", "")
	assert.ErrorIs(t, err, ErrNotCalibrated)
	_, err = p.LatestCalibration(context.Background())
	assert.ErrorIs(t, err, ErrNoStore)
}

func TestResetAndClear(t *testing.T) {
	p, _ := newTestPipeline(t, nil)
	ctx := context.Background()
	for i := 0; i <= 100; i++ {
		_, err := p.Process(ctx, normalize.Packet{SessionID: "s1", Timestamp: frameAt(i)})
		require.NoError(t, err)
	}
	info, err := p.Session("s1")
	require.NoError(t, err)
	assert.Greater(t, info.Engine.Risk, 0.0)
	assert.Equal(t, 101, info.Frames)

	require.NoError(t, p.Reset("s1"))
	info, _ = p.Session("s1")
	assert.Zero(t, info.Engine.Risk)
	assert.Zero(t, info.Frames)
	assert.ErrorIs(t, p.Reset("nope"), ErrUnknownSession)

	p.Clear()
	assert.Zero(t, p.Flags().Len())
	_, _, ok := p.Metrics().Get("s1")
	assert.False(t, ok)
	assert.Len(t, p.Sessions(), 1)
}

func TestRunStopsOnClose(t *testing.T) {
	p, sink := newTestPipeline(t, nil)
	in := make(chan normalize.Packet, 4)
	in <- facePacket("s1", 0)
	in <- facePacket("s1", 1)
	close(in)
	done := make(chan struct{})
	go func() {
		p.Run(context.Background(), in)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Len(t, sink.frames, 2)
	assert.Len(t, sink.metrics["s1"], 2)
}

// slowStore blocks LatestCalibration until released.
type slowStore struct {
	storage.Store
	entered chan struct{}
	release chan struct{}
}

func (s *slowStore) LatestCalibration(ctx context.Context) (model.CalibrationProfile, error) {
	close(s.entered)
	select {
	case <-s.release:
	case <-ctx.Done():
	}
	return model.CalibrationProfile{}, storage.ErrNotFound
}

func TestAutoLoadDoesNotBlockSessionTable(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Pipeline.AutoLoadCalibration = true
	st := &slowStore{entered: make(chan struct{}), release: make(chan struct{})}
	p := New(cfg, Options{Store: st}, nil)

	done := make(chan error, 1)
	go func() {
		_, err := p.Process(context.Background(), facePacket("slow", 0))
		done <- err
	}()
	<-st.entered

	listed := make(chan int, 1)
	go func() { listed <- len(p.Sessions()) }()
	select {
	case n := <-listed:
		assert.Zero(t, n)
	case <-time.After(time.Second):
		t.Fatal("session listing blocked behind the calibration lookup")
	}

	close(st.release)
	require.NoError(t, <-done)
	assert.Len(t, p.Sessions(), 1)
}
