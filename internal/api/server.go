// Package api serves read and control endpoints over the running pipeline.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/flags"
	"proctorguard/internal/metrics"
	"proctorguard/internal/model"
	"proctorguard/internal/pipeline"
	"proctorguard/internal/storage"
)

// Controller is the pipeline surface the API drives.
type Controller interface {
	Stats() pipeline.Stats
	Sessions() []pipeline.SessionInfo
	Session(id string) (pipeline.SessionInfo, error)
	AddCalibrationPoint(sessionID string, screen model.ScreenPoint) (pipeline.CalibrationStatus, error)
	SaveCalibration(ctx context.Context, sessionID, id string) (model.CalibrationProfile, error)
	LoadCalibration(ctx context.Context, sessionID, profileID string) error
	LatestCalibration(ctx context.Context) (model.CalibrationProfile, error)
	ResetCalibration(sessionID string) error
	Reset(sessionID string) error
	Clear()
	UpdateConfig(cfg *config.Config)
}

type Server struct {
	cfg      *config.Manager
	metrics  *metrics.Store
	flags    *flags.Store
	pipeline Controller
	logger   *slog.Logger
	version  string
}

type statusResponse struct {
	Status     string            `json:"status"`
	Time       string            `json:"time"`
	Version    string            `json:"version"`
	ConfigPath string            `json:"config_path"`
	Pipeline   pipeline.Stats    `json:"pipeline"`
	Flags      int               `json:"flags"`
	Attention  []metrics.Summary `json:"attention"`
	Ingest     ingestStatus      `json:"ingest"`
	API        apiStatus         `json:"api"`
	Storage    storageStatus     `json:"storage"`
	Windows    []string          `json:"windows"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	Replay    bool `json:"replay"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

func NewServer(cfg *config.Manager, metricsStore *metrics.Store, flagStore *flags.Store, ctrl Controller, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:      cfg,
		metrics:  metricsStore,
		flags:    flagStore,
		pipeline: ctrl,
		logger:   logger,
		version:  version,
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/flags", s.handleFlags)
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/metrics/", s.handleMetrics)
	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessions)
	mux.HandleFunc("/calibration/points", s.handleCalibrationPoint)
	mux.HandleFunc("/calibration/save", s.handleCalibrationSave)
	mux.HandleFunc("/calibration/load", s.handleCalibrationLoad)
	mux.HandleFunc("/calibration/reset", s.handleCalibrationReset)
	mux.HandleFunc("/calibration/latest", s.handleCalibrationLatest)
	mux.HandleFunc("/config/proctor", s.handleProctorConfig)
	mux.HandleFunc("/admin/reset", s.handleReset)
	mux.HandleFunc("/admin/clear", s.handleClear)
	return mux
}

func Start(ctx context.Context, cfg *config.Manager, metricsStore *metrics.Store, flagStore *flags.Store, ctrl Controller, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, metricsStore, flagStore, ctrl, logger, version)
	httpServer := &http.Server{Addr: current.Addr, Handler: server.Handler()}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cfg := s.cfg.Get()
	windows := make([]string, 0, len(cfg.Metrics.Windows))
	for _, d := range cfg.Metrics.Windows {
		windows = append(windows, d.String())
	}
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			Replay:    cfg.Ingest.Replay.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage: storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
		Windows: windows,
	}
	if s.pipeline != nil {
		resp.Pipeline = s.pipeline.Stats()
	}
	if s.flags != nil {
		resp.Flags = s.flags.Len()
	}
	if s.metrics != nil {
		for _, d := range cfg.Metrics.Windows {
			resp.Attention = append(resp.Attention, s.metrics.Summarize(int(d/time.Second), cfg.Metrics.AtRiskScore))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	session := strings.TrimSpace(q.Get("session"))
	var list []model.FlagEvent
	if sinceStr := q.Get("since"); sinceStr != "" {
		ts, err := time.Parse(time.RFC3339, sinceStr)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		for _, f := range s.flags.Since(ts) {
			if session == "" || f.SessionID == session {
				list = append(list, f)
			}
		}
		if limit > 0 && len(list) > limit {
			list = list[len(list)-limit:]
		}
	} else {
		list = s.flags.List(session, limit)
	}
	if list == nil {
		list = []model.FlagEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flags": list,
		"count": len(list),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	path := strings.TrimPrefix(r.URL.Path, "/metrics")
	path = strings.TrimPrefix(path, "/")
	if path != "" {
		metrics, updated, ok := s.metrics.Get(path)
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"session_id": path,
			"updated_at": updated.Format(time.RFC3339Nano),
			"metrics":    metrics,
		})
		return
	}
	all := s.metrics.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"metrics": all,
		"count":   len(all),
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/sessions"), "/")
	if id == "" {
		list := s.pipeline.Sessions()
		writeJSON(w, http.StatusOK, map[string]any{
			"sessions": list,
			"count":    len(list),
		})
		return
	}
	info, err := s.pipeline.Session(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type calibrationRequest struct {
	SessionID string  `json:"session_id"`
	ID        string  `json:"id"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

func readRequest(w http.ResponseWriter, r *http.Request, out any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, out); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return false
	}
	return true
}

// readCalibration decodes a POST body that must name a session.
func readCalibration(w http.ResponseWriter, r *http.Request) (calibrationRequest, bool) {
	var req calibrationRequest
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return req, false
	}
	if !readRequest(w, r, &req) {
		return req, false
	}
	req.SessionID = strings.TrimSpace(req.SessionID)
	if req.SessionID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "session_id required"})
		return req, false
	}
	return req, true
}

func (s *Server) handleCalibrationPoint(w http.ResponseWriter, r *http.Request) {
	req, ok := readCalibration(w, r)
	if !ok {
		return
	}
	status, err := s.pipeline.AddCalibrationPoint(req.SessionID, model.ScreenPoint{X: req.X, Y: req.Y})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleCalibrationSave(w http.ResponseWriter, r *http.Request) {
	req, ok := readCalibration(w, r)
	if !ok {
		return
	}
	prof, err := s.pipeline.SaveCalibration(r.Context(), req.SessionID, strings.TrimSpace(req.ID))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (s *Server) handleCalibrationLoad(w http.ResponseWriter, r *http.Request) {
	req, ok := readCalibration(w, r)
	if !ok {
		return
	}
	if err := s.pipeline.LoadCalibration(r.Context(), req.SessionID, strings.TrimSpace(req.ID)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCalibrationReset(w http.ResponseWriter, r *http.Request) {
	req, ok := readCalibration(w, r)
	if !ok {
		return
	}
	if err := s.pipeline.ResetCalibration(req.SessionID); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleCalibrationLatest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	prof, err := s.pipeline.LatestCalibration(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prof)
}

func (s *Server) handleProctorConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{
			"proctor": s.cfg.Get().Proctor,
		})
	case http.MethodPost:
		current := s.cfg.Get()
		pc := current.Proctor
		if !readRequest(w, r, &pc) {
			return
		}
		next := *current
		next.Proctor = pc
		if err := s.cfg.Update(&next); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
			return
		}
		if s.pipeline != nil {
			s.pipeline.UpdateConfig(&next)
		}
		if s.logger != nil {
			s.logger.Info("proctor config updated")
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		SessionID string `json:"session_id"`
	}
	if !readRequest(w, r, &req) {
		return
	}
	if err := s.pipeline.Reset(strings.TrimSpace(req.SessionID)); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Target string `json:"target"`
	}
	if !readRequest(w, r, &req) {
		return
	}
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		s.pipeline.Clear()
	case "flags":
		s.flags.Clear()
	case "metrics":
		s.metrics.Clear()
	default:
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, pipeline.ErrUnknownSession), errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrNoGaze), errors.Is(err, pipeline.ErrNotCalibrated):
		status = http.StatusConflict
	case errors.Is(err, pipeline.ErrNoStore):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError && s.logger != nil {
		s.logger.Error("api request failed", "err", err)
	}
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
