package pipeline

import (
	"log/slog"
	"slices"
	"time"

	"proctorguard/internal/config"
	"proctorguard/internal/engine"
	"proctorguard/internal/environment"
	"proctorguard/internal/gaze"
	"proctorguard/internal/model"
	"proctorguard/internal/objects"
	"proctorguard/internal/pose"
)

// session is the analyzer set of one monitored candidate. It is only touched
// with Pipeline.mu held.
type session struct {
	id         string
	pose       *pose.Estimator
	gaze       *gaze.Estimator
	env        *environment.Analyzer
	objects    *objects.Detector
	engine     *engine.Engine
	windows    []*WindowState
	durations  []time.Duration
	frames     int
	lastPacket time.Time
	lastSeen   time.Time
	profileID  string
}

func newSession(id string, cfg *config.Config, logger *slog.Logger) *session {
	s := &session{
		id:      id,
		pose:    pose.NewEstimator(cfg.Pose),
		gaze:    gaze.NewEstimator(cfg.Gaze),
		env:     environment.NewAnalyzer(cfg.Environment),
		objects: objects.NewDetector(cfg.Objects),
		engine:  engine.NewEngine(cfg.Proctor, logger.With("session_id", id)),
	}
	s.setWindows(cfg.Metrics.Windows)
	s.engine.Start()
	return s
}

func (s *session) setWindows(durations []time.Duration) {
	if slices.Equal(s.durations, durations) {
		return
	}
	s.durations = slices.Clone(durations)
	s.windows = make([]*WindowState, 0, len(durations))
	for _, d := range durations {
		s.windows = append(s.windows, NewWindowState(d))
	}
}

func (s *session) updateConfig(cfg *config.Config) {
	s.pose.UpdateConfig(cfg.Pose)
	s.gaze.UpdateConfig(cfg.Gaze)
	s.env.UpdateConfig(cfg.Environment)
	s.objects.UpdateConfig(cfg.Objects)
	s.engine.UpdateConfig(cfg.Proctor)
	s.setWindows(cfg.Metrics.Windows)
}

// observe folds one frame into every attention window.
func (s *session) observe(e FrameEntry) []model.WindowMetrics {
	risk := s.engine.RiskScore()
	out := make([]model.WindowMetrics, 0, len(s.windows))
	for i, w := range s.windows {
		w.Add(e)
		w.Evict(e.Timestamp.Add(-s.durations[i]))
		out = append(out, w.Metrics(risk))
	}
	return out
}

// reset clears temporal state. Calibration is kept.
func (s *session) reset() {
	s.pose.Reset()
	s.gaze.Reset()
	s.env.Reset()
	s.objects.Reset()
	s.engine.Reset()
	for _, w := range s.windows {
		w.Reset()
	}
	s.frames = 0
	s.lastPacket = time.Time{}
}

type SessionInfo struct {
	ID                 string          `json:"id"`
	Engine             engine.Snapshot `json:"engine"`
	Calibrated         bool            `json:"calibrated"`
	CalibrationPoints  int             `json:"calibration_points"`
	CalibrationQuality float64         `json:"calibration_quality"`
	CalibrationProfile string          `json:"calibration_profile,omitempty"`
	Frames             int             `json:"frames"`
	LastPacket         time.Time       `json:"last_packet"`
	FaceTracks         int             `json:"face_tracks"`
	DeviceTracks       int             `json:"device_tracks"`
}

func (s *session) info() SessionInfo {
	faces, devices := s.objects.Tracks()
	cal := s.gaze.Calibration()
	return SessionInfo{
		ID:                 s.id,
		Engine:             s.engine.Snapshot(),
		Calibrated:         cal.IsCalibrated(),
		CalibrationPoints:  cal.Points(),
		CalibrationQuality: cal.Quality(),
		CalibrationProfile: s.profileID,
		Frames:             s.frames,
		LastPacket:         s.lastPacket,
		FaceTracks:         faces,
		DeviceTracks:       devices,
	}
}
