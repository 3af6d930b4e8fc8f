// Package pipeline runs each frame packet through its session's analyzers,
// fuses the results into a signal bundle and feeds the engine.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proctorguard/internal/config"
	"proctorguard/internal/flags"
	"proctorguard/internal/metrics"
	"proctorguard/internal/model"
	"proctorguard/internal/normalize"
	"proctorguard/internal/storage"
)

var (
	ErrDuplicatePacket = errors.New("duplicate packet")
	ErrUnknownSession  = errors.New("unknown session")
	ErrNoGaze          = errors.New("no gaze estimate for session")
	ErrNotCalibrated   = errors.New("session is not calibrated")
	ErrNoStore         = errors.New("storage disabled")
)

const housekeepingInterval = 5 * time.Second

// Sink receives pipeline output without blocking.
type Sink interface {
	Flag(model.FlagEvent)
	Frame(model.FrameRecord)
	Metrics(sessionID string, m []model.WindowMetrics)
}

type Options struct {
	Flags   *flags.Store
	Metrics *metrics.Store
	Sink    Sink
	Store   storage.Store
}

type Result struct {
	SessionID   string
	Bundle      model.SignalBundle
	Flags       []model.FlagEvent
	Record      model.FrameRecord
	Pose        model.HeadPose
	Gaze        model.GazePoint
	Environment *model.EnvironmentAnalysis
	Objects     *model.ObjectDetections
}

type Stats struct {
	Processed  uint64 `json:"processed"`
	Duplicates uint64 `json:"duplicates"`
	Invalid    uint64 `json:"invalid"`
	Sessions   int    `json:"sessions"`
}

type CalibrationStatus struct {
	Calibrated bool    `json:"calibrated"`
	Points     int     `json:"points"`
	Quality    float64 `json:"quality"`
	MeanError  float64 `json:"mean_error"`
}

type Pipeline struct {
	cfg     atomic.Value
	logger  *slog.Logger
	flags   *flags.Store
	metrics *metrics.Store
	sink    Sink
	store   storage.Store
	dedupe  *DedupeCache
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	dirty    map[string][]model.WindowMetrics

	processed  atomic.Uint64
	duplicates atomic.Uint64
	invalid    atomic.Uint64
}

func New(cfg *config.Config, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Flags == nil {
		opts.Flags = flags.NewStore(cfg.Flags.StoreLimit)
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewStore(cfg.Metrics.StoreLimit)
	}
	p := &Pipeline{
		logger:   logger,
		flags:    opts.Flags,
		metrics:  opts.Metrics,
		sink:     opts.Sink,
		store:    opts.Store,
		dedupe:   NewDedupeCache(),
		now:      time.Now,
		sessions: make(map[string]*session),
		dirty:    make(map[string][]model.WindowMetrics),
	}
	p.cfg.Store(cfg)
	return p
}

func (p *Pipeline) config() *config.Config {
	return p.cfg.Load().(*config.Config)
}

func (p *Pipeline) Flags() *flags.Store {
	return p.flags
}

func (p *Pipeline) Metrics() *metrics.Store {
	return p.metrics
}

// UpdateConfig swaps the config and retunes every live session.
func (p *Pipeline) UpdateConfig(cfg *config.Config) {
	if cfg == nil {
		return
	}
	p.cfg.Store(cfg)
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		s.updateConfig(cfg)
	}
}

// Run consumes packets one at a time until ctx is done or in is closed.
func (p *Pipeline) Run(ctx context.Context, in <-chan normalize.Packet) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()
	defer p.flushMetrics()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt, ok := <-in:
			if !ok {
				return
			}
			if _, err := p.Process(ctx, pkt); err != nil && !errors.Is(err, ErrDuplicatePacket) {
				p.logger.Warn("frame rejected", "session_id", pkt.SessionID, "source", pkt.Source, "err", err)
			}
		case <-ticker.C:
			p.EvictIdle()
			p.flushMetrics()
		}
	}
}

// Process handles one packet synchronously. Malformed landmark sets reject
// the frame; everything else degrades to absent signals.
func (p *Pipeline) Process(ctx context.Context, pkt normalize.Packet) (Result, error) {
	cfg := p.config()
	if ttl := cfg.Pipeline.DedupeWindow; ttl > 0 {
		if p.dedupe.Seen(packetKey(pkt.SessionID, pkt.Timestamp), p.now(), ttl) {
			p.duplicates.Add(1)
			return Result{}, ErrDuplicatePacket
		}
	}

	p.mu.Lock()
	_, known := p.sessions[pkt.SessionID]
	p.mu.Unlock()
	var prof *model.CalibrationProfile
	if !known {
		prof = p.autoLoadProfile(ctx, pkt.SessionID, cfg)
	}

	p.mu.Lock()
	s := p.session(pkt.SessionID, cfg, prof)
	res, err := p.analyze(s, pkt)
	if err != nil {
		p.mu.Unlock()
		p.invalid.Add(1)
		return Result{}, err
	}
	res.Flags = s.engine.ProcessSignals(res.Bundle)
	res.Record = frameRecord(res.Bundle, res.Flags, s.engine.RiskScore())
	wm := s.observe(FrameEntry{
		Timestamp:      pkt.Timestamp,
		EyesOn:         res.Record.EyesOn,
		FacePresent:    res.Record.FacePresent,
		GazeConfidence: res.Record.GazeConfidence,
		Flags:          len(res.Flags),
	})
	s.frames++
	s.lastPacket = pkt.Timestamp
	s.lastSeen = p.now()
	if len(wm) > 0 {
		p.dirty[s.id] = wm
	}
	p.mu.Unlock()

	p.processed.Add(1)
	if len(wm) > 0 {
		p.metrics.Update(s.id, wm)
	}
	p.flags.Add(res.Flags...)
	if p.sink != nil {
		for _, f := range res.Flags {
			p.sink.Flag(f)
		}
		p.sink.Frame(res.Record)
	}
	return res, nil
}

func (p *Pipeline) analyze(s *session, pkt normalize.Packet) (Result, error) {
	ts := pkt.Timestamp
	res := Result{SessionID: s.id}
	b := model.SignalBundle{SessionID: s.id, Timestamp: ts, TabHidden: pkt.TabHidden}

	hp, err := s.pose.Estimate(pkt.Landmarks, pkt.Width, pkt.Height, ts)
	if err != nil {
		return res, err
	}
	gp, err := s.gaze.Estimate(pkt.Landmarks, pkt.Width, pkt.Height, ts)
	if err != nil {
		return res, err
	}
	res.Pose, res.Gaze = hp, gp
	b.FaceDetected = model.Bool(pkt.Landmarks.Present())
	if hp.Detected {
		b.Pose = &hp
	}
	if gp.Detected {
		b.Gaze = &model.GazeSignal{
			Vector:     gp.Vector,
			OnScreen:   s.gaze.IsGazeOnScreen(gp),
			Confidence: gp.Confidence,
		}
	}

	if pkt.Frame != nil && !pkt.Frame.Empty() {
		if env, err := s.env.Analyze(pkt.Frame, ts); err == nil {
			res.Environment = &env
			b.Environment = env.Summary()
		}
		primary := pkt.PrimaryFace
		if primary == nil && pkt.Landmarks.Valid() {
			box := pkt.Landmarks.Bounds(pkt.Frame.Width, pkt.Frame.Height)
			primary = &box
		}
		if det, err := s.objects.Detect(pkt.Frame, primary); err == nil {
			res.Objects = &det
			b.Secondary = det.Summary()
		}
	}
	res.Bundle = b
	return res, nil
}

// autoLoadProfile fetches the newest stored calibration for a session that
// is about to start. It runs without p.mu so a slow store only delays the
// new session.
func (p *Pipeline) autoLoadProfile(ctx context.Context, id string, cfg *config.Config) *model.CalibrationProfile {
	if !cfg.Pipeline.AutoLoadCalibration || p.store == nil {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	prof, err := p.store.LatestCalibration(lctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		p.logger.Warn("calibration auto-load failed", "session_id", id, "err", err)
		return nil
	}
	return &prof
}

// session returns the analyzer set for id, creating it on first use with
// prof applied when given. Callers hold p.mu.
func (p *Pipeline) session(id string, cfg *config.Config, prof *model.CalibrationProfile) *session {
	if s, ok := p.sessions[id]; ok {
		return s
	}
	s := newSession(id, cfg, p.logger)
	p.sessions[id] = s
	p.logger.Info("session started", "session_id", id)
	if prof != nil {
		if err := s.gaze.LoadProfile(*prof); err != nil {
			p.logger.Warn("calibration profile rejected", "session_id", id, "profile_id", prof.ID, "err", err)
		} else {
			s.profileID = prof.ID
			p.logger.Info("calibration loaded", "session_id", id, "profile_id", prof.ID)
		}
	}
	return s
}

func frameRecord(b model.SignalBundle, raised []model.FlagEvent, risk float64) model.FrameRecord {
	r := model.FrameRecord{SessionID: b.SessionID, Timestamp: b.Timestamp, RiskScore: risk}
	if b.Gaze != nil {
		r.EyesOn = b.Gaze.OnScreen
		r.GazeConfidence = b.Gaze.Confidence
	}
	if b.Pose != nil {
		r.HeadPose = model.PoseAngles{Yaw: b.Pose.Yaw, Pitch: b.Pose.Pitch, Roll: b.Pose.Roll}
	}
	if b.Environment != nil {
		r.ShadowScore = shadowScore(*b.Environment)
	}
	if b.Secondary != nil {
		r.SecondaryFacePresent = b.Secondary.Faces > 0
		r.DeviceLikePresent = b.Secondary.Devices > 0
	}
	if b.TabHidden != nil {
		r.TabHidden = *b.TabHidden
	}
	if b.FaceDetected != nil {
		r.FacePresent = *b.FaceDetected
	}
	if len(raised) > 0 {
		ft := raised[0].Type
		for _, f := range raised {
			if f.Severity == model.SeverityHard {
				ft = f.Type
				break
			}
		}
		r.FlagType = &ft
	}
	return r
}

// shadowScore is the shadow stability, cut to 30% while an anomaly is flagged.
func shadowScore(env model.EnvironmentSummary) float64 {
	if env.ShadowAnomaly {
		return env.ShadowStability * 0.3
	}
	return env.ShadowStability
}

// EvictIdle drops sessions with no packet for the configured idle timeout.
func (p *Pipeline) EvictIdle() int {
	timeout := p.config().Pipeline.SessionIdleTimeout
	if timeout <= 0 {
		return 0
	}
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	evicted := 0
	for id, s := range p.sessions {
		if now.Sub(s.lastSeen) <= timeout {
			continue
		}
		s.engine.Stop()
		delete(p.sessions, id)
		p.metrics.Remove(id)
		evicted++
		p.logger.Info("session evicted", "session_id", id, "frames", s.frames, "risk", s.engine.RiskScore())
	}
	return evicted
}

func (p *Pipeline) flushMetrics() {
	if p.sink == nil {
		return
	}
	p.mu.Lock()
	pending := p.dirty
	p.dirty = make(map[string][]model.WindowMetrics)
	p.mu.Unlock()
	for id, wm := range pending {
		p.sink.Metrics(id, wm)
	}
}

func (p *Pipeline) AddCalibrationPoint(sessionID string, screen model.ScreenPoint) (CalibrationStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return CalibrationStatus{}, ErrUnknownSession
	}
	v, ok := s.gaze.LastVector()
	if !ok {
		return CalibrationStatus{}, ErrNoGaze
	}
	s.gaze.AddCalibrationPoint(screen, v)
	return calibrationStatus(s), nil
}

func calibrationStatus(s *session) CalibrationStatus {
	cal := s.gaze.Calibration()
	return CalibrationStatus{
		Calibrated: cal.IsCalibrated(),
		Points:     cal.Points(),
		Quality:    cal.Quality(),
		MeanError:  cal.MeanError(),
	}
}

// SaveCalibration persists the session's current homography. An empty id
// gets a generated one.
func (p *Pipeline) SaveCalibration(ctx context.Context, sessionID, id string) (model.CalibrationProfile, error) {
	if id == "" {
		id = uuid.NewString()
	}
	p.mu.Lock()
	s, ok := p.sessions[sessionID]
	if !ok {
		p.mu.Unlock()
		return model.CalibrationProfile{}, ErrUnknownSession
	}
	if !s.gaze.IsCalibrated() {
		p.mu.Unlock()
		return model.CalibrationProfile{}, ErrNotCalibrated
	}
	prof := s.gaze.Profile(id, p.now().UTC())
	s.profileID = id
	p.mu.Unlock()

	if p.store == nil {
		return prof, ErrNoStore
	}
	if err := p.store.SaveCalibration(ctx, prof); err != nil {
		return prof, err
	}
	return prof, nil
}

// LoadCalibration applies a stored profile to a live session.
func (p *Pipeline) LoadCalibration(ctx context.Context, sessionID, profileID string) error {
	if p.store == nil {
		return ErrNoStore
	}
	var prof model.CalibrationProfile
	var err error
	if profileID == "" {
		prof, err = p.store.LatestCalibration(ctx)
	} else {
		prof, err = p.store.GetCalibration(ctx, profileID)
	}
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	if err := s.gaze.LoadProfile(prof); err != nil {
		return err
	}
	s.profileID = prof.ID
	return nil
}

func (p *Pipeline) LatestCalibration(ctx context.Context) (model.CalibrationProfile, error) {
	if p.store == nil {
		return model.CalibrationProfile{}, ErrNoStore
	}
	return p.store.LatestCalibration(ctx)
}

func (p *Pipeline) ResetCalibration(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[sessionID]
	if !ok {
		return ErrUnknownSession
	}
	s.gaze.ResetCalibration()
	s.profileID = ""
	return nil
}

func (p *Pipeline) Session(id string) (SessionInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, ok := p.sessions[id]
	if !ok {
		return SessionInfo{}, ErrUnknownSession
	}
	return s.info(), nil
}

func (p *Pipeline) Sessions() []SessionInfo {
	p.mu.Lock()
	out := make([]SessionInfo, 0, len(p.sessions))
	for _, s := range p.sessions {
		out = append(out, s.info())
	}
	p.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset clears one session's temporal state, or every session's when id is empty.
func (p *Pipeline) Reset(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id == "" {
		for _, s := range p.sessions {
			s.reset()
		}
		p.dedupe.Reset()
		return nil
	}
	s, ok := p.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	s.reset()
	return nil
}

// Clear empties the in-memory flag and metrics stores.
func (p *Pipeline) Clear() {
	p.flags.Clear()
	p.metrics.Clear()
	p.mu.Lock()
	clear(p.dirty)
	p.mu.Unlock()
}

func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	n := len(p.sessions)
	p.mu.Unlock()
	return Stats{
		Processed:  p.processed.Load(),
		Duplicates: p.duplicates.Load(),
		Invalid:    p.invalid.Load(),
		Sessions:   n,
	}
}
