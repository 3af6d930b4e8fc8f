// Package engine fuses per-frame signal bundles into debounced integrity
// flags and a decaying risk score.
package engine

import (
	"log/slog"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
)

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// episode tracks one continuous violation of a condition.
type episode struct {
	active  bool
	start   time.Time
	flagged bool
	peak    float64
	details map[string]string
}

type Engine struct {
	logger     *slog.Logger
	cfg        atomic.Value
	conditions atomic.Value
	mu         sync.Mutex
	state      State
	risk       float64
	last       time.Time
	episodes   map[model.FlagType]*episode
	cooldown   *Cooldown
	emitted    int
}

// Snapshot is a read-only view for status endpoints.
type Snapshot struct {
	State     State            `json:"state"`
	Risk      float64          `json:"risk"`
	Active    []model.FlagType `json:"active"`
	Emitted   int              `json:"emitted"`
	LastFrame time.Time        `json:"last_frame"`
}

func NewEngine(cfg config.ProctorConfig, logger *slog.Logger) *Engine {
	e := &Engine{
		logger:   logger,
		state:    StateIdle,
		episodes: make(map[model.FlagType]*episode),
		cooldown: NewCooldown(),
	}
	e.UpdateConfig(cfg)
	return e
}

func (e *Engine) UpdateConfig(cfg config.ProctorConfig) {
	c := cfg
	e.cfg.Store(&c)
	e.conditions.Store(buildConditions(&c))
}

func (e *Engine) config() *config.ProctorConfig {
	if v := e.cfg.Load(); v != nil {
		return v.(*config.ProctorConfig)
	}
	def := config.DefaultProctorConfig()
	return &def
}

func (e *Engine) conditionSet() *ConditionSet {
	if v := e.conditions.Load(); v != nil {
		if cs, ok := v.(*ConditionSet); ok {
			return cs
		}
	}
	return nil
}

func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateRunning
}

// Stop halts processing. Later bundles are ignored until Start.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateRunning {
		e.state = StateStopped
	}
}

// Reset clears episodes, cooldowns and risk. The lifecycle state is kept.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.risk = 0
	e.last = time.Time{}
	e.episodes = make(map[model.FlagType]*episode)
	e.cooldown.Reset()
	e.emitted = 0
}

func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) IsRunning() bool {
	return e.State() == StateRunning
}

func (e *Engine) RiskScore() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.risk
}

func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := Snapshot{State: e.state, Risk: e.risk, Emitted: e.emitted, LastFrame: e.last}
	for _, ft := range model.FlagTypes {
		if ep, ok := e.episodes[ft]; ok && ep.active {
			s.Active = append(s.Active, ft)
		}
	}
	return s
}

// ProcessSignals advances the engine by one bundle and returns the flags
// raised by it. Absent bundle fields leave their conditions untouched; a
// frame where the subject cannot be assessed ends the running episode.
func (e *Engine) ProcessSignals(b model.SignalBundle) []model.FlagEvent {
	cfg := e.config()
	conds := e.conditionSet()

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateRunning {
		return nil
	}

	ts := clampTimestamp(b.Timestamp, e.last)
	var dt float64
	if !e.last.IsZero() {
		dt = ts.Sub(e.last).Seconds()
	}
	e.last = ts
	e.adjustRisk(-cfg.DecayPerSecond*dt, cfg.MaxRisk)

	if conds == nil {
		return nil
	}
	var out []model.FlagEvent
	for _, c := range conds.conditions {
		r := c.check(b, cfg)
		if r.unobserved {
			if ep := e.episodes[c.flag]; ep != nil {
				*ep = episode{}
			}
			continue
		}
		if !r.ok {
			continue
		}
		ep := e.episodes[c.flag]
		if ep == nil {
			ep = &episode{}
			e.episodes[c.flag] = ep
		}
		if !r.violating {
			*ep = episode{}
			continue
		}
		if !ep.active {
			*ep = episode{active: true, start: ts}
		} else if ep.flagged && c.cfg.ContinuousPenalty > 0 {
			e.adjustRisk(c.cfg.ContinuousPenalty*dt, cfg.MaxRisk)
		}
		ep.peak = math.Max(ep.peak, r.confidence)
		if r.details != nil {
			ep.details = r.details
		}
		if ep.flagged {
			continue
		}

		elapsed := ts.Sub(ep.start)
		severity, penalty, ok := tier(c.cfg, elapsed)
		if !ok {
			continue
		}
		if !e.cooldown.AllowKey(string(c.flag), ts, c.cfg.Cooldown) {
			continue
		}
		ep.flagged = true
		e.adjustRisk(penalty, cfg.MaxRisk)
		e.emitted++

		flag := model.FlagEvent{
			ID:         uuid.NewString(),
			SessionID:  b.SessionID,
			Timestamp:  ts,
			Type:       c.flag,
			Severity:   severity,
			Confidence: clamp(ep.peak, 0, 1),
			Details:    map[string]string{"elapsed_ms": strconv.FormatInt(elapsed.Milliseconds(), 10)},
		}
		for k, v := range ep.details {
			flag.Details[k] = v
		}
		out = append(out, flag)
		if e.logger != nil {
			e.logger.Warn("flag raised",
				"session_id", flag.SessionID,
				"flag_type", flag.Type,
				"severity", flag.Severity,
				"confidence", flag.Confidence,
				"risk", e.risk,
			)
		}
	}
	return out
}

// tier picks the severity an episode has reached. Hard wins when both
// thresholds have passed; a zero threshold disables its tier.
func tier(cc config.ConditionConfig, elapsed time.Duration) (model.Severity, float64, bool) {
	if cc.Hard > 0 && elapsed >= cc.Hard {
		return model.SeverityHard, cc.HardPenalty, true
	}
	if cc.Soft > 0 && elapsed >= cc.Soft {
		return model.SeveritySoft, cc.SoftPenalty, true
	}
	return "", 0, false
}

func (e *Engine) adjustRisk(delta, maxRisk float64) {
	if maxRisk <= 0 {
		maxRisk = math.Inf(1)
	}
	e.risk = clamp(e.risk+delta, 0, maxRisk)
}

// clampTimestamp keeps the bundle clock monotonic. A zero timestamp reuses
// the previous one.
func clampTimestamp(ts, last time.Time) time.Time {
	if ts.IsZero() {
		if last.IsZero() {
			return time.Now().UTC()
		}
		return last
	}
	if !last.IsZero() && ts.Before(last) {
		return last
	}
	return ts
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}
