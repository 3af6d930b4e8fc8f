// Package metrics holds the latest windowed attention metrics per session.
package metrics

import (
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"proctorguard/internal/model"
)

type Store struct {
	mu        sync.RWMutex
	bySession map[string]map[int]model.WindowMetrics
	updatedAt map[string]time.Time
	limit     int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 5000
	}
	return &Store{
		bySession: make(map[string]map[int]model.WindowMetrics),
		updatedAt: make(map[string]time.Time),
		limit:     limit,
	}
}

func (s *Store) Update(sessionID string, metrics []model.WindowMetrics) {
	if sessionID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.bySession[sessionID]
	if !ok {
		m = make(map[int]model.WindowMetrics)
		s.bySession[sessionID] = m
	}
	for _, wm := range metrics {
		m[wm.WindowSec] = wm
	}
	s.updatedAt[sessionID] = time.Now().UTC()
	if len(s.bySession) > s.limit {
		s.evictOldest()
	}
}

func (s *Store) Get(sessionID string) ([]model.WindowMetrics, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.bySession[sessionID]
	if !ok {
		return nil, time.Time{}, false
	}
	return sorted(m), s.updatedAt[sessionID], true
}

func (s *Store) GetAll() map[string][]model.WindowMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]model.WindowMetrics, len(s.bySession))
	for id, m := range s.bySession {
		out[id] = sorted(m)
	}
	return out
}

func (s *Store) Remove(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bySession, sessionID)
	delete(s.updatedAt, sessionID)
}

func sorted(m map[int]model.WindowMetrics) []model.WindowMetrics {
	out := make([]model.WindowMetrics, 0, len(m))
	for _, wm := range m {
		out = append(out, wm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WindowSec < out[j].WindowSec })
	return out
}

func (s *Store) evictOldest() {
	var oldestSession string
	var oldest time.Time
	for id, ts := range s.updatedAt {
		if oldestSession == "" || ts.Before(oldest) {
			oldestSession = id
			oldest = ts
		}
	}
	if oldestSession != "" {
		delete(s.bySession, oldestSession)
		delete(s.updatedAt, oldestSession)
	}
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bySession = make(map[string]map[int]model.WindowMetrics)
	s.updatedAt = make(map[string]time.Time)
}

// Summary aggregates one attention window across every tracked session.
type Summary struct {
	WindowSec        int      `json:"window_sec"`
	Sessions         int      `json:"sessions"`
	MeanEyesOn       float64  `json:"mean_eyes_on_ratio"`
	StdEyesOn        float64  `json:"std_eyes_on_ratio"`
	MeanFacePresence float64  `json:"mean_face_present_ratio"`
	MaxRisk          float64  `json:"max_risk_score"`
	AtRisk           []string `json:"at_risk"`
}

// Summarize reports windowSec across sessions. Sessions with no frames in the
// window are not counted.
func (s *Store) Summarize(windowSec int, atRisk float64) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Summary{WindowSec: windowSec, AtRisk: []string{}}
	var eyes, face []float64
	for id, m := range s.bySession {
		wm, ok := m[windowSec]
		if !ok || wm.Frames == 0 {
			continue
		}
		eyes = append(eyes, wm.EyesOnRatio)
		face = append(face, wm.FacePresentRatio)
		out.MaxRisk = max(out.MaxRisk, wm.RiskScore)
		if wm.RiskScore >= atRisk {
			out.AtRisk = append(out.AtRisk, id)
		}
	}
	out.Sessions = len(eyes)
	if out.Sessions == 0 {
		return out
	}
	out.MeanEyesOn = stat.Mean(eyes, nil)
	if out.Sessions > 1 {
		out.StdEyesOn = stat.StdDev(eyes, nil)
	}
	out.MeanFacePresence = stat.Mean(face, nil)
	sort.Strings(out.AtRisk)
	return out
}
