// Package flags keeps the most recent flag events in memory for the API.
package flags

import (
	"sync"
	"time"

	"proctorguard/internal/model"
)

type Store struct {
	mu    sync.RWMutex
	buf   []model.FlagEvent
	limit int
}

func NewStore(limit int) *Store {
	if limit <= 0 {
		limit = 1000
	}
	return &Store{limit: limit}
}

func (s *Store) Add(flags ...model.FlagEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, f := range flags {
		if len(s.buf) < s.limit {
			s.buf = append(s.buf, f)
			continue
		}
		copy(s.buf, s.buf[1:])
		s.buf[len(s.buf)-1] = f
	}
}

// List returns up to limit of the newest flags, oldest first. A session
// filter of "" matches every session.
func (s *Store) List(session string, limit int) []model.FlagEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	matched := make([]model.FlagEvent, 0, len(s.buf))
	for _, f := range s.buf {
		if session == "" || f.SessionID == session {
			matched = append(matched, f)
		}
	}
	if limit <= 0 || limit > len(matched) {
		limit = len(matched)
	}
	return append([]model.FlagEvent(nil), matched[len(matched)-limit:]...)
}

func (s *Store) Since(ts time.Time) []model.FlagEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.FlagEvent, 0)
	for _, f := range s.buf {
		if !f.Timestamp.Before(ts) {
			out = append(out, f)
		}
	}
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buf)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
