package engine

import (
	"sync"
	"time"
)

// Cooldown spaces out repeated flags of one kind. It runs on the bundle
// clock, never the wall clock, so replayed sessions behave like live ones.
type Cooldown struct {
	mu   sync.Mutex
	last map[string]time.Time
}

func NewCooldown() *Cooldown {
	return &Cooldown{last: make(map[string]time.Time)}
}

// Ready reports whether key may fire at now without recording anything.
func (c *Cooldown) Ready(key string, now time.Time, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	return true
}

func (c *Cooldown) AllowKey(key string, now time.Time, cooldown time.Duration) bool {
	if !c.Ready(key, now, cooldown) {
		return false
	}
	c.mu.Lock()
	c.last[key] = now
	c.mu.Unlock()
	return true
}

func (c *Cooldown) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[string]time.Time)
}
