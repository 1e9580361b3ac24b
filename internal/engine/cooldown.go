package engine

import (
	"sync"
	"time"
)

// minPrune is the key count below which expired keys are left in place.
const minPrune = 1024

type Cooldown struct {
	mu      sync.Mutex
	now     func() time.Time
	last    map[string]time.Time
	pruneAt int
}

func NewCooldown(now func() time.Time) *Cooldown {
	if now == nil {
		now = time.Now
	}
	return &Cooldown{now: now, last: make(map[string]time.Time), pruneAt: minPrune}
}

// AllowKey reports whether key may fire now and, if so, starts its cooldown.
func (c *Cooldown) AllowKey(key string, cooldown time.Duration) bool {
	if cooldown <= 0 {
		return true
	}
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	if ts, ok := c.last[key]; ok {
		if now.Sub(ts) < cooldown {
			return false
		}
	}
	c.last[key] = now
	if len(c.last) >= c.pruneAt {
		c.prune(now, cooldown)
	}
	return true
}

// prune drops keys whose cooldown has run out and doubles the next threshold
// relative to what is left.
func (c *Cooldown) prune(now time.Time, cooldown time.Duration) {
	for k, ts := range c.last {
		if now.Sub(ts) >= cooldown {
			delete(c.last, k)
		}
	}
	c.pruneAt = max(2*len(c.last), minPrune)
}

func (c *Cooldown) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.last)
}

func (c *Cooldown) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = make(map[string]time.Time)
	c.pruneAt = minPrune
}
