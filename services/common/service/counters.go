package service

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Counters is a set of named running counters exposed on /info for external
// polling. Safe for concurrent use.
type Counters struct {
	mu        sync.RWMutex
	counts    map[string]*atomic.Int64
	startTime time.Time
}

// NewCounters pre-registers names so they report zero before first use.
func NewCounters(names ...string) *Counters {
	c := &Counters{counts: make(map[string]*atomic.Int64, len(names)), startTime: time.Now()}
	for _, n := range names {
		c.counts[n] = &atomic.Int64{}
	}
	return c
}

func (c *Counters) counter(name string) *atomic.Int64 {
	c.mu.RLock()
	v, ok := c.counts[name]
	c.mu.RUnlock()
	if ok {
		return v
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if v, ok = c.counts[name]; !ok {
		v = &atomic.Int64{}
		c.counts[name] = v
	}
	return v
}

// Add adds delta to name.
func (c *Counters) Add(name string, delta int64) {
	c.counter(name).Add(delta)
}

// Incr adds one to name.
func (c *Counters) Incr(name string) {
	c.Add(name, 1)
}

// Get returns the current value of name.
func (c *Counters) Get(name string) int64 {
	return c.counter(name).Load()
}

// Snapshot returns every counter plus uptime, suitable for WithStats.
func (c *Counters) Snapshot() map[string]any {
	c.mu.RLock()
	names := make([]string, 0, len(c.counts))
	for n := range c.counts {
		names = append(names, n)
	}
	c.mu.RUnlock()
	sort.Strings(names)

	out := make(map[string]any, len(names)+1)
	for _, n := range names {
		out[n] = c.Get(n)
	}
	out["uptime"] = time.Since(c.startTime).Round(time.Second).String()
	return out
}
