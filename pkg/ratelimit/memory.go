package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps one counter per key, each behind its own mutex.
type MemoryBackend struct {
	counters sync.Map // key -> *counter
}

type counter struct {
	mu    sync.Mutex
	start time.Time
	count int
	dead  bool
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Admit resets the counter when windowStart moves past the stored window,
// then admits only while count is below limit.
func (m *MemoryBackend) Admit(_ context.Context, key string, windowStart time.Time, _ time.Duration, limit int) (int, bool, error) {
	for {
		v, _ := m.counters.LoadOrStore(key, &counter{start: windowStart})
		c := v.(*counter)

		c.mu.Lock()
		if c.dead {
			c.mu.Unlock()
			continue
		}
		// An older windowStart comes from a stale clock read and counts
		// against the current window.
		if windowStart.After(c.start) {
			c.start = windowStart
			c.count = 0
		}
		if c.count >= limit {
			n := c.count
			c.mu.Unlock()
			return n, false, nil
		}
		c.count++
		n := c.count
		c.mu.Unlock()
		return n, true, nil
	}
}

// Prune drops counters whose window ended at or before now.
func (m *MemoryBackend) Prune(now time.Time, window time.Duration) int {
	removed := 0
	m.counters.Range(func(key, v any) bool {
		c := v.(*counter)
		c.mu.Lock()
		if !c.start.Add(window).After(now) {
			c.dead = true
			m.counters.Delete(key)
			removed++
		}
		c.mu.Unlock()
		return true
	})
	return removed
}
