package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend keeps entries in process. Each fingerprint has its own
// slot lock, so unrelated keys never contend.
type MemoryBackend struct {
	slots sync.Map // fingerprint -> *slot
}

type slot struct {
	mu      sync.Mutex
	entry   Entry
	present bool
	dead    bool
}

// NewMemoryBackend returns an empty in-process backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{}
}

// Get returns the entry if present and not expired at now.
func (m *MemoryBackend) Get(_ context.Context, fingerprint string, now time.Time) (Entry, bool, error) {
	v, ok := m.slots.Load(fingerprint)
	if !ok {
		return Entry{}, false, nil
	}
	s := v.(*slot)

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present || s.dead || s.entry.Expired(now) {
		return Entry{}, false, nil
	}
	s.entry.Uses++
	return s.entry, true, nil
}

// Put writes or overwrites the entry. A refresh keeps the use count.
func (m *MemoryBackend) Put(_ context.Context, fingerprint string, payload Payload, now time.Time, ttl time.Duration) error {
	for {
		v, _ := m.slots.LoadOrStore(fingerprint, &slot{})
		s := v.(*slot)

		s.mu.Lock()
		if s.dead {
			// Lost a race with Sweep; the slot is gone from the map.
			s.mu.Unlock()
			continue
		}
		uses := int64(0)
		if s.present && !s.entry.Expired(now) {
			uses = s.entry.Uses
		}
		s.entry = Entry{
			Fingerprint: fingerprint,
			Payload:     payload,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
			Uses:        uses,
		}
		s.present = true
		s.mu.Unlock()
		return nil
	}
}

// Sweep deletes entries expired at now.
func (m *MemoryBackend) Sweep(ctx context.Context, now time.Time) (int, error) {
	removed := 0
	m.slots.Range(func(key, v any) bool {
		if ctx.Err() != nil {
			return false
		}
		s := v.(*slot)
		s.mu.Lock()
		if !s.present || s.entry.Expired(now) {
			s.dead = true
			m.slots.Delete(key)
			if s.present {
				removed++
			}
		}
		s.mu.Unlock()
		return true
	})
	return removed, ctx.Err()
}

// Len returns the number of physically stored slots, expired or not.
func (m *MemoryBackend) Len() int {
	n := 0
	m.slots.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
