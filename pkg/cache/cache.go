// Package cache memoizes routed responses by request fingerprint.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/zen-systems/flowroute/pkg/clock"
)

// Payload is the cached result of a successful dispatch.
type Payload struct {
	Content  string  `json:"content"`
	Provider string  `json:"provider"`
	Model    string  `json:"model"`
	Units    float64 `json:"units"`
}

// Entry is a cache record as returned by Get.
type Entry struct {
	Fingerprint string
	Payload     Payload
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Uses        int64
}

// Expired reports whether the entry is logically absent at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// Backend stores entries. Get must never return an entry expired at now
// and must count the hit. Put overwrites any existing entry.
type Backend interface {
	Get(ctx context.Context, fingerprint string, now time.Time) (Entry, bool, error)
	Put(ctx context.Context, fingerprint string, payload Payload, now time.Time, ttl time.Duration) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Observer receives cache events for metrics.
type Observer interface {
	CacheLookup(hit bool)
	CacheError(op string)
	CacheSwept(n int)
}

// Cache fronts a Backend with a clock, a default TTL and fail-open error
// handling: backend errors read as misses and writes are dropped.
type Cache struct {
	backend  Backend
	clock    clock.Clock
	ttl      time.Duration
	logger   *slog.Logger
	observer Observer
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(cache *Cache) {
		cache.clock = c
	}
}

// WithTTL sets the default entry lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(cache *Cache) {
		if ttl > 0 {
			cache.ttl = ttl
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(cache *Cache) {
		cache.logger = l
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(cache *Cache) {
		cache.observer = o
	}
}

// DefaultTTL applies when neither the caller nor config sets one.
const DefaultTTL = time.Hour

// New returns a Cache over backend.
func New(backend Backend, opts ...Option) *Cache {
	c := &Cache{
		backend: backend,
		clock:   clock.Real(),
		ttl:     DefaultTTL,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// TTL returns the default lifetime.
func (c *Cache) TTL() time.Duration { return c.ttl }

// Get returns the live entry for fingerprint, counting the hit.
func (c *Cache) Get(ctx context.Context, fingerprint string) (Entry, bool) {
	entry, ok, err := c.backend.Get(ctx, fingerprint, c.clock.Now())
	if err != nil {
		c.logger.Warn("cache.get.failed", "fingerprint", fingerprint, "error", err)
		c.observe(func(o Observer) { o.CacheError("get") })
		return Entry{}, false
	}
	c.observe(func(o Observer) { o.CacheLookup(ok) })
	return entry, ok
}

// Put stores payload under fingerprint. A ttl of zero uses the default.
func (c *Cache) Put(ctx context.Context, fingerprint string, payload Payload, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	if err := c.backend.Put(ctx, fingerprint, payload, c.clock.Now(), ttl); err != nil {
		c.logger.Warn("cache.put.failed", "fingerprint", fingerprint, "error", err)
		c.observe(func(o Observer) { o.CacheError("put") })
	}
}

// Sweep removes expired entries and returns how many were reclaimed.
func (c *Cache) Sweep(ctx context.Context) int {
	n, err := c.backend.Sweep(ctx, c.clock.Now())
	if err != nil {
		c.logger.Warn("cache.sweep.failed", "error", err)
		c.observe(func(o Observer) { o.CacheError("sweep") })
		return n
	}
	if n > 0 {
		c.logger.Debug("cache.sweep.completed", "removed", n)
	}
	c.observe(func(o Observer) { o.CacheSwept(n) })
	return n
}

// StartSweeper runs Sweep every interval until ctx is done. The returned
// channel is closed when the loop exits.
func (c *Cache) StartSweeper(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := c.clock.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.Sweep(ctx)
			}
		}
	}()
	return done
}

func (c *Cache) observe(fn func(Observer)) {
	if c.observer != nil {
		fn(c.observer)
	}
}
