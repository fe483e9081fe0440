// Package ratelimit enforces per-identity, per-tier request ceilings over
// fixed windows.
package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/zen-systems/flowroute/pkg/clock"
	"github.com/zen-systems/flowroute/pkg/task"
)

// Config holds the tier ceilings.
type Config struct {
	Window time.Duration
	Limits map[task.CallerTier]int
	// FailClosed denies requests when the backend errors. The default
	// admits them.
	FailClosed bool
}

// DefaultConfig returns the stock ceilings.
func DefaultConfig() Config {
	return Config{
		Window: time.Minute,
		Limits: map[task.CallerTier]int{
			task.TierAnonymous:     10,
			task.TierAuthenticated: 60,
			task.TierPremium:       600,
		},
	}
}

// Admission is the outcome of one TryAdmit call.
type Admission struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
	ResetAt    time.Time
}

// Backend performs the atomic check-and-increment for one window key.
// It reports the count after the attempt and whether the request fit.
type Backend interface {
	Admit(ctx context.Context, key string, windowStart time.Time, window time.Duration, limit int) (count int, admitted bool, err error)
}

// Observer receives limiter decisions for metrics.
type Observer interface {
	LimiterDecision(tier string, allowed bool)
	LimiterError()
}

// Limiter applies Config over a Backend.
type Limiter struct {
	backend  Backend
	cfg      Config
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source.
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		l.logger = logger
	}
}

// WithObserver attaches a metrics observer.
func WithObserver(o Observer) Option {
	return func(l *Limiter) {
		l.observer = o
	}
}

// New returns a Limiter. Missing config values fall back to defaults.
func New(backend Backend, cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	limits := make(map[task.CallerTier]int, len(def.Limits))
	for tier, n := range def.Limits {
		limits[tier] = n
	}
	for tier, n := range cfg.Limits {
		if n > 0 {
			limits[tier] = n
		}
	}
	cfg.Limits = limits

	l := &Limiter{
		backend: backend,
		cfg:     cfg,
		clock:   clock.Real(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Limit returns the ceiling for tier.
func (l *Limiter) Limit(tier task.CallerTier) int {
	if !tier.Valid() {
		tier = task.TierAnonymous
	}
	return l.cfg.Limits[tier]
}

// TryAdmit checks and counts one request for identity at tier. Unknown
// tiers are treated as anonymous.
func (l *Limiter) TryAdmit(ctx context.Context, identity string, tier task.CallerTier) Admission {
	if !tier.Valid() {
		tier = task.TierAnonymous
	}
	limit := l.cfg.Limits[tier]
	now := l.clock.Now()
	start := now.Truncate(l.cfg.Window)
	reset := start.Add(l.cfg.Window)

	adm := Admission{Limit: limit, ResetAt: reset}

	count, admitted, err := l.backend.Admit(ctx, windowKey(identity, tier), start, l.cfg.Window, limit)
	if err != nil {
		l.logger.Warn("ratelimit.backend.failed", "identity", identity, "tier", tier,
			"fail_closed", l.cfg.FailClosed, "error", err)
		if l.observer != nil {
			l.observer.LimiterError()
		}
		admitted = !l.cfg.FailClosed
		count = limit
		if admitted {
			count = 0
		}
	}

	adm.Allowed = admitted
	adm.Remaining = limit - count
	if adm.Remaining < 0 {
		adm.Remaining = 0
	}
	if !admitted {
		adm.RetryAfter = reset.Sub(now)
	}
	if l.observer != nil {
		l.observer.LimiterDecision(string(tier), admitted)
	}
	return adm
}

func windowKey(identity string, tier task.CallerTier) string {
	return string(tier) + "|" + identity
}

type pruner interface {
	Prune(now time.Time, window time.Duration) int
}

// StartPruner periodically drops finished windows from backends that keep
// them in process. It returns a closed channel immediately for backends
// that expire on their own.
func (l *Limiter) StartPruner(ctx context.Context, interval time.Duration) <-chan struct{} {
	done := make(chan struct{})
	p, ok := l.backend.(pruner)
	if !ok {
		close(done)
		return done
	}
	if interval <= 0 {
		interval = l.cfg.Window
	}
	ticker := l.clock.NewTicker(interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.Prune(l.clock.Now(), l.cfg.Window); n > 0 {
					l.logger.Debug("ratelimit.prune.completed", "removed", n)
				}
			}
		}
	}()
	return done
}
