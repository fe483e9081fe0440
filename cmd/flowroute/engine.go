package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zen-systems/flowroute/pkg/action"
	"github.com/zen-systems/flowroute/pkg/adapter"
	"github.com/zen-systems/flowroute/pkg/cache"
	"github.com/zen-systems/flowroute/pkg/complexity"
	"github.com/zen-systems/flowroute/pkg/config"
	"github.com/zen-systems/flowroute/pkg/executor"
	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/logging"
	"github.com/zen-systems/flowroute/pkg/metrics"
	"github.com/zen-systems/flowroute/pkg/ratelimit"
	"github.com/zen-systems/flowroute/pkg/registry"
	"github.com/zen-systems/flowroute/pkg/reload"
	"github.com/zen-systems/flowroute/pkg/router"
	"github.com/zen-systems/flowroute/pkg/scheduler"
	"github.com/zen-systems/flowroute/pkg/store"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// engine holds every wired component of a running process.
type engine struct {
	cfg       *config.Config
	logger    *slog.Logger
	logCloser io.Closer
	metrics   *metrics.Metrics
	redis     *redis.Client

	registry *registry.Registry
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	store    store.Store
	ledger   *ledger.Ledger
	router   *router.Router
	pool     *router.Pool

	workflows *workflow.MemoryStore
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	reloader  *reload.Reloader

	background []<-chan struct{}
}

// newEngine wires the router side and the workflow side from cfg.
// Background loops run until ctx ends.
func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	logger, closer := logging.New(cfg.Logging)
	e := &engine{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		metrics:   metrics.New("flowroute", nil),
	}
	if err := e.build(ctx); err != nil {
		e.close(context.Background())
		return nil, err
	}
	return e, nil
}

func (e *engine) build(ctx context.Context) error {
	cfg := e.cfg

	if cfg.Redis.URL != "" {
		client, err := connectRedis(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		e.redis = client
	}

	descs, err := cfg.Descriptors()
	if err != nil {
		return err
	}
	e.registry, err = registry.New(descs,
		registry.WithPolicy(cfg.RegistryPolicy()),
		registry.WithTransitionHook(func(id string, from, to registry.Health) {
			e.metrics.HealthTransition(id, from, to)
			e.logger.Warn("registry.health.changed", "provider", id, "from", from, "to", to)
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to build registry: %w", err)
	}
	e.metrics.SeedHealth(e.registry.Snapshot())

	var cacheBackend cache.Backend = cache.NewMemoryBackend()
	if cfg.Cache.Backend == "redis" {
		cacheBackend = cache.NewRedisBackend(e.redis, "")
	}
	e.cache = cache.New(cacheBackend,
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithLogger(logging.Component(e.logger, "cache")),
		cache.WithObserver(e.metrics),
	)
	e.background = append(e.background, e.cache.StartSweeper(ctx, cfg.Cache.SweepInterval))

	var limitBackend ratelimit.Backend = ratelimit.NewMemoryBackend()
	if cfg.RateLimits.Backend == "redis" {
		limitBackend = ratelimit.NewRedisBackend(e.redis, "")
	}
	e.limiter = ratelimit.New(limitBackend, cfg.LimiterConfig(),
		ratelimit.WithLogger(logging.Component(e.logger, "ratelimit")),
		ratelimit.WithObserver(e.metrics),
	)
	e.background = append(e.background, e.limiter.StartPruner(ctx, cfg.RateLimits.Window))

	e.store, err = store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
	if err != nil {
		return err
	}
	e.ledger = ledger.New(
		ledger.WithSink(e.store),
		ledger.WithLogger(logging.Component(e.logger, "ledger")),
		ledger.WithObserver(e.metrics),
	)

	adapters, err := createAdapters(cfg)
	if err != nil {
		return err
	}
	e.router = router.New(e.registry, adapters,
		router.WithAnalyzer(complexity.New()),
		router.WithCache(e.cache),
		router.WithLimiter(e.limiter),
		router.WithLedger(e.ledger),
		router.WithPricing(reload.Pricing(cfg)),
		router.WithMaxCandidates(cfg.Router.MaxCandidates),
		router.WithDefaultTimeout(cfg.Router.DefaultTimeout),
		router.WithRecordCacheHits(*cfg.Router.RecordCacheHits),
		router.WithTemperatureBucket(cfg.Cache.TemperatureBucket),
		router.WithLogger(logging.Component(e.logger, "router")),
		router.WithObserver(e.metrics),
	)
	e.pool = router.NewPool(e.router, cfg.Router.Workers, cfg.Router.QueueSize)

	defs, err := workflow.LoadDefinitions(cfg.Scheduler.Workflows...)
	if err != nil {
		return err
	}
	e.workflows, err = workflow.NewMemoryStore(defs...)
	if err != nil {
		return err
	}

	var notifier action.Notifier = action.NewLogNotifier(logging.Component(e.logger, "notify"))
	if e.redis != nil {
		notifier = action.NewRedisStreamNotifier(e.redis, "", 0)
	}
	e.executor = executor.New(e.workflows, e.store,
		executor.WithRouter(e.pool),
		executor.WithHTTPCaller(action.NewHTTPCaller(action.WithHTTPLogger(logging.Component(e.logger, "http")))),
		executor.WithNotifier(notifier),
		executor.WithMaxConcurrent(cfg.Executor.MaxConcurrent),
		executor.WithStepTimeout(cfg.Executor.StepTimeout),
		executor.WithLogger(logging.Component(e.logger, "executor")),
		executor.WithObserver(e.metrics),
	)
	e.metrics.WatchActive("flowroute", e.executor.Active)

	e.scheduler = scheduler.New(e.workflows, e.executor,
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithLogger(logging.Component(e.logger, "scheduler")),
		scheduler.WithObserver(e.metrics),
	)

	e.reloader = reload.New(loadConfig,
		reload.WithProviders(healthSeeder{e.registry, e.metrics}),
		reload.WithPricer(e.router),
		reload.WithCatalog(e.workflows),
		reload.WithCanceller(e.executor),
		reload.WithLogger(logging.Component(e.logger, "reload")),
	)

	e.logger.Info("engine.ready",
		"providers", len(descs),
		"adapters", len(adapters),
		"workflows", len(defs),
		"storage", cfg.Storage.Driver,
		"cache", cfg.Cache.Backend,
		"rate_limits", cfg.RateLimits.Backend,
	)
	return nil
}

// close stops intake first, then drains running work, then releases
// storage. Safe on a partially built engine.
func (e *engine) close(ctx context.Context) {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	if e.executor != nil {
		if err := e.executor.Shutdown(ctx); err != nil {
			e.logger.Warn("engine.executor.shutdown", "error", err)
		}
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.ledger != nil {
		if err := e.ledger.Close(); err != nil {
			e.logger.Warn("engine.ledger.close", "error", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.logger.Warn("engine.store.close", "error", err)
		}
	}
	if e.redis != nil {
		e.redis.Close()
	}
	e.logCloser.Close()
}

// wait blocks until the background loops exit or ctx ends.
func (e *engine) wait(ctx context.Context) {
	for _, done := range e.background {
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
	}
}

// healthSeeder refreshes the provider health gauges after a catalog
// reload, which resets health without firing transition hooks.
type healthSeeder struct {
	*registry.Registry
	metrics *metrics.Metrics
}

func (h healthSeeder) Reload(descs []registry.Descriptor) error {
	if err := h.Registry.Reload(descs); err != nil {
		return err
	}
	h.metrics.SeedHealth(h.Snapshot())
	return nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", opts.Addr, err)
	}
	return client, nil
}

func createAdapters(cfg *config.Config) (map[string]adapter.Adapter, error) {
	adapters := make(map[string]adapter.Adapter)

	if cfg.AnthropicAPIKey != "" {
		a, err := adapter.NewAnthropicAdapter(cfg.AnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create anthropic adapter: %w", err)
		}
		adapters["anthropic"] = a
	}

	if cfg.OpenAIAPIKey != "" {
		a, err := adapter.NewOpenAIAdapter(cfg.OpenAIAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create openai adapter: %w", err)
		}
		adapters["openai"] = a
	}

	if cfg.GoogleAPIKey != "" {
		a, err := adapter.NewGoogleAdapter(cfg.GoogleAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create google adapter: %w", err)
		}
		adapters["google"] = a
	}

	if cfg.DeepSeekAPIKey != "" {
		a, err := adapter.NewDeepSeekAdapter(cfg.DeepSeekAPIKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create deepseek adapter: %w", err)
		}
		adapters["deepseek"] = a
	}

	adapters["mock"] = adapter.NewMockAdapter()

	return adapters, nil
}
