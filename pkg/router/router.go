// Package router selects a provider for each task request, dispatches it
// with bounded fallback, and records the outcome.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/zen-systems/flowroute/pkg/adapter"
	"github.com/zen-systems/flowroute/pkg/cache"
	"github.com/zen-systems/flowroute/pkg/clock"
	"github.com/zen-systems/flowroute/pkg/complexity"
	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/ratelimit"
	"github.com/zen-systems/flowroute/pkg/registry"
	"github.com/zen-systems/flowroute/pkg/task"
)

// DefaultMaxCandidates bounds the fallback chain.
const DefaultMaxCandidates = 3

// DefaultTimeout bounds one dispatch attempt when the provider sets none.
const DefaultTimeout = 30 * time.Second

// RoutedResult is a successful route.
type RoutedResult struct {
	Content        string           `json:"content"`
	Provider       string           `json:"provider"`
	Model          string           `json:"model"`
	Outcome        ledger.Outcome   `json:"outcome"`
	Complexity     complexity.Score `json:"complexity"`
	Usage          *adapter.Usage   `json:"usage,omitempty"`
	Units          float64          `json:"units"`
	Cost           float64          `json:"cost"`
	PricingVersion string           `json:"pricing_version"`
	Fingerprint    string           `json:"fingerprint"`
	Attempts       []ProviderError  `json:"attempts,omitempty"`
	RecordID       string           `json:"record_id,omitempty"`
}

// Cached reports whether the result was served from the response cache.
func (r *RoutedResult) Cached() bool {
	return r.Outcome == ledger.OutcomeCached
}

// Observer receives routing events for metrics.
type Observer interface {
	RouteCompleted(code string, outcome ledger.Outcome, d time.Duration)
	DispatchAttempt(provider string, success bool, d time.Duration)
}

// Router routes task requests across the provider registry.
type Router struct {
	registry *registry.Registry
	adapters map[string]adapter.Adapter
	analyzer *complexity.Analyzer
	cache    *cache.Cache
	limiter  *ratelimit.Limiter
	ledger   *ledger.Ledger
	pricing  atomic.Pointer[PricingSnapshot]

	maxCandidates   int
	defaultTimeout  time.Duration
	recordCacheHits bool
	bucket          float64

	clock    clock.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	observer Observer
}

// Option configures a Router.
type Option func(*Router)

// WithAnalyzer sets the complexity analyzer.
func WithAnalyzer(a *complexity.Analyzer) Option {
	return func(r *Router) {
		r.analyzer = a
	}
}

// WithCache enables response caching.
func WithCache(c *cache.Cache) Option {
	return func(r *Router) {
		r.cache = c
	}
}

// WithLimiter enables per-caller rate limiting.
func WithLimiter(l *ratelimit.Limiter) Option {
	return func(r *Router) {
		r.limiter = l
	}
}

// WithLedger records usage for every completed attempt.
func WithLedger(l *ledger.Ledger) Option {
	return func(r *Router) {
		r.ledger = l
	}
}

// WithPricing sets the initial pricing snapshot.
func WithPricing(p PricingSnapshot) Option {
	return func(r *Router) {
		r.pricing.Store(&p)
	}
}

// WithMaxCandidates bounds how many providers one request may try.
func WithMaxCandidates(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.maxCandidates = n
		}
	}
}

// WithDefaultTimeout sets the attempt timeout for providers without one.
func WithDefaultTimeout(d time.Duration) Option {
	return func(r *Router) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithRecordCacheHits controls whether cache hits are written to the
// ledger as zero-cost records.
func WithRecordCacheHits(enabled bool) Option {
	return func(r *Router) {
		r.recordCacheHits = enabled
	}
}

// WithTemperatureBucket sets the fingerprint temperature granularity.
func WithTemperatureBucket(b float64) Option {
	return func(r *Router) {
		r.bucket = b
	}
}

// WithClock sets the clock used for attempt timing.
func WithClock(c clock.Clock) Option {
	return func(r *Router) {
		r.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		r.logger = l
	}
}

// WithTracer sets the tracer. The global provider is used otherwise.
func WithTracer(t trace.Tracer) Option {
	return func(r *Router) {
		r.tracer = t
	}
}

// WithObserver reports routing events.
func WithObserver(o Observer) Option {
	return func(r *Router) {
		r.observer = o
	}
}

// New creates a router over reg. adapters is keyed by adapter name.
func New(reg *registry.Registry, adapters map[string]adapter.Adapter, opts ...Option) *Router {
	r := &Router{
		registry:        reg,
		adapters:        adapters,
		analyzer:        complexity.New(),
		maxCandidates:   DefaultMaxCandidates,
		defaultTimeout:  DefaultTimeout,
		recordCacheHits: true,
		bucket:          cache.DefaultTemperatureBucket,
		clock:           clock.Real(),
		logger:          slog.Default(),
	}
	r.pricing.Store(&PricingSnapshot{Version: "v1"})
	for _, opt := range opts {
		opt(r)
	}
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/zen-systems/flowroute/pkg/router")
	}
	return r
}

// SetPricing swaps the pricing snapshot. Requests already in flight keep
// the snapshot they started with.
func (r *Router) SetPricing(p PricingSnapshot) {
	r.pricing.Store(&p)
	r.logger.Info("router.pricing.updated", "version", p.Version, "markup_percent", p.MarkupPercent)
}

// Pricing returns the active snapshot.
func (r *Router) Pricing() PricingSnapshot {
	return *r.pricing.Load()
}

// Registry returns the provider registry the router dispatches over.
func (r *Router) Registry() *registry.Registry {
	return r.registry
}

// Route serves req from cache or from the first healthy provider that
// succeeds. Errors are always one of ValidationError, RateLimitedError,
// BudgetExceededError or AllProvidersFailedError.
func (r *Router) Route(ctx context.Context, req task.Request) (result *RoutedResult, err error) {
	started := r.clock.Now()
	// Workflow steps and API callers may spell task types loosely; the
	// registry compares them exactly.
	req.TaskType = task.ParseType(string(req.TaskType))
	req.CallerTier = task.CallerTier(strings.ToLower(strings.TrimSpace(string(req.CallerTier))))
	ctx, span := r.tracer.Start(ctx, "router.Route", trace.WithAttributes(
		attribute.String("task.type", string(req.TaskType)),
		attribute.String("caller.tier", string(req.CallerTier)),
	))
	defer func() {
		code := Code(err)
		outcome := ledger.OutcomeFailure
		if result != nil {
			outcome = result.Outcome
			span.SetAttributes(attribute.String("provider.id", result.Provider), attribute.String("route.outcome", string(outcome)))
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
		}
		span.End()
		if r.observer != nil {
			r.observer.RouteCompleted(code, outcome, r.clock.Now().Sub(started))
		}
	}()

	pricing := r.pricing.Load()
	ceiling, err := r.validate(req, pricing)
	if err != nil {
		return nil, err
	}
	if req.CallerTier == "" {
		req.CallerTier = task.TierAnonymous
	}

	fp := cache.Fingerprint(cache.Key{
		Text:        req.Input,
		System:      req.System,
		TaskType:    string(req.TaskType),
		Override:    req.Override,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}, r.bucket)

	if r.cache != nil {
		if entry, ok := r.cache.Get(ctx, fp); ok {
			return r.cached(ctx, req, entry, fp, pricing), nil
		}
	}

	if r.limiter != nil {
		adm := r.limiter.TryAdmit(ctx, req.Identity, req.CallerTier)
		if !adm.Allowed {
			r.logger.Info("router.request.rate_limited", "identity", req.Identity, "tier", req.CallerTier,
				"retry_after", adm.RetryAfter)
			return nil, &RateLimitedError{
				Identity:   req.Identity,
				Tier:       req.CallerTier,
				Limit:      adm.Limit,
				RetryAfter: adm.RetryAfter,
			}
		}
	}

	score := r.analyzer.Classify(req)
	candidates := r.candidates(req, score, pricing, ceiling)
	if len(candidates) == 0 {
		return nil, r.emptyChainError(req, score, pricing, ceiling)
	}
	if len(candidates) > r.maxCandidates {
		candidates = candidates[:r.maxCandidates]
	}

	var attempts []ProviderError
	for _, cand := range candidates {
		if ctx.Err() != nil {
			attempts = append(attempts, ProviderError{Provider: cand.ID, Model: cand.Model, Reason: ctx.Err().Error(), Err: ctx.Err()})
			break
		}
		res, perr := r.dispatch(ctx, req, cand, pricing)
		if perr != nil {
			attempts = append(attempts, *perr)
			continue
		}
		res.Complexity = score
		res.Fingerprint = fp
		res.Attempts = attempts
		if r.cache != nil {
			r.cache.Put(ctx, fp, cache.Payload{
				Content:  res.Content,
				Provider: res.Provider,
				Model:    res.Model,
				Units:    res.Units,
			}, 0)
		}
		return res, nil
	}

	r.logger.Warn("router.route.exhausted", "identity", req.Identity, "task_type", req.TaskType,
		"attempts", len(attempts))
	return nil, &AllProvidersFailedError{Attempts: attempts}
}

func (r *Router) validate(req task.Request, pricing *PricingSnapshot) (float64, error) {
	switch {
	case strings.TrimSpace(req.Input) == "":
		return 0, &ValidationError{Field: "input", Reason: "must not be empty"}
	case strings.TrimSpace(req.Identity) == "":
		return 0, &ValidationError{Field: "identity", Reason: "must not be empty"}
	case req.TaskType == "":
		return 0, &ValidationError{Field: "task_type", Reason: "must not be empty"}
	case req.CallerTier != "" && !req.CallerTier.Valid():
		return 0, &ValidationError{Field: "caller_tier", Reason: fmt.Sprintf("unknown tier %q", req.CallerTier)}
	case req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2 || math.IsNaN(*req.Temperature)):
		return 0, &ValidationError{Field: "temperature", Reason: "must be between 0 and 2"}
	case req.MaxTokens < 0:
		return 0, &ValidationError{Field: "max_tokens", Reason: "must not be negative"}
	case req.MaxUnitCost < 0:
		return 0, &ValidationError{Field: "max_unit_cost", Reason: "must not be negative"}
	}
	if req.Override != "" {
		if _, ok := r.registry.Get(req.Override); !ok {
			return 0, &ValidationError{Field: "override", Reason: fmt.Sprintf("unknown provider %q", req.Override)}
		}
	}
	return pricing.Ceiling(req)
}

func (r *Router) cached(ctx context.Context, req task.Request, entry cache.Entry, fp string, pricing *PricingSnapshot) *RoutedResult {
	res := &RoutedResult{
		Content:        entry.Payload.Content,
		Provider:       entry.Payload.Provider,
		Model:          entry.Payload.Model,
		Outcome:        ledger.OutcomeCached,
		Complexity:     r.analyzer.Classify(req),
		PricingVersion: pricing.Version,
		Fingerprint:    fp,
	}
	if r.ledger != nil && r.recordCacheHits {
		rec, err := r.ledger.Record(ctx, ledger.Record{
			Identity:       req.Identity,
			Provider:       entry.Payload.Provider,
			Model:          entry.Payload.Model,
			Outcome:        ledger.OutcomeCached,
			PricingVersion: pricing.Version,
		})
		if err != nil {
			r.logger.Warn("router.ledger.failed", "identity", req.Identity, "error", err)
		}
		res.RecordID = rec.ID
	}
	r.logger.Debug("router.cache.hit", "identity", req.Identity, "provider", res.Provider, "uses", entry.Uses)
	return res
}

// candidates orders the registry's list, moves a healthy override to the
// front and drops anything over the budget ceiling.
func (r *Router) candidates(req task.Request, score complexity.Score, pricing *PricingSnapshot, ceiling float64) []registry.Status {
	list := r.registry.ListCandidates(req.TaskType, score.Tier)
	if req.Override != "" {
		if st, ok := r.registry.Get(req.Override); ok && st.Health != registry.Exhausted {
			ordered := make([]registry.Status, 0, len(list)+1)
			ordered = append(ordered, st)
			for _, s := range list {
				if s.ID != st.ID {
					ordered = append(ordered, s)
				}
			}
			list = ordered
		}
	}
	if ceiling <= 0 {
		return list
	}
	within := list[:0:0]
	for _, s := range list {
		if pricing.UnitPrice(s.CostPerUnit) <= ceiling {
			within = append(within, s)
		}
	}
	return within
}

func (r *Router) emptyChainError(req task.Request, score complexity.Score, pricing *PricingSnapshot, ceiling float64) error {
	if ceiling > 0 {
		all := r.candidates(req, score, pricing, 0)
		if len(all) > 0 {
			cheapest := math.Inf(1)
			for _, s := range all {
				cheapest = math.Min(cheapest, pricing.UnitPrice(s.CostPerUnit))
			}
			r.logger.Info("router.budget.exceeded", "identity", req.Identity, "ceiling", ceiling, "cheapest", cheapest)
			return &BudgetExceededError{Ceiling: ceiling, Cheapest: cheapest}
		}
	}
	r.logger.Warn("router.route.no_candidates", "task_type", req.TaskType, "tier", score.Tier)
	return &AllProvidersFailedError{}
}

// dispatch runs one attempt under the provider's timeout and applies its
// side effects to the registry and ledger.
func (r *Router) dispatch(ctx context.Context, req task.Request, cand registry.Status, pricing *PricingSnapshot) (*RoutedResult, *ProviderError) {
	a, ok := r.adapters[cand.Adapter]
	if !ok {
		r.logger.Warn("router.dispatch.skipped", "provider", cand.ID, "adapter", cand.Adapter, "reason", "adapter not configured")
		return nil, &ProviderError{
			Provider: cand.ID,
			Model:    cand.Model,
			Reason:   fmt.Sprintf("adapter %q not configured", cand.Adapter),
		}
	}

	timeout := cand.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	actx, span := r.tracer.Start(actx, "router.dispatch", trace.WithAttributes(
		attribute.String("provider.id", cand.ID),
		attribute.String("provider.model", cand.Model),
	))
	defer span.End()

	started := r.clock.Now()
	resp, err := a.Generate(actx, cand.Model, adapter.GenerateRequest{
		Prompt:      req.Input,
		System:      req.System,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	})
	elapsed := r.clock.Now().Sub(started)
	if err == nil && resp == nil {
		err = errors.New("empty response")
	}
	if r.observer != nil {
		r.observer.DispatchAttempt(cand.ID, err == nil, elapsed)
	}

	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", timeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch failed")
		r.report(cand.ID, false)
		r.record(ctx, ledger.Record{
			Identity:       req.Identity,
			Provider:       cand.ID,
			Model:          cand.Model,
			Outcome:        ledger.OutcomeFailure,
			PricingVersion: pricing.Version,
			Reason:         err.Error(),
		})
		r.logger.Warn("router.dispatch.failed", "provider", cand.ID, "model", cand.Model,
			"transient", adapter.IsTransient(err), "duration", elapsed, "error", err)
		return nil, &ProviderError{
			Provider:  cand.ID,
			Model:     cand.Model,
			Reason:    err.Error(),
			Transient: adapter.IsTransient(err),
			Duration:  elapsed,
			Err:       err,
		}
	}

	model := resp.Model
	if model == "" {
		model = cand.Model
	}
	units := Units(resp.Usage, req.System+req.Input, resp.Content)
	cost := pricing.Cost(units, cand.CostPerUnit)
	r.report(cand.ID, true)
	rec := r.record(ctx, ledger.Record{
		Identity:       req.Identity,
		Provider:       cand.ID,
		Model:          model,
		Units:          units,
		Cost:           cost,
		Outcome:        ledger.OutcomeSuccess,
		PricingVersion: pricing.Version,
	})
	r.logger.Debug("router.dispatch.completed", "provider", cand.ID, "model", model,
		"units", units, "cost", cost, "duration", elapsed)

	return &RoutedResult{
		Content:        resp.Content,
		Provider:       cand.ID,
		Model:          model,
		Outcome:        ledger.OutcomeSuccess,
		Usage:          resp.Usage,
		Units:          units,
		Cost:           cost,
		PricingVersion: pricing.Version,
		RecordID:       rec.ID,
	}, nil
}

func (r *Router) report(id string, success bool) {
	if err := r.registry.ReportOutcome(id, success); err != nil {
		// The catalog was reloaded mid-request.
		r.logger.Debug("router.registry.report_failed", "provider", id, "error", err)
	}
}

func (r *Router) record(ctx context.Context, rec ledger.Record) ledger.Record {
	if r.ledger == nil {
		return ledger.Record{}
	}
	stored, err := r.ledger.Record(ctx, rec)
	if err != nil {
		r.logger.Warn("router.ledger.failed", "identity", rec.Identity, "provider", rec.Provider, "error", err)
	}
	return stored
}
