// Package reload applies a freshly loaded configuration to a running
// process: the provider catalog, the pricing snapshot and the workflow
// catalog. Executions of workflows that disappear or whose trigger is
// switched off are cancelled.
package reload

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zen-systems/flowroute/pkg/config"
	"github.com/zen-systems/flowroute/pkg/registry"
	"github.com/zen-systems/flowroute/pkg/router"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// Loader reads the configuration from its source.
type Loader func() (*config.Config, error)

// Providers accepts a new provider catalog. *registry.Registry implements it.
type Providers interface {
	Reload(descs []registry.Descriptor) error
}

// Pricer accepts a new pricing snapshot. *router.Router implements it.
type Pricer interface {
	SetPricing(p router.PricingSnapshot)
}

// Catalog holds the workflow definitions. *workflow.MemoryStore implements it.
type Catalog interface {
	List() []workflow.Definition
	Replace(defs []workflow.Definition) error
}

// Canceller stops the live executions of a workflow. *executor.Executor
// implements it.
type Canceller interface {
	CancelWorkflow(workflowID, reason string) int
}

// Summary describes what one reload changed.
type Summary struct {
	Providers      int            `json:"providers"`
	Workflows      int            `json:"workflows"`
	PricingVersion string         `json:"pricing_version"`
	Removed        []string       `json:"removed_workflows,omitempty"`
	Disabled       []string       `json:"disabled_workflows,omitempty"`
	Cancelled      map[string]int `json:"cancelled_executions,omitempty"`
}

// Reloader re-reads the configuration on demand.
type Reloader struct {
	load      Loader
	providers Providers
	pricer    Pricer
	catalog   Catalog
	canceller Canceller
	logger    *slog.Logger

	// mu serializes reloads so two signals never interleave their swaps.
	mu sync.Mutex
}

// Option configures a Reloader.
type Option func(*Reloader)

// WithProviders reloads the provider catalog.
func WithProviders(p Providers) Option {
	return func(r *Reloader) {
		r.providers = p
	}
}

// WithPricer swaps the pricing snapshot.
func WithPricer(p Pricer) Option {
	return func(r *Reloader) {
		r.pricer = p
	}
}

// WithCatalog reloads workflow definitions.
func WithCatalog(c Catalog) Option {
	return func(r *Reloader) {
		r.catalog = c
	}
}

// WithCanceller cancels executions of removed or disabled workflows.
func WithCanceller(c Canceller) Option {
	return func(r *Reloader) {
		r.canceller = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reloader) {
		r.logger = l
	}
}

// New returns a reloader reading configuration through load.
func New(load Loader, opts ...Option) *Reloader {
	r := &Reloader{
		load:   load,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Pricing builds the router pricing snapshot from cfg.
func Pricing(cfg *config.Config) router.PricingSnapshot {
	return router.PricingSnapshot{
		Version:       cfg.Pricing.Version,
		MarkupPercent: cfg.Pricing.MarkupPercent,
		BudgetTiers:   cfg.Pricing.BudgetTiers,
	}
}

// Reload loads and validates the whole configuration before touching any
// collaborator, so a bad file leaves the running state as it was.
// Provider health is reset, which is how an exhausted provider returns to
// service.
func (r *Reloader) Reload(ctx context.Context) (Summary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cfg, err := r.load()
	if err != nil {
		return Summary{}, r.fail(fmt.Errorf("failed to load config: %w", err))
	}
	descs, err := cfg.Descriptors()
	if err != nil {
		return Summary{}, r.fail(err)
	}
	if _, err := registry.New(descs); err != nil {
		return Summary{}, r.fail(fmt.Errorf("invalid provider catalog: %w", err))
	}
	var defs []workflow.Definition
	if r.catalog != nil {
		defs, err = workflow.LoadDefinitions(cfg.Scheduler.Workflows...)
		if err != nil {
			return Summary{}, r.fail(err)
		}
		if _, err := workflow.NewMemoryStore(defs...); err != nil {
			return Summary{}, r.fail(err)
		}
	}
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}

	pricing := Pricing(cfg)
	summary := Summary{Providers: len(descs), PricingVersion: pricing.Version}

	if r.providers != nil {
		if err := r.providers.Reload(descs); err != nil {
			return Summary{}, r.fail(err)
		}
	}
	if r.pricer != nil {
		r.pricer.SetPricing(pricing)
	}
	if r.catalog != nil {
		before := r.catalog.List()
		if err := r.catalog.Replace(defs); err != nil {
			return Summary{}, r.fail(err)
		}
		summary.Workflows = len(defs)
		summary.Removed, summary.Disabled = diff(before, defs)
		summary.Cancelled = r.cancel(summary.Removed, "workflow removed by reload")
		for id, n := range r.cancel(summary.Disabled, "workflow disabled by reload") {
			if summary.Cancelled == nil {
				summary.Cancelled = make(map[string]int)
			}
			summary.Cancelled[id] = n
		}
	}

	r.logger.Info("reload.completed",
		"providers", summary.Providers,
		"workflows", summary.Workflows,
		"pricing_version", summary.PricingVersion,
		"removed", len(summary.Removed),
		"disabled", len(summary.Disabled),
	)
	return summary, nil
}

func (r *Reloader) fail(err error) error {
	r.logger.Error("reload.failed", "error", err)
	return err
}

func (r *Reloader) cancel(ids []string, reason string) map[string]int {
	if r.canceller == nil || len(ids) == 0 {
		return nil
	}
	var out map[string]int
	for _, id := range ids {
		if n := r.canceller.CancelWorkflow(id, reason); n > 0 {
			if out == nil {
				out = make(map[string]int)
			}
			out[id] = n
		}
	}
	return out
}

// diff returns the ids present before but absent after, and the ids whose
// trigger was enabled before and is switched off after.
func diff(before, after []workflow.Definition) (removed, disabled []string) {
	next := make(map[string]workflow.Definition, len(after))
	for _, def := range after {
		next[def.ID] = def
	}
	for _, prev := range before {
		cur, ok := next[prev.ID]
		switch {
		case !ok:
			removed = append(removed, prev.ID)
		case prev.Trigger.Enabled && !cur.Trigger.Enabled:
			disabled = append(disabled, prev.ID)
		}
	}
	sort.Strings(removed)
	sort.Strings(disabled)
	return removed, disabled
}
