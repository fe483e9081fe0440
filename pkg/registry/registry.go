// Package registry holds the catalog of model providers together with their
// live health state.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zen-systems/flowroute/pkg/complexity"
	"github.com/zen-systems/flowroute/pkg/task"
)

// Health is the dispatch eligibility of a provider.
type Health string

const (
	Available Health = "available"
	Degraded  Health = "degraded"
	Exhausted Health = "exhausted"
)

func (h Health) rank() int {
	switch h {
	case Available:
		return 0
	case Degraded:
		return 1
	default:
		return 2
	}
}

// ErrUnknownProvider is returned for ids not present in the catalog.
var ErrUnknownProvider = errors.New("unknown provider")

// Descriptor is the static configuration of one provider.
type Descriptor struct {
	ID          string          `json:"id"`
	Adapter     string          `json:"adapter"`
	Model       string          `json:"model"`
	TaskTypes   []task.Type     `json:"task_types,omitempty"`
	Capability  complexity.Tier `json:"capability"`
	CostPerUnit float64         `json:"cost_per_unit"`
	Timeout     time.Duration   `json:"timeout,omitempty"`
}

// Supports reports whether the provider serves the task type. An empty
// list serves every type.
func (d Descriptor) Supports(t task.Type) bool {
	if len(d.TaskTypes) == 0 {
		return true
	}
	for _, supported := range d.TaskTypes {
		if supported == t {
			return true
		}
	}
	return false
}

// Status is a point-in-time copy of a provider and its health.
type Status struct {
	Descriptor
	Health              Health  `json:"health"`
	SuccessRate         float64 `json:"success_rate"`
	Samples             int     `json:"samples"`
	ConsecutiveFailures int     `json:"consecutive_failures"`
}

// Policy controls health transitions.
type Policy struct {
	// ConsecutiveFailures before a provider is degraded.
	ConsecutiveFailures int
	// Window is the number of recent outcomes kept for the success rate.
	Window int
	// MinSamples is the number of outcomes required before exhaustion applies.
	MinSamples int
	// ExhaustedBelow is the success rate under which a provider is exhausted.
	ExhaustedBelow float64
}

// DefaultPolicy returns the stock health thresholds.
func DefaultPolicy() Policy {
	return Policy{
		ConsecutiveFailures: 3,
		Window:              20,
		MinSamples:          10,
		ExhaustedBelow:      0.2,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.ConsecutiveFailures <= 0 {
		p.ConsecutiveFailures = d.ConsecutiveFailures
	}
	if p.Window <= 0 {
		p.Window = d.Window
	}
	if p.MinSamples <= 0 || p.MinSamples > p.Window {
		p.MinSamples = minInt(d.MinSamples, p.Window)
	}
	if p.ExhaustedBelow <= 0 {
		p.ExhaustedBelow = d.ExhaustedBelow
	}
	return p
}

type entry struct {
	desc Descriptor

	mu          sync.Mutex
	health      Health
	consecutive int
	outcomes    []bool
	next        int
	filled      int
}

func newEntry(desc Descriptor, window int) *entry {
	return &entry{desc: desc, health: Available, outcomes: make([]bool, window)}
}

func (e *entry) record(success bool, p Policy) (from, to Health) {
	e.mu.Lock()
	defer e.mu.Unlock()

	from = e.health
	e.outcomes[e.next] = success
	e.next = (e.next + 1) % len(e.outcomes)
	if e.filled < len(e.outcomes) {
		e.filled++
	}

	if success {
		e.consecutive = 0
		e.health = Available
		return from, e.health
	}

	e.consecutive++
	if e.filled >= p.MinSamples && e.successRateLocked() < p.ExhaustedBelow {
		e.health = Exhausted
	} else if e.consecutive >= p.ConsecutiveFailures && e.health == Available {
		e.health = Degraded
	}
	return from, e.health
}

func (e *entry) successRateLocked() float64 {
	if e.filled == 0 {
		return 1
	}
	ok := 0
	for i := 0; i < e.filled; i++ {
		if e.outcomes[i] {
			ok++
		}
	}
	return float64(ok) / float64(e.filled)
}

func (e *entry) status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Descriptor:          e.desc,
		Health:              e.health,
		SuccessRate:         e.successRateLocked(),
		Samples:             e.filled,
		ConsecutiveFailures: e.consecutive,
	}
}

// TransitionFunc observes health changes.
type TransitionFunc func(id string, from, to Health)

// Registry is safe for concurrent use. Outcome reports lock only the
// affected provider.
type Registry struct {
	policy       Policy
	onTransition TransitionFunc

	mu      sync.RWMutex
	entries map[string]*entry
}

// Option configures a Registry.
type Option func(*Registry)

// WithPolicy sets the health thresholds.
func WithPolicy(p Policy) Option {
	return func(r *Registry) {
		r.policy = p.normalized()
	}
}

// WithTransitionHook registers a callback invoked after each health change.
func WithTransitionHook(fn TransitionFunc) Option {
	return func(r *Registry) {
		r.onTransition = fn
	}
}

// New builds a registry from descriptors.
func New(descs []Descriptor, opts ...Option) (*Registry, error) {
	r := &Registry{policy: DefaultPolicy()}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.Reload(descs); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the catalog and resets all health state. This is the only
// way an exhausted provider returns to service without a success.
func (r *Registry) Reload(descs []Descriptor) error {
	entries := make(map[string]*entry, len(descs))
	for i, d := range descs {
		if d.ID == "" {
			return fmt.Errorf("provider %d: id is required", i)
		}
		if _, dup := entries[d.ID]; dup {
			return fmt.Errorf("provider %q: duplicate id", d.ID)
		}
		if d.CostPerUnit < 0 {
			return fmt.Errorf("provider %q: cost_per_unit must not be negative", d.ID)
		}
		if d.Capability == 0 {
			d.Capability = complexity.Medium
		}
		entries[d.ID] = newEntry(d, r.policy.Window)
	}

	r.mu.Lock()
	r.entries = entries
	r.mu.Unlock()
	return nil
}

// ListCandidates returns the providers able to serve taskType, ordered by
// capability fit, then ascending cost, then health. Exhausted providers are
// omitted.
func (r *Registry) ListCandidates(taskType task.Type, tier complexity.Tier) []Status {
	r.mu.RLock()
	statuses := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		if !e.desc.Supports(taskType) {
			continue
		}
		s := e.status()
		if s.Health == Exhausted {
			continue
		}
		statuses = append(statuses, s)
	}
	r.mu.RUnlock()

	sort.SliceStable(statuses, func(i, j int) bool {
		a, b := statuses[i], statuses[j]
		aFits, bFits := a.Capability >= tier, b.Capability >= tier
		if aFits != bFits {
			return aFits
		}
		if a.CostPerUnit != b.CostPerUnit {
			return a.CostPerUnit < b.CostPerUnit
		}
		if a.Health.rank() != b.Health.rank() {
			return a.Health.rank() < b.Health.rank()
		}
		return a.ID < b.ID
	})
	return statuses
}

// ReportOutcome records a dispatch result for id and updates its health.
func (r *Registry) ReportOutcome(id string, success bool) error {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}

	from, to := e.record(success, r.policy)
	if from != to && r.onTransition != nil {
		r.onTransition(id, from, to)
	}
	return nil
}

// Get returns the current status of one provider.
func (r *Registry) Get(id string) (Status, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return e.status(), true
}

// Snapshot returns every provider sorted by id.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	statuses := make([]Status, 0, len(r.entries))
	for _, e := range r.entries {
		statuses = append(statuses, e.status())
	}
	r.mu.RUnlock()

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].ID < statuses[j].ID })
	return statuses
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
