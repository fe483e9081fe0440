// Package metrics exports Prometheus collectors for the router, its
// collaborators and the workflow engine. Metrics implements the Observer
// interface of each instrumented package.
package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/zen-systems/flowroute/pkg/cache"
	"github.com/zen-systems/flowroute/pkg/executor"
	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/ratelimit"
	"github.com/zen-systems/flowroute/pkg/registry"
	"github.com/zen-systems/flowroute/pkg/router"
	"github.com/zen-systems/flowroute/pkg/scheduler"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// Metrics holds every collector.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	// Routing
	RoutesTotal      *prometheus.CounterVec
	RouteDuration    *prometheus.HistogramVec
	DispatchTotal    *prometheus.CounterVec
	DispatchDuration *prometheus.HistogramVec
	ProviderHealth   *prometheus.GaugeVec
	HealthChanges    *prometheus.CounterVec

	// Cache and limiter
	CacheLookups     *prometheus.CounterVec
	CacheErrors      *prometheus.CounterVec
	CacheEvictions   prometheus.Counter
	LimiterDecisions *prometheus.CounterVec
	LimiterErrors    prometheus.Counter

	// Ledger
	LedgerRecords    *prometheus.CounterVec
	LedgerCost       *prometheus.CounterVec
	LedgerSinkErrors prometheus.Counter

	// Workflows
	ExecutionsStarted *prometheus.CounterVec
	ExecutionsTotal   *prometheus.CounterVec
	ExecutionDuration *prometheus.HistogramVec
	StepsTotal        *prometheus.CounterVec
	StepDuration      *prometheus.HistogramVec
	TriggersFired     *prometheus.CounterVec
	TriggersDisabled  prometheus.Counter
}

var (
	_ cache.Observer     = (*Metrics)(nil)
	_ ratelimit.Observer = (*Metrics)(nil)
	_ router.Observer    = (*Metrics)(nil)
	_ ledger.Observer    = (*Metrics)(nil)
	_ executor.Observer  = (*Metrics)(nil)
	_ scheduler.Observer = (*Metrics)(nil)
)

// New registers collectors under namespace on reg. A nil reg gets a fresh
// registry with the Go and process collectors.
func New(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)
	latency := []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   latency,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "http_requests_in_flight",
				Help:      "Current number of HTTP requests being processed",
			},
		),

		RoutesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "route_requests_total",
				Help:      "Routed task requests by error code and outcome",
			},
			[]string{"code", "outcome"},
		),
		RouteDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "route_duration_seconds",
				Help:      "End-to-end routing latency",
				Buckets:   latency,
			},
			[]string{"outcome"},
		),
		DispatchTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_attempts_total",
				Help:      "Provider dispatch attempts",
			},
			[]string{"provider", "result"},
		),
		DispatchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Provider call latency",
				Buckets:   latency,
			},
			[]string{"provider"},
		),
		ProviderHealth: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "provider_health",
				Help:      "Provider health: 0 available, 1 degraded, 2 exhausted",
			},
			[]string{"provider"},
		),
		HealthChanges: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_health_transitions_total",
				Help:      "Provider health transitions",
			},
			[]string{"provider", "to"},
		),

		CacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_lookups_total",
				Help:      "Response cache lookups",
			},
			[]string{"result"},
		),
		CacheErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_errors_total",
				Help:      "Response cache backend errors",
			},
			[]string{"op"},
		),
		CacheEvictions: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_swept_total",
				Help:      "Expired cache entries removed by the sweeper",
			},
		),
		LimiterDecisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_decisions_total",
				Help:      "Rate limiter decisions by caller tier",
			},
			[]string{"tier", "decision"},
		),
		LimiterErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ratelimit_errors_total",
				Help:      "Rate limiter backend errors",
			},
		),

		LedgerRecords: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_records_total",
				Help:      "Cost ledger records by outcome",
			},
			[]string{"outcome"},
		),
		LedgerCost: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_cost_total",
				Help:      "Billed cost by provider",
			},
			[]string{"provider"},
		),
		LedgerSinkErrors: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_sink_errors_total",
				Help:      "Failed writes to the usage sink",
			},
		),

		ExecutionsStarted: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_executions_started_total",
				Help:      "Workflow executions that left pending",
			},
			[]string{"workflow"},
		),
		ExecutionsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_executions_total",
				Help:      "Finished workflow executions by state",
			},
			[]string{"workflow", "state"},
		),
		ExecutionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_execution_duration_seconds",
				Help:      "Workflow execution duration",
				Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
			},
			[]string{"state"},
		),
		StepsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_steps_total",
				Help:      "Workflow steps by kind and status",
			},
			[]string{"kind", "status"},
		),
		StepDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_step_duration_seconds",
				Help:      "Workflow step duration",
				Buckets:   latency,
			},
			[]string{"kind"},
		),
		TriggersFired: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_triggers_fired_total",
				Help:      "Fired workflow triggers by type",
			},
			[]string{"type"},
		),
		TriggersDisabled: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_triggers_disabled_total",
				Help:      "Schedule triggers disabled at runtime",
			},
		),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Middleware records request counts and latency.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.HTTPRequestsInFlight.Inc()
		defer m.HTTPRequestsInFlight.Dec()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		path := normalizePath(r.URL.Path)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// normalizePath replaces ids and tokens with placeholders to bound label
// cardinality.
func normalizePath(path string) string {
	for _, prefix := range []string{"/v1/executions/", "/v1/hooks/", "/v1/events/", "/v1/workflows/", "/v1/usage/records/"} {
		rest, ok := strings.CutPrefix(path, prefix)
		if !ok || rest == "" {
			continue
		}
		if _, action, found := strings.Cut(rest, "/"); found {
			return prefix + "{id}/" + action
		}
		return prefix + "{id}"
	}
	return path
}

func (m *Metrics) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.CacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheError(op string) {
	m.CacheErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) CacheSwept(n int) {
	m.CacheEvictions.Add(float64(n))
}

func (m *Metrics) LimiterDecision(tier string, allowed bool) {
	decision := "rejected"
	if allowed {
		decision = "admitted"
	}
	m.LimiterDecisions.WithLabelValues(tier, decision).Inc()
}

func (m *Metrics) LimiterError() {
	m.LimiterErrors.Inc()
}

func (m *Metrics) RouteCompleted(code string, outcome ledger.Outcome, d time.Duration) {
	if code == "" {
		code = "ok"
	}
	label := string(outcome)
	if label == "" {
		label = "none"
	}
	m.RoutesTotal.WithLabelValues(code, label).Inc()
	m.RouteDuration.WithLabelValues(label).Observe(d.Seconds())
}

func (m *Metrics) DispatchAttempt(provider string, success bool, d time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	m.DispatchTotal.WithLabelValues(provider, result).Inc()
	m.DispatchDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// HealthTransition is a registry.TransitionFunc.
func (m *Metrics) HealthTransition(id string, _, to registry.Health) {
	m.HealthChanges.WithLabelValues(id, string(to)).Inc()
	m.ProviderHealth.WithLabelValues(id).Set(healthValue(to))
}

// SeedHealth sets the health gauge for every provider in statuses.
func (m *Metrics) SeedHealth(statuses []registry.Status) {
	// Providers dropped by a reload must not keep reporting.
	m.ProviderHealth.Reset()
	for _, s := range statuses {
		m.ProviderHealth.WithLabelValues(s.Descriptor.ID).Set(healthValue(s.Health))
	}
}

func healthValue(h registry.Health) float64 {
	switch h {
	case registry.Degraded:
		return 1
	case registry.Exhausted:
		return 2
	default:
		return 0
	}
}

func (m *Metrics) LedgerRecorded(rec ledger.Record) {
	m.LedgerRecords.WithLabelValues(string(rec.Outcome)).Inc()
	// Counters cannot go down; compensations show up in the records count.
	if rec.Cost > 0 {
		m.LedgerCost.WithLabelValues(rec.Provider).Add(rec.Cost)
	}
}

func (m *Metrics) LedgerSinkError() {
	m.LedgerSinkErrors.Inc()
}

func (m *Metrics) ExecutionStarted(workflowID string) {
	m.ExecutionsStarted.WithLabelValues(workflowID).Inc()
}

// WatchActive exports fn as the number of live executions.
func (m *Metrics) WatchActive(namespace string, fn func() int) {
	promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workflow_executions_active",
			Help:      "Workflow executions not yet terminal",
		},
		func() float64 { return float64(fn()) },
	)
}

func (m *Metrics) ExecutionFinished(workflowID string, state workflow.State, d time.Duration) {
	m.ExecutionsTotal.WithLabelValues(workflowID, string(state)).Inc()
	m.ExecutionDuration.WithLabelValues(string(state)).Observe(d.Seconds())
}

func (m *Metrics) StepFinished(kind workflow.StepKind, status workflow.StepStatus, d time.Duration) {
	m.StepsTotal.WithLabelValues(string(kind), string(status)).Inc()
	m.StepDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

func (m *Metrics) TriggerFired(t workflow.TriggerType) {
	m.TriggersFired.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) TriggerDisabled() {
	m.TriggersDisabled.Inc()
}
