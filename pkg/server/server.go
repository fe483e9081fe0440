// Package server exposes the router and the workflow engine over HTTP.
//
// Routes:
//   - POST /v1/route: route one task request
//   - POST /v1/hooks/{token}: fire a webhook trigger
//   - POST /v1/events/{topic}: fire an event trigger
//   - POST /v1/workflows/{id}/runs: run a workflow manually
//   - GET  /v1/executions/{id}: execution status
//   - GET  /v1/usage: cost aggregates
//   - GET  /v1/usage/records: usage records
//   - POST /v1/usage/records/{id}/compensate: append a compensating record
//   - POST /v1/admin/reload: re-read the configuration
//   - GET  /v1/providers: registry snapshot
//   - GET  /metrics: Prometheus exposition
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/zen-systems/flowroute/pkg/clock"
	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/metrics"
	"github.com/zen-systems/flowroute/pkg/registry"
	"github.com/zen-systems/flowroute/pkg/reload"
	"github.com/zen-systems/flowroute/pkg/router"
	"github.com/zen-systems/flowroute/pkg/store"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// Triggers fires workflow triggers. *scheduler.Scheduler implements it.
type Triggers interface {
	FireWebhook(ctx context.Context, token string, payload map[string]any) (string, error)
	FireEvent(ctx context.Context, topic string, payload map[string]any) ([]string, error)
	FireManual(ctx context.Context, workflowID, source string, payload map[string]any) (string, error)
}

// Executions reads and cancels executions. *executor.Executor implements it.
type Executions interface {
	Status(ctx context.Context, id string) (workflow.Execution, error)
	Cancel(ctx context.Context, id, reason string) error
}

// Providers lists registry state. *registry.Registry implements it.
type Providers interface {
	Snapshot() []registry.Status
}

// Usage aggregates ledger records. *ledger.Ledger implements it.
type Usage interface {
	Aggregate(identity string, since, until time.Time) ledger.Aggregate
	Records(f ledger.Filter) []ledger.Record
}

// Compensator corrects ledger history by appending. *ledger.Ledger
// implements it.
type Compensator interface {
	Compensate(ctx context.Context, id, reason string) (ledger.Record, error)
}

// Reloader re-reads the configuration. *reload.Reloader implements it.
type Reloader interface {
	Reload(ctx context.Context) (reload.Summary, error)
}

// Server holds the collaborators behind the HTTP API. Any of them may be
// nil; their routes then answer 503.
type Server struct {
	router     router.Dispatcher
	triggers   Triggers
	executions Executions
	workflows  workflow.Store
	history    store.ExecutionStore
	providers  Providers
	usage      Usage
	usageStore store.UsageStore
	compensate Compensator
	reloader   Reloader
	metrics    *metrics.Metrics
	clock      clock.Clock
	logger     *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithRouter routes task requests.
func WithRouter(d router.Dispatcher) Option {
	return func(s *Server) {
		s.router = d
	}
}

// WithTriggers fires workflow triggers.
func WithTriggers(t Triggers) Option {
	return func(s *Server) {
		s.triggers = t
	}
}

// WithExecutions serves execution status and cancellation.
func WithExecutions(e Executions) Option {
	return func(s *Server) {
		s.executions = e
	}
}

// WithWorkflows lists workflow definitions.
func WithWorkflows(w workflow.Store) Option {
	return func(s *Server) {
		s.workflows = w
	}
}

// WithExecutionHistory lists stored executions.
func WithExecutionHistory(h store.ExecutionStore) Option {
	return func(s *Server) {
		s.history = h
	}
}

// WithProviders serves the registry snapshot.
func WithProviders(p Providers) Option {
	return func(s *Server) {
		s.providers = p
	}
}

// WithUsage serves ledger aggregates.
func WithUsage(u Usage) Option {
	return func(s *Server) {
		s.usage = u
	}
}

// WithUsageStore serves durable usage records.
func WithUsageStore(u store.UsageStore) Option {
	return func(s *Server) {
		s.usageStore = u
	}
}

// WithCompensator accepts usage corrections.
func WithCompensator(c Compensator) Option {
	return func(s *Server) {
		s.compensate = c
	}
}

// WithReloader enables the admin reload route.
func WithReloader(r Reloader) Option {
	return func(s *Server) {
		s.reloader = r
	}
}

// WithMetrics exposes /metrics and instruments every route.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New returns a server with the given collaborators.
func New(opts ...Option) *Server {
	s := &Server{
		clock:  clock.Real(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for every route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.health)

	mux.HandleFunc("POST /v1/route", s.route)
	mux.HandleFunc("GET /v1/providers", s.listProviders)
	mux.HandleFunc("GET /v1/usage", s.aggregateUsage)
	mux.HandleFunc("GET /v1/usage/records", s.listUsage)
	mux.HandleFunc("POST /v1/usage/records/{id}/compensate", s.compensateUsage)
	mux.HandleFunc("POST /v1/admin/reload", s.reload)

	mux.HandleFunc("POST /v1/hooks/{token}", s.fireWebhook)
	mux.HandleFunc("POST /v1/events/{topic}", s.fireEvent)
	mux.HandleFunc("GET /v1/workflows", s.listWorkflows)
	mux.HandleFunc("POST /v1/workflows/{id}/runs", s.runWorkflow)
	mux.HandleFunc("GET /v1/executions", s.listExecutions)
	mux.HandleFunc("GET /v1/executions/{id}", s.getExecution)
	mux.HandleFunc("POST /v1/executions/{id}/cancel", s.cancelExecution)

	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
		return s.metrics.Middleware(mux)
	}
	return mux
}

// ListenAndServe serves until ctx ends, then drains in-flight requests
// for up to grace.
func (s *Server) ListenAndServe(ctx context.Context, addr string, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server.listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	s.logger.Info("server.shutting_down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Error: message})
}

func writeCodedError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

// decodeBody reads an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" not configured")
}
