package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/flowroute/pkg/complexity"
	"github.com/zen-systems/flowroute/pkg/config"
	"github.com/zen-systems/flowroute/pkg/executor"
	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/logging"
	"github.com/zen-systems/flowroute/pkg/metrics"
	"github.com/zen-systems/flowroute/pkg/registry"
	"github.com/zen-systems/flowroute/pkg/reload"
	"github.com/zen-systems/flowroute/pkg/router"
	"github.com/zen-systems/flowroute/pkg/scheduler"
	"github.com/zen-systems/flowroute/pkg/store"
	"github.com/zen-systems/flowroute/pkg/task"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

type fakeDispatcher struct {
	last task.Request
	res  *router.RoutedResult
	err  error
}

func (f *fakeDispatcher) Route(_ context.Context, req task.Request) (*router.RoutedResult, error) {
	f.last = req
	return f.res, f.err
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestRouteSuccess(t *testing.T) {
	d := &fakeDispatcher{res: &router.RoutedResult{
		Content:  "hello",
		Provider: "p1",
		Model:    "m1",
		Outcome:  ledger.OutcomeSuccess,
		Cost:     0.5,
	}}
	h := New(WithRouter(d), WithLogger(logging.Discard())).Handler()

	w := do(t, h, http.MethodPost, "/v1/route", `{"input":"hi","task_type":"Code"}`, IdentityHeader, "alice")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := decode(t, w)
	assert.Equal(t, "hello", body["content"])
	assert.Equal(t, "p1", body["provider"])
	assert.Equal(t, false, body["cached"])
	assert.Equal(t, "alice", d.last.Identity)
	assert.Equal(t, task.TypeCode, d.last.TaskType)
}

func TestRouteDefaultsTaskType(t *testing.T) {
	d := &fakeDispatcher{res: &router.RoutedResult{Content: "x", Outcome: ledger.OutcomeCached}}
	h := New(WithRouter(d), WithLogger(logging.Discard())).Handler()

	w := do(t, h, http.MethodPost, "/v1/route", `{"input":"hi","identity":"bob"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, task.TypeChat, d.last.TaskType)
	assert.Equal(t, true, decode(t, w)["cached"])
}

func TestRouteErrorStatuses(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", &router.ValidationError{Field: "input", Reason: "is required"}, http.StatusBadRequest, router.CodeValidation},
		{"rate limited", &router.RateLimitedError{Identity: "a", Tier: task.TierAnonymous, Limit: 10, RetryAfter: 44500 * time.Millisecond}, http.StatusTooManyRequests, router.CodeRateLimited},
		{"budget", &router.BudgetExceededError{Ceiling: 0.001, Cheapest: 0.002}, http.StatusPaymentRequired, router.CodeBudgetExceeded},
		{"all failed", &router.AllProvidersFailedError{}, http.StatusBadGateway, router.CodeAllProvidersFailed},
		{"pool closed", router.ErrPoolClosed, http.StatusServiceUnavailable, router.CodeUnavailable},
		{"internal", errors.New("boom"), http.StatusInternalServerError, router.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := New(WithRouter(&fakeDispatcher{err: tc.err}), WithLogger(logging.Discard())).Handler()
			w := do(t, h, http.MethodPost, "/v1/route", `{"input":"hi","identity":"a"}`)
			require.Equal(t, tc.status, w.Code)
			assert.Equal(t, tc.code, decode(t, w)["code"])
			if tc.status == http.StatusTooManyRequests {
				assert.Equal(t, "45", w.Header().Get("Retry-After"))
			}
		})
	}
}

func TestRouteThroughClosedPool(t *testing.T) {
	pool := router.NewPool(&fakeDispatcher{}, 1, 0)
	pool.Close()
	h := New(WithRouter(pool), WithLogger(logging.Discard())).Handler()

	w := do(t, h, http.MethodPost, "/v1/route", `{"input":"hi","identity":"a"}`)
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, router.CodeUnavailable, decode(t, w)["code"])
}

func TestRouteBadBody(t *testing.T) {
	h := New(WithRouter(&fakeDispatcher{}), WithLogger(logging.Discard())).Handler()
	w := do(t, h, http.MethodPost, "/v1/route", `{"input":`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, router.CodeValidation, decode(t, w)["code"])
}

func TestUnconfiguredRoutes(t *testing.T) {
	h := New(WithLogger(logging.Discard())).Handler()
	for _, path := range []string{"/v1/providers", "/v1/usage", "/v1/executions/x", "/v1/workflows"} {
		w := do(t, h, http.MethodGet, path, "")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
	for _, path := range []string{"/v1/route", "/v1/admin/reload", "/v1/usage/records/r1/compensate"} {
		w := do(t, h, http.MethodPost, path, `{}`)
		assert.Equal(t, http.StatusServiceUnavailable, w.Code, path)
	}
}

// engine wires a real workflow store, executor and scheduler.
type engine struct {
	defs    *workflow.MemoryStore
	exec    *executor.Executor
	sched   *scheduler.Scheduler
	history *store.MemoryStore
	handler http.Handler
}

func newEngine(t *testing.T) *engine {
	t.Helper()
	notify := workflow.Step{Name: "ping", Kind: workflow.StepNotify, Notify: &workflow.NotifyStep{Message: "got {{.Payload.ref}}"}}
	defs, err := workflow.NewMemoryStore(
		workflow.Definition{ID: "hook", Trigger: workflow.TriggerSpec{Type: workflow.TriggerWebhook, Token: "tok", Enabled: true}, Steps: []workflow.Step{notify}},
		workflow.Definition{ID: "orders", Trigger: workflow.TriggerSpec{Type: workflow.TriggerEvent, Topic: "orders", Enabled: true}, Steps: []workflow.Step{notify}},
		workflow.Definition{ID: "manual", Trigger: workflow.TriggerSpec{Type: workflow.TriggerManual, Enabled: true}, Steps: []workflow.Step{notify}},
	)
	require.NoError(t, err)

	history := store.NewMemoryStore()
	logger := logging.Discard()
	exec := executor.New(defs, history, executor.WithLogger(logger))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		exec.Shutdown(ctx)
	})
	sched := scheduler.New(defs, exec, scheduler.WithLogger(logger))

	srv := New(
		WithTriggers(sched),
		WithExecutions(exec),
		WithWorkflows(defs),
		WithExecutionHistory(history),
		WithLogger(logger),
	)
	return &engine{defs: defs, exec: exec, sched: sched, history: history, handler: srv.Handler()}
}

func (e *engine) wait(t *testing.T, id string) workflow.Execution {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	exec, err := e.exec.Wait(ctx, id)
	require.NoError(t, err)
	return exec
}

func TestWebhookRunsWorkflow(t *testing.T) {
	e := newEngine(t)

	w := do(t, e.handler, http.MethodPost, "/v1/hooks/tok", `{"ref":"main"}`)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	id, _ := decode(t, w)["execution_id"].(string)
	require.NotEmpty(t, id)

	exec := e.wait(t, id)
	require.Equal(t, workflow.StateCompleted, exec.State)
	require.Len(t, exec.Steps, 1)
	assert.Equal(t, "got main", exec.Steps[0].Output)

	w = do(t, e.handler, http.MethodGet, "/v1/executions/"+id, "")
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "completed", body["state"])
	assert.Equal(t, "hook", body["workflow_id"])

	w = do(t, e.handler, http.MethodGet, "/v1/executions?workflow=hook", "")
	require.Equal(t, http.StatusOK, w.Code)
	execs, _ := decode(t, w)["executions"].([]any)
	assert.Len(t, execs, 1)
}

func TestWebhookErrors(t *testing.T) {
	e := newEngine(t)

	w := do(t, e.handler, http.MethodPost, "/v1/hooks/unknown", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	require.NoError(t, e.defs.DisableTrigger("hook", "paused"))
	w = do(t, e.handler, http.MethodPost, "/v1/hooks/tok", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, e.handler, http.MethodPost, "/v1/hooks/tok", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestEventFansOut(t *testing.T) {
	e := newEngine(t)

	w := do(t, e.handler, http.MethodPost, "/v1/events/orders", `{"ref":"o-1"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	ids, _ := decode(t, w)["execution_ids"].([]any)
	require.Len(t, ids, 1)

	w = do(t, e.handler, http.MethodPost, "/v1/events/nobody", "")
	require.Equal(t, http.StatusAccepted, w.Code)
	ids, _ = decode(t, w)["execution_ids"].([]any)
	assert.Empty(t, ids)
}

func TestManualRunAndCancel(t *testing.T) {
	e := newEngine(t)

	w := do(t, e.handler, http.MethodPost, "/v1/workflows/manual/runs", "", IdentityHeader, "ops")
	require.Equal(t, http.StatusAccepted, w.Code)
	id, _ := decode(t, w)["execution_id"].(string)
	exec := e.wait(t, id)
	assert.Equal(t, "ops", exec.Trigger.Source)
	assert.Equal(t, workflow.TriggerManual, exec.Trigger.Type)

	w = do(t, e.handler, http.MethodPost, "/v1/executions/"+id+"/cancel", `{"reason":"late"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, e.handler, http.MethodPost, "/v1/executions/missing/cancel", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, e.handler, http.MethodPost, "/v1/workflows/missing/runs", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, e.handler, http.MethodGet, "/v1/executions/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListWorkflows(t *testing.T) {
	e := newEngine(t)
	w := do(t, e.handler, http.MethodGet, "/v1/workflows", "")
	require.Equal(t, http.StatusOK, w.Code)
	defs, _ := decode(t, w)["workflows"].([]any)
	assert.Len(t, defs, 3)
	assert.NotContains(t, w.Body.String(), `"tok"`)
}

func TestUsageEndpoints(t *testing.T) {
	l := ledger.New(ledger.WithLogger(logging.Discard()))
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	ctx := context.Background()
	_, err := l.Record(ctx, ledger.Record{Identity: "alice", Provider: "p1", Units: 2, Cost: 0.4, Outcome: ledger.OutcomeSuccess, Timestamp: base})
	require.NoError(t, err)
	_, err = l.Record(ctx, ledger.Record{Identity: "alice", Provider: "p2", Units: 1, Cost: 0.1, Outcome: ledger.OutcomeSuccess, Timestamp: base.Add(time.Minute)})
	require.NoError(t, err)
	_, err = l.Record(ctx, ledger.Record{Identity: "bob", Provider: "p1", Units: 1, Cost: 0.2, Outcome: ledger.OutcomeSuccess, Timestamp: base})
	require.NoError(t, err)

	h := New(WithUsage(l), WithLogger(logging.Discard())).Handler()
	window := "since=2026-05-01T09:00:00Z&until=2026-05-01T11:00:00Z"

	w := do(t, h, http.MethodGet, "/v1/usage?identity=alice&"+window, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	agg, _ := decode(t, w)["aggregate"].(map[string]any)
	assert.InDelta(t, 0.5, agg["total_cost"], 1e-9)
	assert.Equal(t, float64(2), agg["count"])

	w = do(t, h, http.MethodGet, "/v1/usage/records?provider=p1&"+window, "")
	require.Equal(t, http.StatusOK, w.Code)
	records, _ := decode(t, w)["records"].([]any)
	assert.Len(t, records, 2)

	w = do(t, h, http.MethodGet, "/v1/usage?since=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = do(t, h, http.MethodGet, "/v1/usage?since=2026-05-01T12:00:00Z&until=2026-05-01T11:00:00Z", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUsageRecordsFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendUsage(context.Background(), ledger.Record{ID: "r1", Identity: "carol", Outcome: ledger.OutcomeSuccess, Timestamp: at}))

	h := New(WithUsageStore(st), WithLogger(logging.Discard())).Handler()
	w := do(t, h, http.MethodGet, "/v1/usage/records?identity=carol&since=2026-05-01T00:00:00Z&until=2026-05-02T00:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	records, _ := decode(t, w)["records"].([]any)
	assert.Len(t, records, 1)
}

func TestUsageAggregateFromStore(t *testing.T) {
	st := store.NewMemoryStore()
	ctx := context.Background()
	at := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, st.AppendUsage(ctx, ledger.Record{ID: "r1", Identity: "carol", Provider: "p1", Units: 3, Cost: 0.3, Outcome: ledger.OutcomeSuccess, Timestamp: at}))
	require.NoError(t, st.AppendUsage(ctx, ledger.Record{ID: "r2", Identity: "carol", Provider: "p2", Units: 1, Cost: 0.05, Outcome: ledger.OutcomeSuccess, Timestamp: at.Add(time.Minute)}))
	require.NoError(t, st.AppendUsage(ctx, ledger.Record{ID: "r3", Identity: "dave", Provider: "p1", Units: 1, Cost: 0.1, Outcome: ledger.OutcomeSuccess, Timestamp: at}))

	// The in-memory ledger is empty, as after a restart.
	l := ledger.New(ledger.WithLogger(logging.Discard()))
	h := New(WithUsage(l), WithUsageStore(st), WithLogger(logging.Discard())).Handler()

	w := do(t, h, http.MethodGet, "/v1/usage?identity=carol&since=2026-05-01T00:00:00Z&until=2026-05-02T00:00:00Z&limit=1", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	agg, _ := decode(t, w)["aggregate"].(map[string]any)
	assert.InDelta(t, 0.35, agg["total_cost"], 1e-9)
	assert.Equal(t, float64(2), agg["count"])
}

func TestProvidersAndMetrics(t *testing.T) {
	reg, err := registry.New([]registry.Descriptor{
		{ID: "p1", Adapter: "mock", Model: "m1", Capability: complexity.High, CostPerUnit: 0.01},
	})
	require.NoError(t, err)
	m := metrics.New("flowroute", prometheus.NewRegistry())

	h := New(WithProviders(reg), WithMetrics(m), WithLogger(logging.Discard())).Handler()

	w := do(t, h, http.MethodGet, "/v1/providers", "")
	require.Equal(t, http.StatusOK, w.Code)
	providers, _ := decode(t, w)["providers"].([]any)
	require.Len(t, providers, 1)
	first, _ := providers[0].(map[string]any)
	assert.Equal(t, "p1", first["id"])
	assert.Equal(t, "available", first["health"])

	w = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), `flowroute_http_requests_total{method="GET",path="/v1/providers",status="200"} 1`))
}

func TestCompensateUsage(t *testing.T) {
	l := ledger.New(ledger.WithLogger(logging.Discard()))
	orig, err := l.Record(context.Background(), ledger.Record{Identity: "alice", Provider: "p1", Units: 2, Cost: 0.4, Outcome: ledger.OutcomeSuccess})
	require.NoError(t, err)
	m := metrics.New("flowroute", prometheus.NewRegistry())
	h := New(WithUsage(l), WithCompensator(l), WithMetrics(m), WithLogger(logging.Discard())).Handler()

	w := do(t, h, http.MethodPost, "/v1/usage/records/"+orig.ID+"/compensate", `{"reason":"duplicate charge"}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	rec, _ := decode(t, w)["record"].(map[string]any)
	assert.Equal(t, string(ledger.OutcomeAdjustment), rec["outcome"])
	assert.Equal(t, orig.ID, rec["reference"])
	assert.Equal(t, "duplicate charge", rec["reason"])
	assert.InDelta(t, -0.4, rec["cost"], 1e-9)

	agg := l.Aggregate("alice", time.Time{}, time.Time{})
	assert.InDelta(t, 0, agg.TotalCost, 1e-9)
	assert.Equal(t, 2, agg.Count)

	w = do(t, h, http.MethodPost, "/v1/usage/records/missing/compensate", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, h, http.MethodGet, "/metrics", "")
	assert.Contains(t, w.Body.String(), `path="/v1/usage/records/{id}/compensate",status="201"} 1`)
}

func TestAdminReloadReturnsProviderToService(t *testing.T) {
	reg, err := registry.New([]registry.Descriptor{
		{ID: "p1", Adapter: "mock", Model: "m1", Capability: complexity.High, CostPerUnit: 0.01},
	}, registry.WithPolicy(registry.Policy{ConsecutiveFailures: 1, Window: 2, MinSamples: 2, ExhaustedBelow: 0.5}))
	require.NoError(t, err)
	reg.ReportOutcome("p1", false)
	reg.ReportOutcome("p1", false)

	load := func() (*config.Config, error) {
		return &config.Config{Providers: []config.ProviderConfig{
			{ID: "p1", Adapter: "mock", Model: "m1", Capability: "high", CostPerUnit: 0.01},
		}}, nil
	}
	reloader := reload.New(load, reload.WithProviders(reg), reload.WithLogger(logging.Discard()))
	h := New(WithProviders(reg), WithReloader(reloader), WithLogger(logging.Discard())).Handler()

	health := func() any {
		w := do(t, h, http.MethodGet, "/v1/providers", "")
		require.Equal(t, http.StatusOK, w.Code)
		providers, _ := decode(t, w)["providers"].([]any)
		require.Len(t, providers, 1)
		first, _ := providers[0].(map[string]any)
		return first["health"]
	}
	require.Equal(t, "exhausted", health())

	w := do(t, h, http.MethodPost, "/v1/admin/reload", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, float64(1), decode(t, w)["providers"])
	assert.Equal(t, "available", health())
}

func TestAdminReloadFailure(t *testing.T) {
	load := func() (*config.Config, error) { return nil, errors.New("unreadable") }
	h := New(WithReloader(reload.New(load, reload.WithLogger(logging.Discard()))), WithLogger(logging.Discard())).Handler()

	w := do(t, h, http.MethodPost, "/v1/admin/reload", "")
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, decode(t, w)["error"], "unreadable")
}
