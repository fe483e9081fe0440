package server

import (
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/zen-systems/flowroute/pkg/executor"
	"github.com/zen-systems/flowroute/pkg/ledger"
	"github.com/zen-systems/flowroute/pkg/router"
	"github.com/zen-systems/flowroute/pkg/store"
	"github.com/zen-systems/flowroute/pkg/task"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// IdentityHeader carries the caller identity when the body omits it.
const IdentityHeader = "X-Flowroute-Identity"

// routeRequest is the body of POST /v1/route.
type routeRequest struct {
	Input       string          `json:"input"`
	System      string          `json:"system,omitempty"`
	TaskType    task.Type       `json:"task_type,omitempty"`
	Identity    string          `json:"identity,omitempty"`
	CallerTier  task.CallerTier `json:"caller_tier,omitempty"`
	BudgetTier  string          `json:"budget_tier,omitempty"`
	MaxUnitCost float64         `json:"max_unit_cost,omitempty"`
	Override    string          `json:"override,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
}

// routeResponse adds the cached flag to the routed result.
type routeResponse struct {
	*router.RoutedResult
	Cached bool `json:"cached"`
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if s.router == nil {
		unavailable(w, "router")
		return
	}
	var body routeRequest
	if err := decodeBody(w, r, &body); err != nil {
		writeCodedError(w, http.StatusBadRequest, router.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	if body.Identity == "" {
		body.Identity = r.Header.Get(IdentityHeader)
	}
	if body.TaskType == "" {
		body.TaskType = task.TypeChat
	}

	res, err := s.router.Route(r.Context(), task.Request{
		Input:       body.Input,
		System:      body.System,
		TaskType:    task.ParseType(string(body.TaskType)),
		Identity:    body.Identity,
		CallerTier:  body.CallerTier,
		BudgetTier:  body.BudgetTier,
		MaxUnitCost: body.MaxUnitCost,
		Override:    body.Override,
		Temperature: body.Temperature,
		MaxTokens:   body.MaxTokens,
	})
	if err != nil {
		s.writeRouteError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, routeResponse{RoutedResult: res, Cached: res.Cached()})
}

// writeRouteError maps router errors to stable codes and statuses.
func (s *Server) writeRouteError(w http.ResponseWriter, err error) {
	code := router.Code(err)
	status := http.StatusInternalServerError
	switch code {
	case router.CodeValidation:
		status = http.StatusBadRequest
	case router.CodeRateLimited:
		status = http.StatusTooManyRequests
		var limited *router.RateLimitedError
		if errors.As(err, &limited) {
			secs := int(math.Ceil(limited.RetryAfter.Seconds()))
			if secs < 1 {
				secs = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
	case router.CodeBudgetExceeded:
		status = http.StatusPaymentRequired
	case router.CodeAllProvidersFailed:
		status = http.StatusBadGateway
	case router.CodeUnavailable:
		status = http.StatusServiceUnavailable
		s.logger.Warn("server.route.unavailable", "error", err)
	default:
		s.logger.Error("server.route.failed", "error", err)
	}
	writeCodedError(w, status, code, err.Error())
}

func (s *Server) listProviders(w http.ResponseWriter, r *http.Request) {
	if s.providers == nil {
		unavailable(w, "registry")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"providers": s.providers.Snapshot()})
}

// usageWindow parses identity, since and until (RFC 3339). until defaults
// to now and since to 24 hours before until.
func (s *Server) usageWindow(r *http.Request) (ledger.Filter, error) {
	q := r.URL.Query()
	f := ledger.Filter{
		Identity: q.Get("identity"),
		Provider: q.Get("provider"),
		Until:    s.clock.Now(),
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("until must be RFC 3339")
		}
		f.Until = t
	}
	f.Since = f.Until.Add(-24 * time.Hour)
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errors.New("since must be RFC 3339")
		}
		f.Since = t
	}
	if !f.Since.Before(f.Until) {
		return f, errors.New("since must be before until")
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

// aggregateUsage folds the window from the durable store when configured,
// so totals survive restarts, else from the in-memory ledger.
func (s *Server) aggregateUsage(w http.ResponseWriter, r *http.Request) {
	f, err := s.usageWindow(r)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, router.CodeValidation, err.Error())
		return
	}
	var agg ledger.Aggregate
	switch {
	case s.usageStore != nil:
		records, err := s.usageStore.QueryUsage(r.Context(), ledger.Filter{
			Identity: f.Identity,
			Since:    f.Since,
			Until:    f.Until,
		})
		if err != nil {
			s.logger.Error("server.usage.query_failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to query usage")
			return
		}
		agg = ledger.Fold(records)
	case s.usage != nil:
		agg = s.usage.Aggregate(f.Identity, f.Since, f.Until)
	default:
		unavailable(w, "ledger")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"identity":  f.Identity,
		"since":     f.Since,
		"until":     f.Until,
		"aggregate": agg,
	})
}

// listUsage serves records from the durable store when configured, else
// from the in-memory ledger.
func (s *Server) listUsage(w http.ResponseWriter, r *http.Request) {
	f, err := s.usageWindow(r)
	if err != nil {
		writeCodedError(w, http.StatusBadRequest, router.CodeValidation, err.Error())
		return
	}
	var records []ledger.Record
	switch {
	case s.usageStore != nil:
		records, err = s.usageStore.QueryUsage(r.Context(), f)
		if err != nil {
			s.logger.Error("server.usage.query_failed", "error", err)
			writeError(w, http.StatusInternalServerError, "failed to query usage")
			return
		}
	case s.usage != nil:
		records = s.usage.Records(f)
	default:
		unavailable(w, "ledger")
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

// compensateUsage appends a record negating the referenced one. History is
// never edited.
func (s *Server) compensateUsage(w http.ResponseWriter, r *http.Request) {
	if s.compensate == nil {
		unavailable(w, "ledger")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeCodedError(w, http.StatusBadRequest, router.CodeValidation, "invalid request body: "+err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "compensated via api"
	}
	rec, err := s.compensate.Compensate(r.Context(), r.PathValue("id"), body.Reason)
	switch {
	case err == nil:
		s.logger.Info("server.usage.compensated", "record", r.PathValue("id"), "adjustment", rec.ID, "reason", body.Reason)
		writeJSON(w, http.StatusCreated, map[string]any{"record": rec})
	case errors.Is(err, ledger.ErrUnknownRecord):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("server.usage.compensate_failed", "record", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compensate record")
	}
}

func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	if s.reloader == nil {
		unavailable(w, "reloader")
		return
	}
	summary, err := s.reloader.Reload(r.Context())
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "reload failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) fireWebhook(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		unavailable(w, "scheduler")
		return
	}
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	id, err := s.triggers.FireWebhook(r.Context(), r.PathValue("token"), payload)
	if err != nil {
		s.writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) fireEvent(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		unavailable(w, "scheduler")
		return
	}
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	ids, err := s.triggers.FireEvent(r.Context(), r.PathValue("topic"), payload)
	if ids == nil {
		ids = []string{}
	}
	if err != nil && len(ids) == 0 {
		s.writeTriggerError(w, err)
		return
	}
	if err != nil {
		s.logger.Warn("server.event.partial", "topic", r.PathValue("topic"), "error", err)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"execution_ids": ids})
}

func (s *Server) runWorkflow(w http.ResponseWriter, r *http.Request) {
	if s.triggers == nil {
		unavailable(w, "scheduler")
		return
	}
	payload, ok := readPayload(w, r)
	if !ok {
		return
	}
	source := r.Header.Get(IdentityHeader)
	if source == "" {
		source = "api"
	}
	id, err := s.triggers.FireManual(r.Context(), r.PathValue("id"), source, payload)
	if err != nil {
		s.writeTriggerError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"execution_id": id})
}

func (s *Server) writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workflow.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workflow.ErrTriggerDisabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, executor.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("server.trigger.failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// readPayload decodes an optional JSON object body.
func readPayload(w http.ResponseWriter, r *http.Request) (map[string]any, bool) {
	var payload map[string]any
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, http.StatusBadRequest, "payload must be a JSON object: "+err.Error())
		return nil, false
	}
	return payload, true
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	if s.workflows == nil {
		unavailable(w, "workflow store")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.workflows.List()})
}

func (s *Server) getExecution(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		unavailable(w, "executor")
		return
	}
	exec, err := s.executions.Status(r.Context(), r.PathValue("id"))
	if errors.Is(err, executor.ErrUnknownExecution) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("server.execution.status_failed", "execution", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load execution")
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		unavailable(w, "execution store")
		return
	}
	q := r.URL.Query()
	f := store.ExecutionFilter{
		WorkflowID: q.Get("workflow"),
		State:      workflow.State(q.Get("state")),
		Limit:      50,
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		f.Limit = n
	}
	execs, err := s.history.ListExecutions(r.Context(), f)
	if err != nil {
		s.logger.Error("server.execution.list_failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []workflow.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": execs})
}

func (s *Server) cancelExecution(w http.ResponseWriter, r *http.Request) {
	if s.executions == nil {
		unavailable(w, "executor")
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeBody(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Reason == "" {
		body.Reason = "cancelled via api"
	}
	err := s.executions.Cancel(r.Context(), r.PathValue("id"), body.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, executor.ErrUnknownExecution):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, executor.ErrFinished):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("server.execution.cancel_failed", "execution", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel execution")
	}
}
