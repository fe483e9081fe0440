// Package executor runs workflow executions: one goroutine per run, steps
// strictly in order, state persisted on every change.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/zen-systems/flowroute/pkg/action"
	"github.com/zen-systems/flowroute/pkg/clock"
	"github.com/zen-systems/flowroute/pkg/router"
	"github.com/zen-systems/flowroute/pkg/store"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

var (
	// ErrUnknownExecution is returned for ids neither running nor stored.
	ErrUnknownExecution = errors.New("unknown execution")
	// ErrShuttingDown is returned by Execute after Shutdown began.
	ErrShuttingDown = errors.New("executor shutting down")
	// ErrFinished is returned when cancelling a terminal execution.
	ErrFinished = errors.New("execution already finished")
)

// DefaultStepTimeout bounds a step that sets no timeout.
const DefaultStepTimeout = 2 * time.Minute

// HTTPCaller performs http-call steps.
type HTTPCaller interface {
	Call(ctx context.Context, req action.Request) (action.Response, error)
}

// Observer receives execution events for metrics.
type Observer interface {
	ExecutionStarted(workflowID string)
	ExecutionFinished(workflowID string, state workflow.State, d time.Duration)
	StepFinished(kind workflow.StepKind, status workflow.StepStatus, d time.Duration)
}

// Executor runs workflows asynchronously.
type Executor struct {
	defs     workflow.Store
	store    store.ExecutionStore
	router   router.Dispatcher
	http     HTTPCaller
	notifier action.Notifier

	stepTimeout time.Duration
	sem         chan struct{}
	clock       clock.Clock
	logger      *slog.Logger
	tracer      trace.Tracer
	observer    Observer

	baseCtx context.Context
	stopAll context.CancelFunc

	mu     sync.Mutex
	runs   map[string]*run
	closed bool
	wg     sync.WaitGroup
}

// Option configures an Executor.
type Option func(*Executor)

// WithRouter sets the dispatcher used by invoke-model steps.
func WithRouter(d router.Dispatcher) Option {
	return func(e *Executor) {
		e.router = d
	}
}

// WithHTTPCaller sets the collaborator for http-call steps.
func WithHTTPCaller(c HTTPCaller) Option {
	return func(e *Executor) {
		e.http = c
	}
}

// WithNotifier sets the collaborator for notify steps.
func WithNotifier(n action.Notifier) Option {
	return func(e *Executor) {
		e.notifier = n
	}
}

// WithStepTimeout bounds steps that set no timeout of their own.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.stepTimeout = d
		}
	}
}

// WithMaxConcurrent caps how many executions run at once. Extra
// executions wait in pending.
func WithMaxConcurrent(n int) Option {
	return func(e *Executor) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(e *Executor) {
		e.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		e.logger = l
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) {
		e.tracer = t
	}
}

// WithObserver reports execution events.
func WithObserver(o Observer) Option {
	return func(e *Executor) {
		e.observer = o
	}
}

// New returns an executor reading definitions from defs and persisting
// executions to st.
func New(defs workflow.Store, st store.ExecutionStore, opts ...Option) *Executor {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Executor{
		defs:        defs,
		store:       st,
		stepTimeout: DefaultStepTimeout,
		sem:         make(chan struct{}, 16),
		clock:       clock.Real(),
		logger:      slog.Default(),
		baseCtx:     ctx,
		stopAll:     cancel,
		runs:        make(map[string]*run),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.tracer == nil {
		e.tracer = otel.Tracer("github.com/zen-systems/flowroute/pkg/executor")
	}
	if e.notifier == nil {
		e.notifier = action.NewLogNotifier(e.logger)
	}
	return e
}

// run is the in-memory handle of one live execution.
type run struct {
	mu     sync.Mutex
	exec   workflow.Execution
	reason string
	cancel chan struct{}
	once   sync.Once
	done   chan struct{}
}

func (r *run) snapshot() workflow.Execution {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exec.Clone()
}

func (r *run) requestCancel(reason string) {
	r.once.Do(func() {
		r.mu.Lock()
		r.reason = reason
		r.mu.Unlock()
		close(r.cancel)
	})
}

func (r *run) cancelled() (string, bool) {
	select {
	case <-r.cancel:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.reason, true
	default:
		return "", false
	}
}

// Execute creates a pending execution of workflowID and starts it in the
// background. It returns as soon as the record exists.
func (e *Executor) Execute(ctx context.Context, workflowID string, trig workflow.TriggerContext) (string, error) {
	def, err := e.defs.Get(workflowID)
	if err != nil {
		return "", err
	}
	now := e.clock.Now()
	if trig.FiredAt.IsZero() {
		trig.FiredAt = now
	}
	r := &run{
		exec: workflow.Execution{
			ID:         uuid.NewString(),
			WorkflowID: def.ID,
			Trigger:    trig,
			State:      workflow.StatePending,
			CreatedAt:  now,
		},
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", ErrShuttingDown
	}
	e.runs[r.exec.ID] = r
	e.wg.Add(1)
	e.mu.Unlock()

	e.save(ctx, r)
	e.logger.Info("executor.execution.created", "execution", r.exec.ID, "workflow", def.ID, "trigger", trig.Type)
	go e.execute(r, def)
	return r.exec.ID, nil
}

func (e *Executor) execute(r *run, def workflow.Definition) {
	defer e.wg.Done()
	defer close(r.done)
	ctx := e.baseCtx

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-r.cancel:
		reason, _ := r.cancelled()
		e.finish(ctx, r, workflow.StateFailed, "cancelled before start: "+reason)
		return
	}

	if reason, ok := r.cancelled(); ok {
		e.finish(ctx, r, workflow.StateFailed, "cancelled before start: "+reason)
		return
	}

	started := e.clock.Now()
	e.transition(r, workflow.StateRunning, func(x *workflow.Execution) { x.StartedAt = started })
	e.save(ctx, r)
	if e.observer != nil {
		e.observer.ExecutionStarted(def.ID)
	}

	state := newTemplateState(def, r.snapshot())
	for _, step := range def.Steps {
		if reason, ok := r.cancelled(); ok {
			e.finish(ctx, r, workflow.StateFailed, "cancelled: "+reason)
			return
		}

		result, stepErr := e.runStep(ctx, def, r.exec.ID, step, state)
		state.record(result)
		e.transition(r, "", func(x *workflow.Execution) {
			x.Steps = append(x.Steps, result)
			if stepErr != nil && step.ContinueOnError {
				x.PartialFailure = true
			}
		})
		e.save(ctx, r)

		if stepErr == nil {
			e.logger.Info("executor.step.completed", "execution", r.exec.ID, "workflow", def.ID,
				"step", step.Name, "kind", step.Kind, "duration", result.EndedAt.Sub(result.StartedAt))
			continue
		}
		if step.ContinueOnError {
			e.logger.Warn("executor.step.failed", "execution", r.exec.ID, "workflow", def.ID,
				"step", step.Name, "continue_on_error", true, "error", stepErr)
			continue
		}
		e.logger.Error("executor.step.failed", "execution", r.exec.ID, "workflow", def.ID,
			"step", step.Name, "error", stepErr)
		e.finish(ctx, r, workflow.StateFailed, stepErr.Error())
		return
	}
	e.finish(ctx, r, workflow.StateCompleted, "")
}

// transition applies mutate and, when to is set, moves the state.
func (e *Executor) transition(r *run, to workflow.State, mutate func(*workflow.Execution)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if to != "" {
		if !workflow.CanTransition(r.exec.State, to) {
			e.logger.Error("executor.transition.rejected", "execution", r.exec.ID, "from", r.exec.State, "to", to)
			return
		}
		r.exec.State = to
	}
	if mutate != nil {
		mutate(&r.exec)
	}
}

func (e *Executor) finish(ctx context.Context, r *run, state workflow.State, errMsg string) {
	ended := e.clock.Now()
	e.transition(r, state, func(x *workflow.Execution) {
		x.EndedAt = ended
		x.Error = errMsg
	})
	saved := e.save(ctx, r)
	exec := r.snapshot()

	e.logger.Info("executor.execution.finished", "execution", exec.ID, "workflow", exec.WorkflowID,
		"state", exec.State, "steps", len(exec.Steps), "partial_failure", exec.PartialFailure, "error", exec.Error)
	if e.observer != nil {
		start := exec.StartedAt
		if start.IsZero() {
			start = exec.CreatedAt
		}
		e.observer.ExecutionFinished(exec.WorkflowID, exec.State, ended.Sub(start))
	}

	// Finished runs are served from the store; keep them in memory only
	// when the final write failed.
	if saved {
		e.mu.Lock()
		delete(e.runs, exec.ID)
		e.mu.Unlock()
	}
}

func (e *Executor) save(ctx context.Context, r *run) bool {
	if e.store == nil {
		return false
	}
	exec := r.snapshot()
	if err := e.store.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
		e.logger.Error("executor.save.failed", "execution", exec.ID, "state", exec.State, "error", err)
		return false
	}
	return true
}

// Status returns the current record of an execution.
func (e *Executor) Status(ctx context.Context, id string) (workflow.Execution, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}
	if e.store == nil {
		return workflow.Execution{}, fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	exec, err := e.store.GetExecution(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return workflow.Execution{}, fmt.Errorf("%w: %s", ErrUnknownExecution, id)
	}
	return exec, err
}

// Wait blocks until the execution is terminal or ctx ends.
func (e *Executor) Wait(ctx context.Context, id string) (workflow.Execution, error) {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if ok {
		select {
		case <-r.done:
			return r.snapshot(), nil
		case <-ctx.Done():
			return r.snapshot(), ctx.Err()
		}
	}
	return e.Status(ctx, id)
}

// Cancel asks a live execution to stop. The step in flight finishes
// first; the execution then ends failed with reason.
func (e *Executor) Cancel(ctx context.Context, id, reason string) error {
	e.mu.Lock()
	r, ok := e.runs[id]
	e.mu.Unlock()
	if !ok {
		if _, err := e.Status(ctx, id); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrFinished, id)
	}
	if r.snapshot().State.Terminal() {
		return fmt.Errorf("%w: %s", ErrFinished, id)
	}
	r.requestCancel(reason)
	e.logger.Info("executor.execution.cancel_requested", "execution", id, "reason", reason)
	return nil
}

// CancelWorkflow cancels every live execution of workflowID and returns
// how many were signalled.
func (e *Executor) CancelWorkflow(workflowID, reason string) int {
	e.mu.Lock()
	var targets []*run
	for _, r := range e.runs {
		if r.exec.WorkflowID == workflowID {
			targets = append(targets, r)
		}
	}
	e.mu.Unlock()

	n := 0
	for _, r := range targets {
		if r.snapshot().State.Terminal() {
			continue
		}
		r.requestCancel(reason)
		n++
	}
	if n > 0 {
		e.logger.Info("executor.workflow.cancelled", "workflow", workflowID, "executions", n, "reason", reason)
	}
	return n
}

// Active returns the number of executions not yet terminal.
func (e *Executor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, r := range e.runs {
		if !r.snapshot().State.Terminal() {
			n++
		}
	}
	return n
}

// Shutdown stops accepting executions and waits for running ones. When
// ctx ends first, remaining executions are cancelled at their next step
// boundary and in-flight steps lose their context.
func (e *Executor) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		e.stopAll()
		return nil
	case <-ctx.Done():
	}

	e.mu.Lock()
	for _, r := range e.runs {
		r.requestCancel("executor shutdown")
	}
	e.mu.Unlock()
	e.stopAll()
	<-done
	return ctx.Err()
}
