// Package scheduler fires workflow triggers. Schedule triggers are polled
// on an interval; webhook, event and manual triggers fire directly. All of
// them start runs through the same Executor entry point.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zen-systems/flowroute/pkg/clock"
	"github.com/zen-systems/flowroute/pkg/cron"
	"github.com/zen-systems/flowroute/pkg/workflow"
)

// DefaultPollInterval is how often schedule triggers are evaluated.
const DefaultPollInterval = time.Minute

// ErrRunning is returned by Start when the loop is already active.
var ErrRunning = errors.New("scheduler already running")

// Executor starts workflow executions.
type Executor interface {
	Execute(ctx context.Context, workflowID string, trig workflow.TriggerContext) (string, error)
}

// Observer receives trigger events for metrics.
type Observer interface {
	TriggerFired(t workflow.TriggerType)
	TriggerDisabled()
}

// Scheduler owns the poll loop and the direct trigger entry points.
type Scheduler struct {
	store    workflow.Store
	executor Executor
	interval time.Duration
	clock    clock.Clock
	logger   *slog.Logger
	observer Observer

	// startedAt is the earliest reference time for schedules. Ticks missed
	// before it are not replayed.
	startedAt time.Time

	mu        sync.Mutex
	schedules map[string]parsed
	cancel    context.CancelFunc
	done      chan struct{}
}

type parsed struct {
	expr     string
	timezone string
	schedule cron.Schedule
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithPollInterval sets the poll interval.
func WithPollInterval(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) {
		s.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// WithObserver reports trigger events.
func WithObserver(o Observer) Option {
	return func(s *Scheduler) {
		s.observer = o
	}
}

// New returns a scheduler over store. Schedules are evaluated from the
// time New is called.
func New(store workflow.Store, executor Executor, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:     store,
		executor:  executor,
		interval:  DefaultPollInterval,
		clock:     clock.Real(),
		logger:    slog.Default(),
		schedules: make(map[string]parsed),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.startedAt = s.clock.Now()
	return s
}

// Start runs the poll loop until ctx ends or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return ErrRunning
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	ticker := s.clock.NewTicker(s.interval)
	s.logger.Info("scheduler.started", "interval", s.interval)
	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler.stopped")
				return
			case now := <-ticker.C:
				s.Tick(ctx, now)
			}
		}
	}()
	return nil
}

// Stop ends the poll loop and waits for the current tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick evaluates every enabled schedule trigger against now and fires the
// due ones. It returns the ids of the executions started.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) []string {
	var started []string
	for _, def := range s.store.ListScheduled() {
		if ctx.Err() != nil {
			break
		}
		sched, err := s.schedule(def)
		if err != nil {
			s.disable(def.ID, err.Error())
			continue
		}

		ref := def.Trigger.LastFiredAt
		if ref.Before(s.startedAt) {
			ref = s.startedAt
		}
		next, ok := sched.Next(ref)
		if !ok {
			s.disable(def.ID, fmt.Sprintf("schedule %q never fires", def.Trigger.Schedule))
			continue
		}
		if next.After(now) {
			continue
		}

		id, err := s.executor.Execute(ctx, def.ID, workflow.TriggerContext{
			Type:    workflow.TriggerSchedule,
			Source:  "scheduler",
			Payload: map[string]any{"scheduled_for": next.Format(time.RFC3339)},
			FiredAt: now,
		})
		if err != nil {
			s.logger.Error("scheduler.fire.failed", "workflow", def.ID, "error", err)
			continue
		}
		// Marking with now rather than next drops any further ticks that
		// were missed between next and now.
		s.markFired(def.ID, now)
		s.fired(workflow.TriggerSchedule)
		s.logger.Info("scheduler.trigger.fired", "workflow", def.ID, "execution", id,
			"scheduled_for", next, "trigger", workflow.TriggerSchedule)
		started = append(started, id)
	}
	return started
}

func (s *Scheduler) schedule(def workflow.Definition) (cron.Schedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.schedules[def.ID]; ok && p.expr == def.Trigger.Schedule && p.timezone == def.Trigger.Timezone {
		return p.schedule, nil
	}

	loc := time.UTC
	if def.Trigger.Timezone != "" {
		l, err := time.LoadLocation(def.Trigger.Timezone)
		if err != nil {
			return cron.Schedule{}, fmt.Errorf("bad timezone %q: %w", def.Trigger.Timezone, err)
		}
		loc = l
	}
	sched, err := cron.ParseInLocation(def.Trigger.Schedule, loc)
	if err != nil {
		return cron.Schedule{}, fmt.Errorf("bad schedule %q: %w", def.Trigger.Schedule, err)
	}
	s.schedules[def.ID] = parsed{expr: def.Trigger.Schedule, timezone: def.Trigger.Timezone, schedule: sched}
	return sched, nil
}

func (s *Scheduler) disable(id, reason string) {
	if err := s.store.DisableTrigger(id, reason); err != nil {
		s.logger.Error("scheduler.disable.failed", "workflow", id, "error", err)
		return
	}
	if s.observer != nil {
		s.observer.TriggerDisabled()
	}
	s.logger.Warn("scheduler.trigger.disabled", "workflow", id, "reason", reason)
}

func (s *Scheduler) markFired(id string, at time.Time) {
	if err := s.store.MarkFired(id, at); err != nil {
		s.logger.Error("scheduler.mark_fired.failed", "workflow", id, "error", err)
	}
}

func (s *Scheduler) fired(t workflow.TriggerType) {
	if s.observer != nil {
		s.observer.TriggerFired(t)
	}
}

// FireWebhook starts the workflow owning token.
func (s *Scheduler) FireWebhook(ctx context.Context, token string, payload map[string]any) (string, error) {
	def, err := s.store.FindByWebhook(token)
	if err != nil {
		return "", err
	}
	return s.fire(ctx, def, workflow.TriggerContext{
		Type:    workflow.TriggerWebhook,
		Source:  "webhook",
		Payload: payload,
	})
}

// FireEvent starts every enabled workflow subscribed to topic. A topic
// with no subscribers is not an error.
func (s *Scheduler) FireEvent(ctx context.Context, topic string, payload map[string]any) ([]string, error) {
	var (
		ids  []string
		errs []error
	)
	for _, def := range s.store.FindByTopic(topic) {
		id, err := s.fire(ctx, def, workflow.TriggerContext{
			Type:    workflow.TriggerEvent,
			Source:  topic,
			Payload: payload,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("workflow %s: %w", def.ID, err))
			continue
		}
		ids = append(ids, id)
	}
	return ids, errors.Join(errs...)
}

// FireManual starts workflowID on behalf of source. Any workflow may be
// run manually, whatever its trigger type.
func (s *Scheduler) FireManual(ctx context.Context, workflowID, source string, payload map[string]any) (string, error) {
	def, err := s.store.Get(workflowID)
	if err != nil {
		return "", err
	}
	return s.fire(ctx, def, workflow.TriggerContext{
		Type:    workflow.TriggerManual,
		Source:  source,
		Payload: payload,
	})
}

// fire starts def. last_fired_at only tracks the workflow's own trigger,
// so a manual run of a scheduled workflow leaves its schedule untouched.
func (s *Scheduler) fire(ctx context.Context, def workflow.Definition, trig workflow.TriggerContext) (string, error) {
	trig.FiredAt = s.clock.Now()
	id, err := s.executor.Execute(ctx, def.ID, trig)
	if err != nil {
		s.logger.Error("scheduler.fire.failed", "workflow", def.ID, "trigger", trig.Type, "error", err)
		return "", err
	}
	if def.Trigger.Type == trig.Type {
		s.markFired(def.ID, trig.FiredAt)
	}
	s.fired(trig.Type)
	s.logger.Info("scheduler.trigger.fired", "workflow", def.ID, "execution", id,
		"trigger", trig.Type, "source", trig.Source)
	return id, nil
}
