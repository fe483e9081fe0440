// Package ledger keeps the append-only usage and cost log.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zen-systems/flowroute/pkg/clock"
)

// Outcome classifies a usage record.
type Outcome string

const (
	OutcomeSuccess    Outcome = "success"
	OutcomeFailure    Outcome = "failure"
	OutcomeCached     Outcome = "cached"
	OutcomeAdjustment Outcome = "adjustment"
)

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("ledger closed")

// ErrUnknownRecord is returned by Compensate for an id the ledger never saw.
var ErrUnknownRecord = errors.New("unknown ledger record")

// Record is one usage entry. Records are never mutated once appended.
type Record struct {
	ID             string    `json:"id"`
	Identity       string    `json:"identity"`
	Provider       string    `json:"provider"`
	Model          string    `json:"model,omitempty"`
	Units          float64   `json:"units"`
	Cost           float64   `json:"cost"`
	Outcome        Outcome   `json:"outcome"`
	PricingVersion string    `json:"pricing_version,omitempty"`
	Reference      string    `json:"reference,omitempty"` // compensated record id
	Reason         string    `json:"reason,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Aggregate is a read-only fold over records in a window.
type Aggregate struct {
	TotalCost  float64            `json:"total_cost"`
	TotalUnits float64            `json:"total_units"`
	ByProvider map[string]float64 `json:"by_provider"`
	ByOutcome  map[Outcome]int    `json:"by_outcome"`
	Count      int                `json:"count"`
}

// Sink durably stores records. Calls arrive in append order from a single
// goroutine.
type Sink interface {
	AppendUsage(ctx context.Context, rec Record) error
}

// Observer receives appended records for metrics.
type Observer interface {
	LedgerRecorded(rec Record)
	LedgerSinkError()
}

// Ledger is an in-memory append log with an optional ordered sink.
type Ledger struct {
	mu      sync.RWMutex
	records []Record
	index   map[string]int
	closed  bool

	sink Sink

	// pending holds records awaiting the sink, in append order. It never
	// blocks Record; past buffer entries the sink write is dropped.
	qmu      sync.Mutex
	pending  []Record
	dropped  int
	stopping bool
	wake     chan struct{}
	done     chan struct{}

	clock    clock.Clock
	logger   *slog.Logger
	observer Observer
	buffer   int
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink persists every record through s in append order.
func WithSink(s Sink) Option {
	return func(l *Ledger) {
		l.sink = s
	}
}

// WithBuffer caps how many records may wait for the sink. Records past
// the cap stay in memory but are not written to the sink.
func WithBuffer(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.buffer = n
		}
	}
}

// WithClock sets the clock used to stamp records.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) {
		l.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithObserver reports appended records.
func WithObserver(o Observer) Option {
	return func(l *Ledger) {
		l.observer = o
	}
}

// New returns a Ledger. With a sink configured, a background goroutine
// drains records to it until Close.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		index:  make(map[string]int),
		clock:  clock.Real(),
		logger: slog.Default(),
		buffer: 4096,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sink != nil {
		l.wake = make(chan struct{}, 1)
		l.done = make(chan struct{})
		go l.drain()
	}
	return l
}

// Record appends rec, assigning an id and timestamp when missing, and
// returns the stored copy. Records keep their append order in memory and
// in the sink. Record never waits on the sink.
func (l *Ledger) Record(ctx context.Context, rec Record) (Record, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock.Now()
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Record{}, ErrClosed
	}
	if _, dup := l.index[rec.ID]; dup {
		l.mu.Unlock()
		return Record{}, fmt.Errorf("duplicate ledger record %s", rec.ID)
	}
	l.index[rec.ID] = len(l.records)
	l.records = append(l.records, rec)
	// Enqueue under the lock so sink order matches memory order.
	queued := l.sink == nil || l.enqueue(rec)
	l.mu.Unlock()

	if !queued {
		l.logger.Warn("ledger.sink.dropped", "id", rec.ID, "identity", rec.Identity, "pending", l.buffer)
		if l.observer != nil {
			l.observer.LedgerSinkError()
		}
	}
	if l.observer != nil {
		l.observer.LedgerRecorded(rec)
	}
	return rec, nil
}

func (l *Ledger) enqueue(rec Record) bool {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	if len(l.pending) >= l.buffer {
		l.dropped++
		return false
	}
	l.pending = append(l.pending, rec)
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Dropped returns how many records were kept in memory but never handed
// to the sink because too many were already waiting.
func (l *Ledger) Dropped() int {
	l.qmu.Lock()
	defer l.qmu.Unlock()
	return l.dropped
}

// Compensate appends an adjustment that negates the referenced record.
func (l *Ledger) Compensate(ctx context.Context, id, reason string) (Record, error) {
	l.mu.RLock()
	i, ok := l.index[id]
	var orig Record
	if ok {
		orig = l.records[i]
	}
	l.mu.RUnlock()
	if !ok {
		return Record{}, fmt.Errorf("%w: %s", ErrUnknownRecord, id)
	}
	return l.Record(ctx, Record{
		Identity:       orig.Identity,
		Provider:       orig.Provider,
		Model:          orig.Model,
		Units:          -orig.Units,
		Cost:           -orig.Cost,
		Outcome:        OutcomeAdjustment,
		PricingVersion: orig.PricingVersion,
		Reference:      orig.ID,
		Reason:         reason,
	})
}

// Filter selects records. Zero fields match everything; Until is exclusive.
type Filter struct {
	Identity string
	Provider string
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Match reports whether rec passes the filter.
func (f Filter) Match(rec Record) bool {
	if f.Identity != "" && rec.Identity != f.Identity {
		return false
	}
	if f.Provider != "" && rec.Provider != f.Provider {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !rec.Timestamp.Before(f.Until) {
		return false
	}
	return true
}

// Records returns the matching records in append order.
func (l *Ledger) Records(f Filter) []Record {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Record
	for _, rec := range l.records {
		if !f.Match(rec) {
			continue
		}
		out = append(out, rec)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out
}

// Aggregate folds the records of identity within [since, until). An empty
// identity aggregates every caller.
func (l *Ledger) Aggregate(identity string, since, until time.Time) Aggregate {
	return Fold(l.Records(Filter{Identity: identity, Since: since, Until: until}))
}

// Fold aggregates an arbitrary record slice.
func Fold(records []Record) Aggregate {
	agg := Aggregate{
		ByProvider: make(map[string]float64),
		ByOutcome:  make(map[Outcome]int),
	}
	for _, rec := range records {
		agg.Count++
		agg.ByOutcome[rec.Outcome]++
		agg.TotalCost += rec.Cost
		agg.TotalUnits += rec.Units
		if rec.Provider != "" && rec.Outcome != OutcomeCached {
			agg.ByProvider[rec.Provider] += rec.Cost
		}
	}
	return agg
}

// Providers returns the provider ids seen so far, sorted.
func (a Aggregate) Providers() []string {
	ids := make([]string, 0, len(a.ByProvider))
	for id := range a.ByProvider {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len returns the number of records appended.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.records)
}

// Close stops accepting records and waits for the sink to drain.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	if l.sink == nil {
		return nil
	}
	l.qmu.Lock()
	l.stopping = true
	l.qmu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
	return nil
}

func (l *Ledger) drain() {
	defer close(l.done)
	for {
		l.qmu.Lock()
		batch, stop := l.pending, l.stopping
		l.pending = nil
		l.qmu.Unlock()

		for _, rec := range batch {
			if err := l.sink.AppendUsage(context.Background(), rec); err != nil {
				l.logger.Error("ledger.sink.failed", "id", rec.ID, "identity", rec.Identity, "error", err)
				if l.observer != nil {
					l.observer.LedgerSinkError()
				}
			}
		}
		if len(batch) > 0 {
			continue
		}
		if stop {
			return
		}
		<-l.wake
	}
}
