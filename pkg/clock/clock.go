// Package clock abstracts time so rate-limit windows, cache expiry and
// schedule evaluation can be driven deterministically in tests.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source used by every component that reads the wall
// clock or waits on a ticker.
type Clock interface {
	Now() time.Time
	NewTicker(d time.Duration) *Ticker
}

// Ticker delivers ticks on C until Stop is called.
type Ticker struct {
	C <-chan time.Time

	stop func()
}

// Stop turns off the ticker. C is not closed.
func (t *Ticker) Stop() { t.stop() }

// Real returns a Clock backed by the time package.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTicker(d time.Duration) *Ticker {
	ticker := time.NewTicker(d)
	return &Ticker{C: ticker.C, stop: ticker.Stop}
}

// Fake is a manually advanced Clock. Tickers created from it fire during
// Advance, at most once per call, matching the drop-on-slow-consumer
// behavior of time.Ticker.
type Fake struct {
	mu      sync.Mutex
	current time.Time
	tickers []*fakeTicker
}

type fakeTicker struct {
	ch       chan time.Time
	interval time.Duration
	next     time.Time
	stopped  bool
}

// NewFake returns a Fake clock starting at initial.
func NewFake(initial time.Time) *Fake {
	return &Fake{current: initial}
}

// Now returns the fake time.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current
}

// NewTicker registers a ticker that fires when Advance crosses its deadline.
func (f *Fake) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	ft := &fakeTicker{
		ch:       make(chan time.Time, 1),
		interval: d,
		next:     f.current.Add(d),
	}
	f.tickers = append(f.tickers, ft)
	return &Ticker{
		C: ft.ch,
		stop: func() {
			f.mu.Lock()
			ft.stopped = true
			f.mu.Unlock()
		},
	}
}

// Advance moves the clock forward by d and fires due tickers.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.current = f.current.Add(d)
	for _, ft := range f.tickers {
		if ft.stopped || ft.next.After(f.current) {
			continue
		}
		for !ft.next.After(f.current) {
			ft.next = ft.next.Add(ft.interval)
		}
		select {
		case ft.ch <- f.current:
		default:
		}
	}
}

// Set jumps the clock to t without firing tickers.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current = t
}
