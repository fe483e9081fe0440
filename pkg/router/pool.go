package router

import (
	"context"
	"errors"
	"sync"

	"github.com/zen-systems/flowroute/pkg/task"
)

// ErrPoolClosed is returned by Pool.Route after Close.
var ErrPoolClosed = errors.New("router pool closed")

// Dispatcher routes one request. *Router and *Pool implement it.
type Dispatcher interface {
	Route(ctx context.Context, req task.Request) (*RoutedResult, error)
}

type job struct {
	ctx   context.Context
	req   task.Request
	reply chan reply
}

type reply struct {
	result *RoutedResult
	err    error
}

// Pool bounds concurrent routes with a fixed set of workers fed by a
// queue.
type Pool struct {
	dispatcher Dispatcher
	jobs       chan job
	wg         sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines serving d.
func NewPool(d Dispatcher, workers, queue int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queue < 0 {
		queue = 0
	}
	p := &Pool{dispatcher: d, jobs: make(chan job, queue)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	return p
}

// Route queues req and waits for a worker to finish it. A caller that
// gives up stops waiting; the worker still completes the route.
func (p *Pool) Route(ctx context.Context, req task.Request) (*RoutedResult, error) {
	j := job{ctx: ctx, req: req, reply: make(chan reply, 1)}

	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return nil, ErrPoolClosed
	}
	select {
	case p.jobs <- j:
	case <-ctx.Done():
		p.mu.RUnlock()
		return nil, ctx.Err()
	}
	p.mu.RUnlock()

	select {
	case r := <-j.reply:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting work and waits for queued routes to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.jobs)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) work() {
	defer p.wg.Done()
	for j := range p.jobs {
		res, err := p.dispatcher.Route(j.ctx, j.req)
		j.reply <- reply{result: res, err: err}
	}
}
