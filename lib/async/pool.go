// Package async provides a bounded worker pool for fire-and-forget work.
package async

import (
	"context"
	"fmt"
	"sync"

	"github.com/coachpo/beacon/errs"
)

// Task represents a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool runs tasks on a fixed set of workers fed by a bounded queue. Task
// contexts are cancelled when the pool shuts down.
type Pool struct {
	ctx     context.Context
	cancel  context.CancelFunc
	jobs    chan Task
	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	workers sync.WaitGroup
	onError func(error)
	once    sync.Once
}

// Option configures a Pool.
type Option func(*Pool)

// WithErrorHandler receives task errors and recovered panics.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pool) {
		if fn != nil {
			p.onError = fn
		}
	}
}

// NewPool creates a worker pool with the given concurrency and queue depth.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New("lib/async", errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan Task, queue),
		onError: func(error) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// TrySubmit queues fn without blocking and reports whether it was accepted.
func (p *Pool) TrySubmit(fn Task) bool {
	if fn == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.pending.Add(1)
	select {
	case p.jobs <- fn:
		return true
	default:
		p.pending.Done()
		return false
	}
}

// Close stops accepting new tasks. Queued tasks still run.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})
}

// Shutdown closes the pool and waits for queued and running tasks. When ctx
// expires first, running tasks are cancelled.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.pending.Wait()
		p.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("shutdown context: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.workers.Done()
	for fn := range p.jobs {
		p.run(fn)
	}
}

func (p *Pool) run(fn Task) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.onError(fmt.Errorf("task panic: %v", r))
		}
	}()
	if err := fn(p.ctx); err != nil {
		p.onError(err)
	}
}
