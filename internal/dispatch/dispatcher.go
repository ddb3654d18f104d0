package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/mattjoyce/tilepack/internal/log"
)

var (
	ErrSaturated = errors.New("worker pool saturated")
	ErrStopped   = errors.New("worker pool stopped")
)

// Task is one unit of work. The context is never cancelled by the pool.
type Task func(ctx context.Context)

// Pool is a fixed-size worker pool over a bounded queue.
type Pool struct {
	workers int
	tasks   chan Task
	logger  *slog.Logger

	mu      sync.RWMutex
	running bool
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger overrides the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// New creates a pool with the given worker count and queue capacity.
func New(workers, queueSize int, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	p := &Pool{
		workers: workers,
		tasks:   make(chan Task, queueSize),
		logger:  log.WithComponent("dispatch"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the worker goroutines. It returns immediately.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.stopped {
		return
	}
	p.running = true

	p.logger.Info("worker pool starting", "workers", p.workers, "queue_size", cap(p.tasks))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Submit enqueues t without blocking.
func (p *Pool) Submit(t Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if !p.running {
		return ErrStopped
	}
	select {
	case p.tasks <- t:
		return nil
	default:
		return ErrSaturated
	}
}

// Depth returns the number of queued, not yet started tasks.
func (p *Pool) Depth() int {
	return len(p.tasks)
}

// Stop rejects new work and waits for queued and running tasks to finish or
// for ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	close(p.tasks)
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", "queued", len(p.tasks))

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out with tasks still running")
		return fmt.Errorf("stop worker pool: %w", ctx.Err())
	}
}

func (p *Pool) worker(n int) {
	defer p.wg.Done()
	for t := range p.tasks {
		p.run(n, t)
	}
}

func (p *Pool) run(n int, t Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "worker", n, "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	t(context.Background())
}
