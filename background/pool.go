// Package background runs fire-and-forget work that must outlive the request
// that triggered it.
//
// Callers hand a task to a Spawner and return immediately. They never wait for
// the task and never see its errors. A task may be dropped when the pool is
// saturated or shutting down; work submitted here must tolerate that loss.
//
//	pool := background.NewPool(background.Config{Workers: 4, QueueSize: 256})
//	defer pool.Shutdown(ctx)
//
//	pool.Go("increment_counters", func(ctx context.Context) {
//		counters.IncrementAll(ctx)
//	})
package background

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nhalm/canonlog"
	"github.com/nhalm/installrelay/metrics"
)

var (
	// ErrQueueFull is logged when a task is dropped because the queue is at capacity.
	ErrQueueFull = errors.New("background: queue full")

	// ErrStopped is logged when a task is submitted after Shutdown.
	ErrStopped = errors.New("background: pool stopped")
)

// Spawner schedules a task without blocking the caller.
type Spawner interface {
	Go(name string, task func(ctx context.Context))
}

// Inline runs each task synchronously on the caller's goroutine with a
// background context. Useful in tests that need to observe task effects.
type Inline struct{}

// Go runs task immediately.
func (Inline) Go(name string, task func(ctx context.Context)) {
	run(context.Background(), name, task, nil)
}

// Config holds worker pool configuration.
type Config struct {
	// Workers is the number of goroutines draining the queue (default: 4)
	Workers int

	// QueueSize bounds the number of pending tasks (default: 256)
	QueueSize int

	// TaskTimeout bounds each task's context (default: 10s)
	TaskTimeout time.Duration

	// Metrics receives task outcomes (optional)
	Metrics *metrics.Metrics
}

type job struct {
	name string
	fn   func(ctx context.Context)
}

// Pool is a bounded Spawner backed by a fixed set of workers.
type Pool struct {
	cfg    Config
	queue  chan job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	stopped bool
}

// NewPool starts cfg.Workers goroutines. Call Shutdown to stop them.
func NewPool(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		cfg:    cfg,
		queue:  make(chan job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
	}

	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p
}

// Go enqueues task. If the queue is full or the pool is stopped the task is
// dropped and logged; Go never blocks.
func (p *Pool) Go(name string, task func(ctx context.Context)) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		p.drop(name, ErrStopped)
		return
	}

	select {
	case p.queue <- job{name: name, fn: task}:
	default:
		p.drop(name, ErrQueueFull)
	}
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	return len(p.queue)
}

// Shutdown stops accepting tasks and waits for queued and running tasks to
// finish. If ctx ends first, running tasks are cancelled and ctx.Err() is returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		return fmt.Errorf("background pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for j := range p.queue {
		ctx, cancel := context.WithTimeout(p.ctx, p.cfg.TaskTimeout)
		run(ctx, j.name, j.fn, p.cfg.Metrics)
		cancel()
	}
}

func (p *Pool) drop(name string, reason error) {
	p.cfg.Metrics.ObserveTask(metrics.TaskDropped)

	ctx := canonlog.NewContext(context.Background())
	canonlog.InfoAddMany(ctx, map[string]any{
		"task":   name,
		"result": metrics.TaskDropped,
	})
	canonlog.ErrorAdd(ctx, reason)
	canonlog.Flush(ctx)
}

// run executes fn with its own canonical log line and panic boundary.
func run(parent context.Context, name string, fn func(ctx context.Context), m *metrics.Metrics) {
	ctx := canonlog.NewContext(parent)
	start := time.Now()
	result := metrics.TaskCompleted

	defer func() {
		if rec := recover(); rec != nil {
			result = metrics.TaskPanicked
			canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
		}
		m.ObserveTask(result)
		canonlog.InfoAddMany(ctx, map[string]any{
			"task":        name,
			"result":      result,
			"duration_ms": time.Since(start).Milliseconds(),
		})
		canonlog.Flush(ctx)
	}()

	fn(ctx)
}
