package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Kind selects how a Governor sizes its workers and queue.
type Kind string

const (
	// KindParallel runs one worker per CPU with no queue.
	KindParallel Kind = "parallel"
	// KindNewParallel runs PoolSize workers with no queue.
	KindNewParallel Kind = "newParallel"
	// KindBoundedElastic runs PoolSize workers behind a queue of QueueSize
	// tasks. Suited to blocking work.
	KindBoundedElastic Kind = "newBoundedElastic"
)

const (
	DefaultPoolSize  = 8
	DefaultQueueSize = 256
)

// ErrClosed is returned when submitting to a closed Governor.
var ErrClosed = errors.New("scheduler closed")

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindParallel, KindNewParallel, KindBoundedElastic:
		return k, nil
	default:
		return "", fmt.Errorf("unknown scheduler kind %q", s)
	}
}

// Config sizes a Governor.
type Config struct {
	Kind      Kind
	PoolSize  int
	QueueSize int
}

// Validate checks the sizing is usable for the kind.
func (c Config) Validate() error {
	var errs []error
	if _, err := ParseKind(string(c.Kind)); err != nil {
		errs = append(errs, err)
	}
	if c.Kind != KindParallel && c.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("pool size must be >= 1, got %d", c.PoolSize))
	}
	if c.Kind == KindBoundedElastic && c.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("queue size must be >= 1, got %d", c.QueueSize))
	}
	return errors.Join(errs...)
}

// Executor runs tasks off the caller's goroutine.
type Executor interface {
	// Submit hands task to a worker. It blocks while all workers are busy
	// and the queue, if any, is full.
	Submit(ctx context.Context, task func()) error
}

// Governor is a fixed set of workers fed from one channel. Submit applies
// backpressure instead of growing the pool.
type Governor struct {
	kind    Kind
	workers int
	tasks   chan func()
	quit    chan struct{}
	pool    *pool.Pool
	log     *zap.SugaredLogger

	mu     sync.RWMutex
	closed bool
	once   sync.Once
}

// New starts the workers for cfg. Close must be called to stop them.
func New(cfg Config, log *zap.SugaredLogger) (*Governor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scheduler config: %w", err)
	}

	workers, queue := cfg.PoolSize, 0
	switch cfg.Kind {
	case KindParallel:
		workers = runtime.GOMAXPROCS(0)
	case KindBoundedElastic:
		queue = cfg.QueueSize
	}

	g := &Governor{
		kind:    cfg.Kind,
		workers: workers,
		tasks:   make(chan func(), queue),
		quit:    make(chan struct{}),
		pool:    pool.New().WithMaxGoroutines(workers),
		log:     log,
	}
	for range workers {
		g.pool.Go(g.work)
	}

	log.Infow("scheduler started", "kind", cfg.Kind, "workers", workers, "queue", queue)
	return g, nil
}

func (g *Governor) work() {
	for task := range g.tasks {
		var pc panics.Catcher
		pc.Try(task)
		if r := pc.Recovered(); r != nil {
			g.log.Errorw("task panicked", "kind", g.kind, "panic", r.Value)
		}
	}
}

// Submit queues task or waits for a free worker. It returns ErrClosed once
// Close has been called, or ctx.Err() if ctx ends first.
func (g *Governor) Submit(ctx context.Context, task func()) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}

	select {
	case g.tasks <- task:
		return nil
	case <-g.quit:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Workers returns the number of worker goroutines.
func (g *Governor) Workers() int {
	return g.workers
}

// Pending returns the number of queued tasks not yet picked up.
func (g *Governor) Pending() int {
	return len(g.tasks)
}

// Close rejects new tasks, runs what is already queued and waits for the
// workers to exit. Calling Close more than once does nothing.
func (g *Governor) Close() {
	g.once.Do(func() {
		close(g.quit)

		g.mu.Lock()
		g.closed = true
		close(g.tasks)
		g.mu.Unlock()

		g.pool.Wait()
		g.log.Infow("scheduler stopped", "kind", g.kind)
	})
}

// Call runs fn on ex and waits for its result. A panic in fn is returned as
// an error.
func Call[T any](ctx context.Context, ex Executor, fn func() (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)

	err := ex.Submit(ctx, func() {
		var r result
		var pc panics.Catcher
		pc.Try(func() { r.v, r.err = fn() })
		if rec := pc.Recovered(); rec != nil {
			r.err = rec.AsError()
		}
		done <- r
	})
	if err != nil {
		var zero T
		return zero, err
	}

	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
