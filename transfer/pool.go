// Package transfer runs upload and download tasks on a bounded worker
// pool. An independent concurrency gate caps simultaneous in-flight
// operations regardless of pool size, and each submission returns a
// future-like handle that can be waited on or cancelled.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/wolfeidau/artifact-sync/telemetry"
)

// ErrPoolClosed is returned by Submit after Shutdown.
var ErrPoolClosed = errors.New("transfer: pool closed")

// ErrCancelled is the terminal error of a cancelled task.
var ErrCancelled = errors.New("transfer: task cancelled")

const (
	// DefaultWorkers is the worker goroutine count.
	DefaultWorkers = 4

	// DefaultMaxInflight caps concurrently executing tasks.
	DefaultMaxInflight = 8
)

// TaskFunc is the work one task performs. The context is cancelled
// when the task or the whole pool is cancelled; a well-behaved fn
// checks it between attempts, so cancellation prevents not-yet-started
// work and pending retries rather than corrupting a transfer.
type TaskFunc func(ctx context.Context) error

type taskState int32

const (
	statePending taskState = iota
	stateRunning
	stateDone
	stateCancelled
)

// Task is the handle for one submitted transfer.
type Task struct {
	id   string
	name string

	state  atomic.Int32
	done   chan struct{}
	err    error
	cancel context.CancelFunc
}

// ID returns the unique task id.
func (t *Task) ID() string {
	return t.id
}

// Name returns the caller-supplied task name.
func (t *Task) Name() string {
	return t.name
}

// Cancel requests cancellation. A task that has not started never
// runs; a running task's context is cancelled, which stops pending
// retries. Cancelling a finished task is a no-op.
func (t *Task) Cancel() {
	t.state.CompareAndSwap(int32(statePending), int32(stateCancelled))
	t.cancel()
}

// Wait blocks until the task finishes and returns its terminal error:
// nil on success, ErrCancelled if cancelled, or the task's failure.
// The ctx bounds the wait only; an expired ctx does not cancel the task.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result captures one task's outcome in a bulk submission. A failed
// item never disturbs its siblings.
type Result struct {
	ID   string
	Name string
	Err  error
}

// Pool is a bounded worker pool for transfer tasks.
type Pool struct {
	queue  chan *submission
	gate   *semaphore.Weighted
	logger *slog.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	// mu guards closed and excludes queue sends (read side) from the
	// close of the queue (write side).
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type submission struct {
	task *Task
	fn   TaskFunc
	ctx  context.Context
}

// PoolOption configures a Pool.
type PoolOption func(*poolConfig)

type poolConfig struct {
	workers     int
	maxInflight int
	queueDepth  int
	logger      *slog.Logger
}

// WithWorkers sets the worker goroutine count.
func WithWorkers(n int) PoolOption {
	return func(c *poolConfig) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithMaxInflight caps simultaneously executing tasks independently of
// the worker count.
func WithMaxInflight(n int) PoolOption {
	return func(c *poolConfig) {
		if n > 0 {
			c.maxInflight = n
		}
	}
}

// WithQueueDepth sets the submission queue depth.
func WithQueueDepth(n int) PoolOption {
	return func(c *poolConfig) {
		if n > 0 {
			c.queueDepth = n
		}
	}
}

// WithPoolLogger sets the logger.
func WithPoolLogger(logger *slog.Logger) PoolOption {
	return func(c *poolConfig) {
		c.logger = logger
	}
}

// NewPool creates and starts a pool.
func NewPool(opts ...PoolOption) *Pool {
	cfg := &poolConfig{
		workers:     DefaultWorkers,
		maxInflight: DefaultMaxInflight,
		queueDepth:  256,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	p := &Pool{
		queue:      make(chan *submission, cfg.queueDepth),
		gate:       semaphore.NewWeighted(int64(cfg.maxInflight)),
		logger:     cfg.logger,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}

	for i := 0; i < cfg.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Submit enqueues a task and returns its handle. It fails fast with
// ErrPoolClosed after Shutdown, and with ErrCancelled when CancelAll
// interrupts a submission blocked on a full queue. A blocked Submit
// never holds the pool's write lock, so concurrent submissions and a
// pending Shutdown are not serialized behind it.
func (p *Pool) Submit(name string, fn TaskFunc) (*Task, error) {
	taskCtx, cancel := context.WithCancel(p.baseCtx)
	t := &Task{
		id:     uuid.NewString(),
		name:   name,
		done:   make(chan struct{}),
		cancel: cancel,
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		cancel()
		return nil, ErrPoolClosed
	}

	select {
	case p.queue <- &submission{task: t, fn: fn, ctx: taskCtx}:
		return t, nil
	case <-taskCtx.Done():
		cancel()
		return nil, ErrCancelled
	}
}

// SubmitAll submits every task and waits for all of them, collecting
// per-item results in submission order. One failure never cancels or
// corrupts sibling tasks.
func (p *Pool) SubmitAll(ctx context.Context, names []string, fns []TaskFunc) ([]Result, error) {
	if len(names) != len(fns) {
		return nil, fmt.Errorf("mismatched names and tasks: %d vs %d", len(names), len(fns))
	}

	tasks := make([]*Task, len(fns))
	results := make([]Result, len(fns))
	for i, fn := range fns {
		t, err := p.Submit(names[i], fn)
		if err != nil {
			results[i] = Result{Name: names[i], Err: err}
			continue
		}
		tasks[i] = t
	}

	for i, t := range tasks {
		if t == nil {
			continue
		}
		results[i] = Result{ID: t.ID(), Name: t.Name(), Err: t.Wait(ctx)}
	}
	return results, nil
}

// CancelAll cancels every pending and running task. Already finished
// tasks are unaffected.
func (p *Pool) CancelAll() {
	p.cancelBase()
}

// Shutdown stops accepting submissions and waits for queued and
// running tasks to drain, bounded by ctx.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for sub := range p.queue {
		p.run(sub)
	}
}

func (p *Pool) run(sub *submission) {
	t := sub.task

	if !t.state.CompareAndSwap(int32(statePending), int32(stateRunning)) {
		// Cancelled before it started: never runs.
		t.finish(ErrCancelled)
		return
	}

	// The concurrency gate is independent of the worker count. Waiting
	// here is interruptible by task cancellation.
	if err := p.gate.Acquire(sub.ctx, 1); err != nil {
		t.state.Store(int32(stateCancelled))
		t.finish(ErrCancelled)
		return
	}
	defer p.gate.Release(1)

	err := sub.fn(sub.ctx)
	switch {
	case err == nil:
		t.state.Store(int32(stateDone))
		t.finish(nil)
	case sub.ctx.Err() != nil:
		t.state.Store(int32(stateCancelled))
		t.finish(ErrCancelled)
	default:
		t.state.Store(int32(stateDone))
		t.finish(err)
	}
}

func (t *Task) finish(err error) {
	t.err = err
	t.cancel()
	close(t.done)

	outcome := "success"
	switch {
	case errors.Is(err, ErrCancelled):
		outcome = "cancelled"
	case err != nil:
		outcome = "failure"
	}
	telemetry.RecordTransferTask(context.Background(), outcome)
}
