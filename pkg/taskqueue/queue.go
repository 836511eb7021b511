// Package taskqueue runs finalize, unfinalize and export tasks on a bounded
// pool of workers.
package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrClosed is returned by Submit once Shutdown has started.
	ErrClosed = errors.New("task queue is shutting down")
	// ErrFull is returned by TrySubmit when the buffer is full.
	ErrFull = errors.New("task queue is full")
)

// Func is a unit of work.
type Func func(ctx context.Context) error

// Task is a named unit of work. Name only appears in logs.
type Task struct {
	Name string
	Run  Func
}

// Future resolves once its task finishes.
type Future struct {
	done chan struct{}
	err  error
}

// Done is closed when the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx ends.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err returns the task error. It is only meaningful after Done is closed.
func (f *Future) Err() error {
	return f.err
}

func (f *Future) resolve(err error) {
	f.err = err
	close(f.done)
}

type item struct {
	task   Task
	future *Future
}

// Queue is a fixed pool of workers fed by a buffered channel.
type Queue struct {
	logger  *zap.Logger
	workers int
	timeout time.Duration

	ch   chan item
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.RWMutex
	closed bool
}

// Option configures a Queue.
type Option func(*Queue)

// WithWorkers sets the number of workers.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithQueueSize sets the channel buffer.
func WithQueueSize(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.ch = make(chan item, n)
		}
	}
}

// WithTaskTimeout bounds each task. Zero disables the bound.
func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.timeout = d
		}
	}
}

// New starts a queue.
func New(logger *zap.Logger, opts ...Option) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &Queue{
		logger:  logger,
		workers: 2,
		ch:      make(chan item, 64),
	}
	for _, o := range opts {
		o(q)
	}
	q.start()
	return q
}

func (q *Queue) start() {
	q.once.Do(func() {
		for i := 0; i < q.workers; i++ {
			q.wg.Add(1)
			go func(workerID int) {
				defer q.wg.Done()
				q.logger.Debug("worker started", zap.Int("worker_id", workerID))

				for it := range q.ch {
					err := q.run(it.task)
					if err != nil {
						q.logger.Error("task failed", zap.Int("worker_id", workerID), zap.String("task", it.task.Name), zap.Error(err))
					} else {
						q.logger.Debug("task done", zap.Int("worker_id", workerID), zap.String("task", it.task.Name))
					}
					it.future.resolve(err)
				}

				q.logger.Debug("worker stopped", zap.Int("worker_id", workerID))
			}(i + 1)
		}
	})
}

func (q *Queue) run(task Task) (err error) {
	ctx := context.Background()
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", zap.String("task", task.Name), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("task %s panicked: %v", task.Name, r)
		}
	}()
	return task.Run(ctx)
}

// Submit enqueues a task. It blocks while the buffer is full, until ctx ends.
func (q *Queue) Submit(ctx context.Context, task Task) (*Future, error) {
	if task.Run == nil {
		return nil, errors.New("task has no func")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	f := &Future{done: make(chan struct{})}
	select {
	case q.ch <- item{task: task, future: f}:
		return f, nil
	default:
	}

	q.logger.Warn("queue full, applying backpressure", zap.String("task", task.Name))
	select {
	case q.ch <- item{task: task, future: f}:
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TrySubmit enqueues a task without waiting. It returns ErrFull when the
// buffer has no room. Tasks that run on a worker use it to queue follow-up
// work.
func (q *Queue) TrySubmit(task Task) (*Future, error) {
	if task.Run == nil {
		return nil, errors.New("task has no func")
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return nil, ErrClosed
	}

	f := &Future{done: make(chan struct{})}
	select {
	case q.ch <- item{task: task, future: f}:
		return f, nil
	default:
		return nil, ErrFull
	}
}

// Shutdown stops accepting tasks and waits for queued ones to drain.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.ch)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() { defer close(done); q.wg.Wait() }()

	select {
	case <-ctx.Done():
		q.logger.Warn("shutdown interrupted by context")
		return ctx.Err()
	case <-done:
		q.logger.Debug("queue drained, shutdown complete")
		return nil
	}
}

// Completed returns an already resolved Future.
func Completed(err error) *Future {
	f := &Future{done: make(chan struct{})}
	f.resolve(err)
	return f
}
