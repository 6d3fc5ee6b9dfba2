package control

import (
	"context"
	"fmt"
	"sync"
)

// maxPendingTasks is the queue length beyond which the queue is shed.
const maxPendingTasks = 30

// TaskFunc is one unit of exclusive work on a session.
type TaskFunc func(ctx context.Context) (any, error)

type task struct {
	ctx    context.Context
	cancel context.CancelFunc
	fn     TaskFunc

	once sync.Once
	done chan struct{}
	val  any
	err  error
}

// settle records the first result; later calls are ignored.
func (t *task) settle(val any, err error) {
	t.once.Do(func() {
		t.val, t.err = val, err
		close(t.done)
	})
}

// taskQueue runs tasks strictly one at a time in enqueue order.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - A single worker goroutine runs while tasks are pending and exits when
//     the queue drains.
//
// Overflow:
//   - When more than maxPendingTasks are waiting, every waiting task and the
//     in-flight task are rejected with ErrQueueOverflow and the in-flight
//     task's context is cancelled. The new task then runs once the cancelled
//     task has returned, so tasks never overlap.
type taskQueue struct {
	name   string
	logger Logger

	mu      sync.Mutex
	pending []*task
	current *task
	running bool
	closed  bool
}

func newTaskQueue(name string, logger Logger) *taskQueue {
	return &taskQueue{name: name, logger: logger}
}

// add enqueues fn and blocks until it has run, been shed, or ctx ended.
func (q *taskQueue) add(ctx context.Context, fn TaskFunc) (any, error) {
	tctx, cancel := context.WithCancel(ctx)
	t := &task{ctx: tctx, cancel: cancel, fn: fn, done: make(chan struct{})}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		cancel()
		return nil, ErrClosed
	}
	if len(q.pending) > maxPendingTasks {
		q.logger.Error("task queue exceeds max length, clearing queue",
			"session", q.name,
			"pending", len(q.pending),
		)
		q.shedLocked(ErrQueueOverflow)
	}
	q.pending = append(q.pending, t)
	if !q.running {
		q.running = true
		go q.run()
	}
	q.mu.Unlock()

	select {
	case <-t.done:
	case <-ctx.Done():
		t.settle(nil, ctx.Err())
	}
	return t.val, t.err
}

// shedLocked rejects every pending task and the in-flight one. Caller holds q.mu.
func (q *taskQueue) shedLocked(err error) {
	for _, t := range q.pending {
		t.settle(nil, err)
		t.cancel()
	}
	q.pending = nil
	if q.current != nil {
		q.current.settle(nil, err)
		q.current.cancel()
	}
}

// close rejects everything with ErrClosed and refuses new tasks.
func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.shedLocked(ErrClosed)
}

// length returns the number of tasks waiting to run.
func (q *taskQueue) length() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *taskQueue) run() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.current = nil
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.current = t
		q.mu.Unlock()

		q.exec(t)
		t.cancel()

		q.mu.Lock()
		if q.current == t {
			q.current = nil
		}
		q.mu.Unlock()
	}
}

func (q *taskQueue) exec(t *task) {
	if err := t.ctx.Err(); err != nil {
		t.settle(nil, err)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked", "session", q.name, "panic", r)
			t.settle(nil, fmt.Errorf("control: task panic: %v", r))
		}
	}()

	val, err := t.fn(t.ctx)
	if err != nil {
		q.logger.Warn("task failed", "session", q.name, "error", err)
	}
	t.settle(val, err)
}

// Do runs fn on the session's task queue and returns its typed result.
func Do[T any](ctx context.Context, s interface {
	AddTask(context.Context, TaskFunc) (any, error)
}, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := s.AddTask(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	out, ok := v.(T)
	if !ok && v != nil {
		return zero, fmt.Errorf("%w: task returned %T", ErrProtocol, v)
	}
	return out, nil
}
