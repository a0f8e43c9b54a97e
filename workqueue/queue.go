package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
)

var (
	// ErrQueueStopped is returned when enqueueing to or starting a stopped queue
	ErrQueueStopped = errors.New("workqueue: queue stopped")
	// ErrQueueRunning is returned when starting a queue twice
	ErrQueueRunning = errors.New("workqueue: queue already running")
	// ErrItemAlreadyQueued is returned when an item is enqueued more than once
	ErrItemAlreadyQueued = errors.New("workqueue: item already queued")
)

// Queue runs work items on a fixed pool of workers in FIFO order
type Queue struct {
	name        string
	concurrency int
	logger      *slog.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []*WorkItem
	running  bool
	stopping bool
	wg       sync.WaitGroup
}

// QueueOption configures a Queue
type QueueOption func(*Queue)

// WithConcurrency sets the number of workers. Values below one are ignored.
func WithConcurrency(n int) QueueOption {
	return func(q *Queue) {
		if n > 0 {
			q.concurrency = n
		}
	}
}

// WithQueueName sets the name used in logs
func WithQueueName(name string) QueueOption {
	return func(q *Queue) {
		q.name = name
	}
}

// WithQueueLogger sets the logger
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

// NewQueue creates a queue. It accepts items immediately but runs them only after Start.
func NewQueue(opts ...QueueOption) *Queue {
	q := &Queue{
		name:        "default",
		concurrency: runtime.NumCPU(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

// Concurrency returns the number of workers
func (q *Queue) Concurrency() int { return q.concurrency }

// Len returns the number of items waiting for a worker
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Start launches the workers. Work functions receive ctx without its cancellation, so
// items already accepted run to completion; the queue stops only through Stop.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		return ErrQueueStopped
	}
	if q.running {
		return ErrQueueRunning
	}
	q.running = true

	runCtx := context.WithoutCancel(ctx)
	for i := 0; i < q.concurrency; i++ {
		q.wg.Add(1)
		go q.worker(runCtx)
	}

	q.logger.Debug("work queue started", "queue", q.name, "concurrency", q.concurrency)
	return nil
}

// Stop stops accepting items, waits for pending and in-flight items to finish, then returns.
// On a queue that was never started, pending items fail with ErrQueueStopped.
func (q *Queue) Stop() {
	q.shutdown()
	q.wg.Wait()
	q.logger.Debug("work queue stopped", "queue", q.name)
}

// Enqueue submits an item for execution
func (q *Queue) Enqueue(item *WorkItem) error {
	if item == nil {
		return errors.New("workqueue: item cannot be nil")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.stopping {
		return ErrQueueStopped
	}
	if !item.markQueued() {
		return ErrItemAlreadyQueued
	}
	q.pending = append(q.pending, item)
	q.cond.Signal()
	return nil
}

func (q *Queue) shutdown() {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return
	}
	q.stopping = true
	q.cond.Broadcast()

	var orphaned []*WorkItem
	if !q.running {
		orphaned, q.pending = q.pending, nil
	}
	q.mu.Unlock()

	for _, item := range orphaned {
		item.finish(ErrQueueStopped)
	}
}

func (q *Queue) next() (*WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.pending) == 0 {
		if q.stopping {
			return nil, false
		}
		q.cond.Wait()
	}
	item := q.pending[0]
	q.pending[0] = nil
	q.pending = q.pending[1:]
	return item, true
}

func (q *Queue) worker(ctx context.Context) {
	defer q.wg.Done()

	for {
		item, ok := q.next()
		if !ok {
			return
		}
		item.run(ctx)
		if err := item.Err(); err != nil {
			var panicErr *PanicError
			if errors.As(err, &panicErr) {
				q.logger.Error("work item panicked",
					"queue", q.name,
					"itemId", item.ID(),
					"item", item.Name(),
					"error", err,
				)
			}
		}
	}
}
