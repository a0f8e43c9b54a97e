package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// State is the lifecycle state of a work item
type State int32

const (
	StateCreated State = iota
	StateQueued
	StateProcessing
	StateCompleted
	StateFailed
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateQueued:
		return "queued"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the state is final
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Func is the unit of work run by a WorkItem
type Func func(ctx context.Context) error

// PanicError is the error recorded when a work function panics
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("workqueue: work function panicked: %v", e.Value)
}

// WorkItem is a unit of asynchronous work with completion and error notification.
// It reaches exactly one terminal state and every attached hook fires exactly once.
type WorkItem struct {
	id   string
	name string
	fn   Func

	mu          sync.Mutex
	state       State
	err         error
	done        chan struct{}
	onCompleted []func(*WorkItem)
	onError     []func(*WorkItem, error)
}

// New creates a work item
func New(name string, fn Func) *WorkItem {
	return &WorkItem{
		id:    uuid.New().String(),
		name:  name,
		fn:    fn,
		state: StateCreated,
		done:  make(chan struct{}),
	}
}

// Failed creates a work item that has already failed with err.
// Hooks attached to it fire immediately.
func Failed(name string, err error) *WorkItem {
	item := New(name, nil)
	item.finish(err)
	return item
}

// ID returns the unique item id
func (w *WorkItem) ID() string { return w.id }

// Name returns the descriptive item name
func (w *WorkItem) Name() string { return w.name }

// State returns the current lifecycle state
func (w *WorkItem) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Err returns the failure cause once the item has failed
func (w *WorkItem) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed once the item reaches a terminal state and its hooks have run
func (w *WorkItem) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the item finishes or ctx is done. It returns the item error.
func (w *WorkItem) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// OnCompleted attaches a hook run when the item completes.
// If the item has already completed the hook runs immediately.
func (w *WorkItem) OnCompleted(fn func(*WorkItem)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	switch w.state {
	case StateCompleted:
		w.mu.Unlock()
		fn(w)
		return
	case StateFailed:
		w.mu.Unlock()
		return
	}
	w.onCompleted = append(w.onCompleted, fn)
	w.mu.Unlock()
}

// OnError attaches a hook run when the item fails.
// If the item has already failed the hook runs immediately.
func (w *WorkItem) OnError(fn func(*WorkItem, error)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	switch w.state {
	case StateFailed:
		err := w.err
		w.mu.Unlock()
		fn(w, err)
		return
	case StateCompleted:
		w.mu.Unlock()
		return
	}
	w.onError = append(w.onError, fn)
	w.mu.Unlock()
}

// Reject settles an item that was never queued with err, firing its error hooks.
// It reports false when the item was already queued or finished.
func (w *WorkItem) Reject(err error) bool {
	if err == nil {
		err = errors.New("workqueue: item rejected")
	}
	w.mu.Lock()
	if w.state != StateCreated {
		w.mu.Unlock()
		return false
	}
	// claim the item so that it can no longer be queued
	w.state = StateProcessing
	w.mu.Unlock()
	w.finish(err)
	return true
}

// markQueued moves a created item into the queued state
func (w *WorkItem) markQueued() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != StateCreated {
		return false
	}
	w.state = StateQueued
	return true
}

// run executes the work function and settles the item
func (w *WorkItem) run(ctx context.Context) {
	w.mu.Lock()
	w.state = StateProcessing
	w.mu.Unlock()

	w.finish(w.invoke(ctx))
}

func (w *WorkItem) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	if w.fn == nil {
		return nil
	}
	return w.fn(ctx)
}

// finish records the terminal state and fires hooks outside the lock
func (w *WorkItem) finish(err error) {
	w.mu.Lock()
	if w.state.Terminal() {
		w.mu.Unlock()
		return
	}
	completed, failed := w.onCompleted, w.onError
	w.onCompleted, w.onError = nil, nil
	if err != nil {
		w.state = StateFailed
		w.err = err
	} else {
		w.state = StateCompleted
	}
	w.mu.Unlock()
	defer close(w.done)

	if err != nil {
		for _, fn := range failed {
			fn(w, err)
		}
		return
	}
	for _, fn := range completed {
		fn(w)
	}
}
