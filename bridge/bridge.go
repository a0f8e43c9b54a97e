package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/workqueue"
)

var (
	// ErrClosed is returned by requests pending or started after Close
	ErrClosed = errors.New("bridge: closed")
	// ErrTooManyPending is returned when the pending request limit is reached
	ErrTooManyPending = errors.New("bridge: too many pending requests")
	// ErrDuplicateRequest is returned when a request with the same correlation id is pending
	ErrDuplicateRequest = errors.New("bridge: request already pending")
)

// ReplyError is returned with a failure reply
type ReplyError struct {
	CorrelationID string
	Event         string
	Reason        string
}

func (e *ReplyError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("bridge: %s %s failed", e.Event, e.CorrelationID)
	}
	return fmt.Sprintf("bridge: %s %s failed: %s", e.Event, e.CorrelationID, e.Reason)
}

// Publisher pushes requests out. *messaging.OutboundDispatcher implements it.
type Publisher interface {
	PushRequest(ctx context.Context, req *contracts.RequestMessage) *workqueue.WorkItem
}

// ReplyRegistry accepts reply handlers. *messaging.EventHandlers implements it.
type ReplyRegistry interface {
	RegisterReply(event string, handler messaging.ReplyHandler) error
}

type pendingRequest struct {
	replies chan *contracts.ReplyMessage
}

// Bridge turns the asynchronous request/reply exchange into a blocking call
type Bridge struct {
	publisher      Publisher
	registry       ReplyRegistry
	breaker        *reliability.CircuitBreaker
	maxPending     int
	defaultTimeout time.Duration
	logger         *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRequest
	watched map[string]struct{}
	done    chan struct{}
	closed  bool
}

// Option configures a Bridge
type Option func(*Bridge)

// WithMaxPendingRequests limits the number of requests waiting for a reply
func WithMaxPendingRequests(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.maxPending = n
		}
	}
}

// WithDefaultTimeout sets the wait applied to requests whose context has no deadline
func WithDefaultTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.defaultTimeout = d
		}
	}
}

// WithCircuitBreaker guards sends with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(b *Bridge) {
		b.breaker = cb
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates a bridge sending through publisher and receiving replies registered in registry
func New(publisher Publisher, registry ReplyRegistry, opts ...Option) *Bridge {
	b := &Bridge{
		publisher:      publisher,
		registry:       registry,
		maxPending:     1000,
		defaultTimeout: 30 * time.Second,
		logger:         slog.Default(),
		pending:        make(map[string]*pendingRequest),
		watched:        make(map[string]struct{}),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Request sends req and blocks until its reply arrives, ctx is done or the bridge closes
func (b *Bridge) Request(ctx context.Context, req *contracts.RequestMessage) (*contracts.ReplyMessage, error) {
	if req == nil {
		return nil, errors.New("bridge: request cannot be nil")
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.defaultTimeout)
		defer cancel()
	}

	correlationID := req.GetCorrelationID()
	p, err := b.register(req.GetEvent(), correlationID)
	if err != nil {
		return nil, err
	}
	defer b.unregister(correlationID)

	send := func() error {
		return b.publisher.PushRequest(ctx, req).Wait(ctx)
	}
	if b.breaker != nil {
		err = b.breaker.Execute(ctx, send)
	} else {
		err = send()
	}
	if err != nil {
		return nil, fmt.Errorf("bridge: failed to send %s: %w", correlationID, err)
	}
	b.logger.Debug("request sent, waiting for reply", "correlationId", correlationID, "event", req.GetEvent())

	select {
	case reply := <-p.replies:
		if reply.GetStatus() == contracts.StatusFailure {
			return reply, &ReplyError{
				CorrelationID: correlationID,
				Event:         reply.GetEvent(),
				Reason:        failureReason(reply),
			}
		}
		return reply, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("bridge: no reply to %s: %w", correlationID, ctx.Err())
	case <-b.done:
		return nil, ErrClosed
	}
}

func failureReason(reply *contracts.ReplyMessage) string {
	v, ok := reply.Content().Get("error")
	if !ok {
		return ""
	}
	if s, ok := v.AsString(); ok {
		return s
	}
	return ""
}

func (b *Bridge) register(event, correlationID string) (*pendingRequest, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, exists := b.pending[correlationID]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, correlationID)
	}
	if len(b.pending) >= b.maxPending {
		return nil, ErrTooManyPending
	}
	if _, ok := b.watched[event]; !ok {
		if err := b.registry.RegisterReply(event, messaging.ReplyHandlerFunc(b.HandleReply)); err != nil {
			return nil, err
		}
		b.watched[event] = struct{}{}
	}

	p := &pendingRequest{replies: make(chan *contracts.ReplyMessage, 1)}
	b.pending[correlationID] = p
	return p, nil
}

func (b *Bridge) unregister(correlationID string) {
	b.mu.Lock()
	delete(b.pending, correlationID)
	b.mu.Unlock()
}

// HandleReply delivers reply to its pending request. Replies nobody waits for are ignored.
func (b *Bridge) HandleReply(ctx context.Context, reply *contracts.ReplyMessage) error {
	b.mu.Lock()
	p, ok := b.pending[reply.GetCorrelationID()]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case p.replies <- reply:
	default:
		b.logger.Warn("duplicate reply dropped", "correlationId", reply.GetCorrelationID(), "event", reply.GetEvent())
	}
	return nil
}

// Pending returns the number of requests waiting for a reply
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Close releases every pending request with ErrClosed
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.done)
	return nil
}
