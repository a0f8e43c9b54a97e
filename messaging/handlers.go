package messaging

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/glimte/courier-go/contracts"
)

// RequestHandler reacts to a request event
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *contracts.RequestMessage) error
}

// RequestHandlerFunc is a function adapter for RequestHandler
type RequestHandlerFunc func(ctx context.Context, req *contracts.RequestMessage) error

// HandleRequest implements RequestHandler
func (f RequestHandlerFunc) HandleRequest(ctx context.Context, req *contracts.RequestMessage) error {
	return f(ctx, req)
}

// ReplyHandler reacts to a reply event
type ReplyHandler interface {
	HandleReply(ctx context.Context, reply *contracts.ReplyMessage) error
}

// ReplyHandlerFunc is a function adapter for ReplyHandler
type ReplyHandlerFunc func(ctx context.Context, reply *contracts.ReplyMessage) error

// HandleReply implements ReplyHandler
func (f ReplyHandlerFunc) HandleReply(ctx context.Context, reply *contracts.ReplyMessage) error {
	return f(ctx, reply)
}

// requestHandlers runs handlers in registration order, stopping at the first error
type requestHandlers []RequestHandler

func (hs requestHandlers) HandleRequest(ctx context.Context, req *contracts.RequestMessage) error {
	for _, h := range hs {
		if err := h.HandleRequest(ctx, req); err != nil {
			return err
		}
	}
	return nil
}

type replyHandlers []ReplyHandler

func (hs replyHandlers) HandleReply(ctx context.Context, reply *contracts.ReplyMessage) error {
	for _, h := range hs {
		if err := h.HandleReply(ctx, reply); err != nil {
			return err
		}
	}
	return nil
}

// EventHandlers maps event names to handlers for one direction. Lookups are case-sensitive.
type EventHandlers struct {
	direction contracts.Direction

	mu       sync.RWMutex
	requests map[string]requestHandlers
	replies  map[string]replyHandlers
}

// NewEventHandlers creates an empty registry for direction
func NewEventHandlers(direction contracts.Direction) *EventHandlers {
	return &EventHandlers{
		direction: direction,
		requests:  make(map[string]requestHandlers),
		replies:   make(map[string]replyHandlers),
	}
}

// Direction returns the direction served by the registry
func (r *EventHandlers) Direction() contracts.Direction {
	return r.direction
}

// RegisterRequest registers a request handler. Handlers registered under the same event
// are all invoked in registration order.
func (r *EventHandlers) RegisterRequest(event string, handler RequestHandler) error {
	if strings.TrimSpace(event) == "" {
		return errors.New("messaging: event cannot be empty")
	}
	if handler == nil {
		return errors.New("messaging: handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests[event] = append(r.requests[event], handler)
	return nil
}

// RegisterReply registers a reply handler. Handlers registered under the same event are
// all invoked in registration order.
func (r *EventHandlers) RegisterReply(event string, handler ReplyHandler) error {
	if strings.TrimSpace(event) == "" {
		return errors.New("messaging: event cannot be empty")
	}
	if handler == nil {
		return errors.New("messaging: handler cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies[event] = append(r.replies[event], handler)
	return nil
}

// Request returns the handler for a request event, or nil when none is registered
func (r *EventHandlers) Request(event string) RequestHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := r.requests[event]
	switch len(hs) {
	case 0:
		return nil
	case 1:
		return hs[0]
	default:
		return append(requestHandlers(nil), hs...)
	}
}

// Reply returns the handler for a reply event, or nil when none is registered
func (r *EventHandlers) Reply(event string) ReplyHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := r.replies[event]
	switch len(hs) {
	case 0:
		return nil
	case 1:
		return hs[0]
	default:
		return append(replyHandlers(nil), hs...)
	}
}

// Events returns the sorted names of every event with a registered handler
func (r *EventHandlers) Events() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{}, len(r.requests)+len(r.replies))
	for event := range r.requests {
		seen[event] = struct{}{}
	}
	for event := range r.replies {
		seen[event] = struct{}{}
	}
	events := make([]string, 0, len(seen))
	for event := range seen {
		events = append(events, event)
	}
	sort.Strings(events)
	return events
}
