package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/glimte/courier-go/audit"
	"github.com/glimte/courier-go/contracts"
)

// Sink is a processing step of the pipeline
type Sink interface {
	Name() string
	InvokeRequest(ctx context.Context, req *contracts.RequestMessage) error
	InvokeReply(ctx context.Context, reply *contracts.ReplyMessage) error
}

// Pipeline runs sinks in order. The first failing sink aborts the rest.
type Pipeline struct {
	mu    sync.RWMutex
	sinks []Sink
}

// NewPipeline creates a pipeline of sinks
func NewPipeline(sinks ...Sink) *Pipeline {
	p := &Pipeline{}
	for _, s := range sinks {
		p.Add(s)
	}
	return p
}

// NewStandardPipeline creates the persistence then event handling pipeline
func NewStandardPipeline(store audit.Store, handlers *EventHandlers, opts ...PersistenceOption) *Pipeline {
	return NewPipeline(
		NewPersistenceSink(store, opts...),
		NewEventHandlingSink(handlers),
	)
}

// Add appends a sink
func (p *Pipeline) Add(s Sink) *Pipeline {
	if s == nil {
		return p
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sinks = append(p.sinks, s)
	return p
}

// Sinks returns the sinks in execution order
func (p *Pipeline) Sinks() []Sink {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Sink(nil), p.sinks...)
}

// ExecuteRequest runs every sink on req
func (p *Pipeline) ExecuteRequest(ctx context.Context, req *contracts.RequestMessage) error {
	for _, s := range p.Sinks() {
		if err := s.InvokeRequest(ctx, req); err != nil {
			return &SinkError{Sink: s.Name(), Err: err}
		}
	}
	return nil
}

// ExecuteReply runs every sink on reply
func (p *Pipeline) ExecuteReply(ctx context.Context, reply *contracts.ReplyMessage) error {
	for _, s := range p.Sinks() {
		if err := s.InvokeReply(ctx, reply); err != nil {
			return &SinkError{Sink: s.Name(), Err: err}
		}
	}
	return nil
}

// EventHandlingSink invokes the handler registered for the message event. Each message is
// looked up in the registry matching its direction; a missing handler is not an error.
type EventHandlingSink struct {
	registries []*EventHandlers
}

// NewEventHandlingSink creates a sink over one registry per direction
func NewEventHandlingSink(registries ...*EventHandlers) *EventHandlingSink {
	s := &EventHandlingSink{}
	for _, r := range registries {
		if r != nil {
			s.registries = append(s.registries, r)
		}
	}
	return s
}

// Name implements Sink
func (s *EventHandlingSink) Name() string { return "events" }

func (s *EventHandlingSink) registry(direction contracts.Direction) *EventHandlers {
	for _, r := range s.registries {
		if r.Direction() == direction {
			return r
		}
	}
	return nil
}

// InvokeRequest implements Sink
func (s *EventHandlingSink) InvokeRequest(ctx context.Context, req *contracts.RequestMessage) error {
	r := s.registry(req.GetDirection())
	if r == nil {
		return nil
	}
	if h := r.Request(req.GetEvent()); h != nil {
		return h.HandleRequest(ctx, req)
	}
	return nil
}

// InvokeReply implements Sink
func (s *EventHandlingSink) InvokeReply(ctx context.Context, reply *contracts.ReplyMessage) error {
	r := s.registry(reply.GetDirection())
	if r == nil {
		return nil
	}
	if h := r.Reply(reply.GetEvent()); h != nil {
		return h.HandleReply(ctx, reply)
	}
	return nil
}

// LoggingSink logs every message reaching it. Put it first to trace all traffic.
type LoggingSink struct {
	logger *slog.Logger
}

// NewLoggingSink creates a logging sink
func NewLoggingSink(logger *slog.Logger) *LoggingSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingSink{logger: logger}
}

// Name implements Sink
func (s *LoggingSink) Name() string { return "logging" }

// InvokeRequest implements Sink
func (s *LoggingSink) InvokeRequest(ctx context.Context, req *contracts.RequestMessage) error {
	s.log(ctx, req)
	return nil
}

// InvokeReply implements Sink
func (s *LoggingSink) InvokeReply(ctx context.Context, reply *contracts.ReplyMessage) error {
	s.log(ctx, reply)
	return nil
}

func (s *LoggingSink) log(ctx context.Context, msg contracts.Message) {
	s.logger.InfoContext(ctx, "processing message",
		"correlationId", msg.GetCorrelationID(),
		"event", msg.GetEvent(),
		"kind", msg.GetKind().String(),
		"direction", msg.GetDirection().String(),
		"thumbprint", msg.Thumbprint(),
	)
}
