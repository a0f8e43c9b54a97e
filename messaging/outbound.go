package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"

	"github.com/glimte/courier-go/audit"
	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/workqueue"
)

// OutboundDispatcher processes messages pushed by callers and broadcasts them to every
// Broadcaster channel once processed. Failures are logged only.
type OutboundDispatcher struct {
	pipeline    *Pipeline
	queue       *workqueue.Queue
	logger      *slog.Logger
	concurrency int
	outcomes    audit.Store

	mu       sync.RWMutex
	channels []channels.Broadcaster
	ctx      context.Context
}

// OutboundOption configures an OutboundDispatcher
type OutboundOption func(*OutboundDispatcher)

// WithConcurrency sets the number of workers. The default is the number of CPUs.
func WithConcurrency(n int) OutboundOption {
	return func(d *OutboundDispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithOutboundLogger sets the logger
func WithOutboundLogger(logger *slog.Logger) OutboundOption {
	return func(d *OutboundDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithOutboundOutcomes records the final status of processed messages in store
func WithOutboundOutcomes(store audit.Store) OutboundOption {
	return func(d *OutboundDispatcher) {
		d.outcomes = store
	}
}

// NewOutboundDispatcher creates a dispatcher running pipeline
func NewOutboundDispatcher(pipeline *Pipeline, opts ...OutboundOption) *OutboundDispatcher {
	d := &OutboundDispatcher{
		pipeline:    pipeline,
		logger:      slog.Default(),
		concurrency: runtime.NumCPU(),
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = workqueue.NewQueue(
		workqueue.WithConcurrency(d.concurrency),
		workqueue.WithQueueName("outbound"),
		workqueue.WithQueueLogger(d.logger),
	)
	return d
}

// AddChannel adds a channel to broadcast to
func (d *OutboundDispatcher) AddChannel(ch channels.Broadcaster) error {
	if ch == nil {
		return errors.New("messaging: channel cannot be nil")
	}
	ch.OnChannelError(logChannelError(d.logger))

	d.mu.Lock()
	defer d.mu.Unlock()
	d.channels = append(d.channels, ch)
	return nil
}

// Channels returns the channels added so far
func (d *OutboundDispatcher) Channels() []channels.Broadcaster {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]channels.Broadcaster(nil), d.channels...)
}

// Concurrency returns the number of workers
func (d *OutboundDispatcher) Concurrency() int {
	return d.concurrency
}

// Start starts the workers. Queued messages are still sent after ctx is cancelled;
// the dispatcher stops only through Stop.
func (d *OutboundDispatcher) Start(ctx context.Context) error {
	if err := d.queue.Start(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	d.ctx = context.WithoutCancel(ctx)
	d.mu.Unlock()
	d.logger.Info("outbound dispatcher started", "concurrency", d.concurrency)
	return nil
}

// Stop stops accepting messages and waits for queued ones to finish
func (d *OutboundDispatcher) Stop() {
	d.queue.Stop()
	d.logger.Info("outbound dispatcher stopped")
}

func (d *OutboundDispatcher) context() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctx
}

// Push submits msg for sending and returns its work item
func (d *OutboundDispatcher) Push(ctx context.Context, msg contracts.Message) *workqueue.WorkItem {
	switch m := msg.(type) {
	case *contracts.RequestMessage:
		return d.PushRequest(ctx, m)
	case *contracts.ReplyMessage:
		return d.PushReply(ctx, m)
	default:
		return workqueue.Failed("outbound", newProcessingError(KindEscalated, "push", msg,
			fmt.Errorf("%w: %T", ErrUnknownMessage, msg)))
	}
}

// PushRequest submits a request for sending
func (d *OutboundDispatcher) PushRequest(ctx context.Context, req *contracts.RequestMessage) *workqueue.WorkItem {
	name := "outbound request " + req.GetEvent()
	if err := req.SetDirection(contracts.DirectionOutgoing); err != nil {
		d.logger.ErrorContext(ctx, "rejected outbound request", messageAttrs(req, "error", err)...)
		return workqueue.Failed(name, newProcessingError(KindEscalated, "push", req, err))
	}

	item := workqueue.New(name, func(ctx context.Context) error {
		return d.pipeline.ExecuteRequest(ctx, req)
	})

	item.OnCompleted(func(*workqueue.WorkItem) {
		ctx := d.context()
		for _, ch := range d.Channels() {
			ch.PublishRequest(ctx, req)
		}
		req.SetStatus(contracts.StatusSuccess)
		recordOutcome(ctx, d.outcomes, req, d.logger)
		d.logger.Debug("sent outbound request", messageAttrs(req)...)
	})
	item.OnError(func(_ *workqueue.WorkItem, err error) {
		d.failed(req, err)
	})

	if err := d.queue.Enqueue(item); err != nil {
		item.Reject(newProcessingError(KindEscalated, "enqueue", req, err))
	}
	return item
}

// PushReply submits a reply for sending
func (d *OutboundDispatcher) PushReply(ctx context.Context, reply *contracts.ReplyMessage) *workqueue.WorkItem {
	name := "outbound reply " + reply.GetEvent()
	if err := reply.SetDirection(contracts.DirectionOutgoing); err != nil {
		d.logger.ErrorContext(ctx, "rejected outbound reply", messageAttrs(reply, "error", err)...)
		return workqueue.Failed(name, newProcessingError(KindEscalated, "push", reply, err))
	}

	item := workqueue.New(name, func(ctx context.Context) error {
		return d.pipeline.ExecuteReply(ctx, reply)
	})

	item.OnCompleted(func(*workqueue.WorkItem) {
		ctx := d.context()
		for _, ch := range d.Channels() {
			ch.PublishReply(ctx, reply)
		}
		d.logger.Debug("sent outbound reply", messageAttrs(reply)...)
	})
	item.OnError(func(_ *workqueue.WorkItem, err error) {
		d.failed(reply, err)
	})

	if err := d.queue.Enqueue(item); err != nil {
		item.Reject(newProcessingError(KindEscalated, "enqueue", reply, err))
	}
	return item
}

func (d *OutboundDispatcher) failed(msg contracts.Message, err error) {
	switch kind := Classify(err); kind {
	case KindDuplicate, KindStale:
		d.logger.Info("ignored outbound message", messageAttrs(msg, "reason", kind.String(), "error", err)...)
	case KindInvalid:
		if msg.GetKind() == contracts.KindRequest {
			msg.SetStatus(contracts.StatusInvalid)
		}
		d.logger.Info("ignored outbound message", messageAttrs(msg, "reason", kind.String(), "error", err)...)
	default:
		if msg.GetKind() == contracts.KindRequest {
			msg.SetStatus(contracts.StatusFailure)
			recordOutcome(d.context(), d.outcomes, msg, d.logger)
		}
		d.logger.Error("failed to send outbound message", messageAttrs(msg, "error", err)...)
	}
}
