package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/glimte/courier-go/audit"
	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/workqueue"
)

// ReplyForwarder receives the replies synthesised for processed inbound requests
type ReplyForwarder func(ctx context.Context, reply *contracts.ReplyMessage)

// InboundDispatcher processes messages arriving on Receiver channels one at a time
type InboundDispatcher struct {
	pipeline *Pipeline
	queue    *workqueue.Queue
	logger   *slog.Logger
	forward  ReplyForwarder
	outcomes audit.Store

	mu       sync.RWMutex
	channels []channels.Receiver
	// listenCtx bounds listening; ctx carries its values without the cancellation
	listenCtx context.Context
	ctx       context.Context
	started   bool
}

// InboundOption configures an InboundDispatcher
type InboundOption func(*InboundDispatcher)

// WithInboundLogger sets the logger
func WithInboundLogger(logger *slog.Logger) InboundOption {
	return func(d *InboundDispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithReplyForwarder sets where Success and Failure replies to inbound requests go
func WithReplyForwarder(fn ReplyForwarder) InboundOption {
	return func(d *InboundDispatcher) {
		d.forward = fn
	}
}

// WithInboundOutcomes records the final status of processed messages in store
func WithInboundOutcomes(store audit.Store) InboundOption {
	return func(d *InboundDispatcher) {
		d.outcomes = store
	}
}

// NewInboundDispatcher creates a dispatcher running pipeline on a single worker
func NewInboundDispatcher(pipeline *Pipeline, opts ...InboundOption) *InboundDispatcher {
	d := &InboundDispatcher{
		pipeline:  pipeline,
		logger:    slog.Default(),
		ctx:       context.Background(),
		listenCtx: context.Background(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = workqueue.NewQueue(
		workqueue.WithConcurrency(1),
		workqueue.WithQueueName("inbound"),
		workqueue.WithQueueLogger(d.logger),
	)
	return d
}

// AddChannel subscribes the dispatcher to ch. A channel added after Start starts
// listening immediately.
func (d *InboundDispatcher) AddChannel(ch channels.Receiver) error {
	if ch == nil {
		return errors.New("messaging: channel cannot be nil")
	}

	ch.OnRequestReceived(func(args *channels.ReceivingEventArgs[*contracts.RequestMessage]) {
		args.Handle = d.PullRequest(d.context(), args.Message)
	})
	ch.OnReplyReceived(func(args *channels.ReceivingEventArgs[*contracts.ReplyMessage]) {
		args.Handle = d.PullReply(d.context(), args.Message)
	})
	ch.OnChannelError(logChannelError(d.logger))

	d.mu.Lock()
	d.channels = append(d.channels, ch)
	started, ctx := d.started, d.listenCtx
	d.mu.Unlock()

	if started {
		if err := ch.StartListening(ctx); err != nil {
			return fmt.Errorf("failed to start listening on channel %s: %w", ch.Name(), err)
		}
	}
	return nil
}

// Channels returns the channels added so far
func (d *InboundDispatcher) Channels() []channels.Receiver {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]channels.Receiver(nil), d.channels...)
}

// Start starts the worker and every channel. Cancelling ctx stops listening; messages
// already accepted still finish and have their replies forwarded until Stop.
func (d *InboundDispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return workqueue.ErrQueueRunning
	}
	if err := d.queue.Start(ctx); err != nil {
		d.mu.Unlock()
		return err
	}
	d.started = true
	d.listenCtx = ctx
	d.ctx = context.WithoutCancel(ctx)
	chs := append([]channels.Receiver(nil), d.channels...)
	d.mu.Unlock()

	var errs []error
	for _, ch := range chs {
		if err := ch.StartListening(ctx); err != nil {
			errs = append(errs, fmt.Errorf("failed to start listening on channel %s: %w", ch.Name(), err))
		}
	}
	d.logger.Info("inbound dispatcher started", "channels", len(chs))
	return errors.Join(errs...)
}

// Stop stops accepting messages and waits for queued ones to finish
func (d *InboundDispatcher) Stop() {
	d.queue.Stop()
	d.logger.Info("inbound dispatcher stopped")
}

func (d *InboundDispatcher) context() context.Context {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ctx
}

// Pull submits msg for processing and returns its work item
func (d *InboundDispatcher) Pull(ctx context.Context, msg contracts.Message) *workqueue.WorkItem {
	switch m := msg.(type) {
	case *contracts.RequestMessage:
		return d.PullRequest(ctx, m)
	case *contracts.ReplyMessage:
		return d.PullReply(ctx, m)
	default:
		return workqueue.Failed("inbound", newProcessingError(KindEscalated, "pull", msg,
			fmt.Errorf("%w: %T", ErrUnknownMessage, msg)))
	}
}

// PullRequest submits an arriving request for processing. On success a Success reply is
// forwarded; on an escalated failure a Failure reply is forwarded.
func (d *InboundDispatcher) PullRequest(ctx context.Context, req *contracts.RequestMessage) *workqueue.WorkItem {
	name := "inbound request " + req.GetEvent()
	if err := req.SetDirection(contracts.DirectionIncoming); err != nil {
		d.logger.ErrorContext(ctx, "rejected inbound request", messageAttrs(req, "error", err)...)
		return workqueue.Failed(name, newProcessingError(KindEscalated, "pull", req, err))
	}

	item := workqueue.New(name, func(ctx context.Context) error {
		return d.pipeline.ExecuteRequest(ctx, req)
	})

	item.OnCompleted(func(*workqueue.WorkItem) {
		req.SetStatus(contracts.StatusSuccess)
		recordOutcome(d.context(), d.outcomes, req, d.logger)
		d.logger.Debug("processed inbound request", messageAttrs(req)...)

		reply, err := contracts.Success(req)
		if err != nil {
			d.logger.Error("failed to create success reply", messageAttrs(req, "error", err)...)
			return
		}
		d.forwardReply(reply)
	})

	item.OnError(func(_ *workqueue.WorkItem, err error) {
		if errors.Is(err, workqueue.ErrQueueStopped) {
			// arrived during shutdown; never processed, so never answered
			d.logger.Warn("dropped inbound request", messageAttrs(req, "error", err)...)
			return
		}
		switch kind := Classify(err); kind {
		case KindDuplicate, KindStale:
			d.logger.Info("ignored inbound request", messageAttrs(req, "reason", kind.String(), "error", err)...)
		case KindInvalid:
			req.SetStatus(contracts.StatusInvalid)
			d.logger.Info("ignored inbound request", messageAttrs(req, "reason", kind.String(), "error", err)...)
		default:
			req.SetStatus(contracts.StatusFailure)
			recordOutcome(d.context(), d.outcomes, req, d.logger)
			d.logger.Error("failed to process inbound request", messageAttrs(req, "error", err)...)

			reply, rerr := contracts.Failure(req, err)
			if rerr != nil {
				d.logger.Error("failed to create failure reply", messageAttrs(req, "error", rerr)...)
				return
			}
			d.forwardReply(reply)
		}
	})

	if err := d.queue.Enqueue(item); err != nil {
		item.Reject(newProcessingError(KindEscalated, "enqueue", req, err))
	}
	return item
}

// PullReply submits an arriving reply for processing. Replies are never answered.
func (d *InboundDispatcher) PullReply(ctx context.Context, reply *contracts.ReplyMessage) *workqueue.WorkItem {
	name := "inbound reply " + reply.GetEvent()
	if err := reply.SetDirection(contracts.DirectionIncoming); err != nil {
		d.logger.ErrorContext(ctx, "rejected inbound reply", messageAttrs(reply, "error", err)...)
		return workqueue.Failed(name, newProcessingError(KindEscalated, "pull", reply, err))
	}

	item := workqueue.New(name, func(ctx context.Context) error {
		return d.pipeline.ExecuteReply(ctx, reply)
	})

	item.OnCompleted(func(*workqueue.WorkItem) {
		d.logger.Debug("processed inbound reply", messageAttrs(reply)...)
	})

	item.OnError(func(_ *workqueue.WorkItem, err error) {
		switch kind := Classify(err); kind {
		case KindDuplicate, KindStale:
			d.logger.Info("ignored inbound reply", messageAttrs(reply, "reason", kind.String(), "error", err)...)
		case KindInvalid:
			reply.SetStatus(contracts.StatusInvalid)
			d.logger.Info("ignored inbound reply", messageAttrs(reply, "reason", kind.String(), "error", err)...)
		default:
			d.logger.Error("failed to process inbound reply", messageAttrs(reply, "error", err)...)
		}
	})

	if err := d.queue.Enqueue(item); err != nil {
		item.Reject(newProcessingError(KindEscalated, "enqueue", reply, err))
	}
	return item
}

func (d *InboundDispatcher) forwardReply(reply *contracts.ReplyMessage) {
	if d.forward == nil {
		d.logger.Debug("no reply forwarder configured", messageAttrs(reply)...)
		return
	}
	d.forward(d.context(), reply)
}
