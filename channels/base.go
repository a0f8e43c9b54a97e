package channels

import (
	"sync"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/serialization"
	"github.com/glimte/courier-go/workqueue"
)

// Base implements the bookkeeping shared by concrete channels. Transports embed a *Base.
type Base struct {
	name       string
	serializer serialization.Serializer
	now        func() time.Time

	mu         sync.RWMutex
	onRequest  RequestReceivedFunc
	onReply    ReplyReceivedFunc
	onError    []func(ErrorEvent)
	onRecovery []func(RecoveryEvent)
	degraded   bool
	lastError  ErrorEvent
}

// NewBase creates a Base. The serializer is fixed for the lifetime of the channel.
func NewBase(name string, serializer serialization.Serializer) *Base {
	if serializer == nil {
		serializer = serialization.NewJSONSerializer()
	}
	return &Base{
		name:       name,
		serializer: serializer,
		now:        time.Now,
	}
}

// SetClock replaces the time source used for event timestamps
func (b *Base) SetClock(now func() time.Time) {
	if now != nil {
		b.now = now
	}
}

// Name returns the channel name
func (b *Base) Name() string { return b.name }

// Serializer returns the channel serializer
func (b *Base) Serializer() serialization.Serializer { return b.serializer }

// OnRequestReceived subscribes fn to arriving requests, replacing any previous subscriber
func (b *Base) OnRequestReceived(fn RequestReceivedFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRequest = fn
}

// OnReplyReceived subscribes fn to arriving replies, replacing any previous subscriber
func (b *Base) OnReplyReceived(fn ReplyReceivedFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onReply = fn
}

// OnChannelError adds a listener for channel errors
func (b *Base) OnChannelError(fn func(ErrorEvent)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = append(b.onError, fn)
}

// OnChannelRecovery adds a listener for channel recoveries
func (b *Base) OnChannelRecovery(fn func(RecoveryEvent)) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRecovery = append(b.onRecovery, fn)
}

// Degraded reports whether an error was raised since the last recovery
func (b *Base) Degraded() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.degraded
}

// RaiseError marks the channel degraded and notifies error listeners
func (b *Base) RaiseError(op, artifact string, err error) {
	event := ErrorEvent{
		Channel:   b.name,
		Op:        op,
		Artifact:  artifact,
		Err:       &ChannelError{Channel: b.name, Op: op, Artifact: artifact, Err: err},
		Timestamp: b.now().UTC(),
	}

	b.mu.Lock()
	b.degraded = true
	b.lastError = event
	listeners := append([]func(ErrorEvent){}, b.onError...)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// MarkHealthy clears the degraded state. Recovery listeners are notified only when the
// channel was degraded.
func (b *Base) MarkHealthy() {
	b.mu.Lock()
	if !b.degraded {
		b.mu.Unlock()
		return
	}
	b.degraded = false
	event := RecoveryEvent{
		Channel:   b.name,
		Timestamp: b.now().UTC(),
		Previous:  b.lastError,
	}
	listeners := append([]func(RecoveryEvent){}, b.onRecovery...)
	b.mu.Unlock()

	for _, fn := range listeners {
		fn(event)
	}
}

// DispatchRequest hands msg to the request subscriber and returns its handle
func (b *Base) DispatchRequest(msg *contracts.RequestMessage) (*workqueue.WorkItem, error) {
	b.mu.RLock()
	fn := b.onRequest
	b.mu.RUnlock()

	if fn == nil {
		return nil, ErrNoSubscriber
	}
	args := &ReceivingEventArgs[*contracts.RequestMessage]{Message: msg}
	fn(args)
	if args.Handle == nil {
		return nil, ErrNoHandle
	}
	return args.Handle, nil
}

// DispatchReply hands msg to the reply subscriber and returns its handle
func (b *Base) DispatchReply(msg *contracts.ReplyMessage) (*workqueue.WorkItem, error) {
	b.mu.RLock()
	fn := b.onReply
	b.mu.RUnlock()

	if fn == nil {
		return nil, ErrNoSubscriber
	}
	args := &ReceivingEventArgs[*contracts.ReplyMessage]{Message: msg}
	fn(args)
	if args.Handle == nil {
		return nil, ErrNoHandle
	}
	return args.Handle, nil
}

// Dispatch routes a decoded message to the subscriber matching its kind
func (b *Base) Dispatch(msg contracts.Message) (*workqueue.WorkItem, error) {
	switch m := msg.(type) {
	case *contracts.RequestMessage:
		return b.DispatchRequest(m)
	case *contracts.ReplyMessage:
		return b.DispatchReply(m)
	default:
		return nil, ErrUnknownMessageKind
	}
}
