package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/serialization"
	"github.com/glimte/courier-go/workqueue"
)

// ReceivingEventArgs carries an arriving message to the subscriber. The subscriber fills
// Handle with the work item processing the message.
type ReceivingEventArgs[T contracts.Message] struct {
	Message T
	Handle  *workqueue.WorkItem
}

// RequestReceivedFunc is notified of arriving requests
type RequestReceivedFunc func(args *ReceivingEventArgs[*contracts.RequestMessage])

// ReplyReceivedFunc is notified of arriving replies
type ReplyReceivedFunc func(args *ReceivingEventArgs[*contracts.ReplyMessage])

// ErrorEvent reports a channel level failure
type ErrorEvent struct {
	Channel   string
	Op        string
	Artifact  string
	Err       error
	Timestamp time.Time
}

// RecoveryEvent reports that a degraded channel works again
type RecoveryEvent struct {
	Channel   string
	Timestamp time.Time
	Previous  ErrorEvent
}

// Channel is the capability shared by all transports
type Channel interface {
	Name() string
	Serializer() serialization.Serializer
	OnChannelError(fn func(ErrorEvent))
	OnChannelRecovery(fn func(RecoveryEvent))
	Close() error
}

// Receiver is a channel that delivers arriving messages to a subscriber
type Receiver interface {
	Channel
	OnRequestReceived(fn RequestReceivedFunc)
	OnReplyReceived(fn ReplyReceivedFunc)
	// StartListening arranges for future arrivals to be delivered and returns
	StartListening(ctx context.Context) error
}

// ListenStopper is a receiver that can stop delivering arrivals while it keeps
// publishing. Context shutdown uses it to drain replies onto a still open channel.
type ListenStopper interface {
	StopListening() error
}

// Broadcaster is a channel that publishes messages. Failures are reported as channel
// errors, never returned.
type Broadcaster interface {
	Channel
	PublishRequest(ctx context.Context, msg *contracts.RequestMessage)
	PublishReply(ctx context.Context, msg *contracts.ReplyMessage)
}

// Bidirectional is a channel that both receives and publishes
type Bidirectional interface {
	Receiver
	Broadcaster
}

// Direction is the configured role of a channel
type Direction int

const (
	Incoming Direction = iota + 1
	Outgoing
	Both
)

// String returns the configuration name of the direction
func (d Direction) String() string {
	switch d {
	case Incoming:
		return "incoming"
	case Outgoing:
		return "outgoing"
	case Both:
		return "bidirectional"
	default:
		return "unknown"
	}
}

// Receives reports whether a channel with this direction feeds the inbound dispatcher
func (d Direction) Receives() bool {
	return d == Incoming || d == Both
}

// Publishes reports whether a channel with this direction serves the outbound dispatcher
func (d Direction) Publishes() bool {
	return d == Outgoing || d == Both
}

// ParseDirection parses a configured direction, case-insensitively
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "incoming", "in", "inbound":
		return Incoming, nil
	case "outgoing", "out", "outbound":
		return Outgoing, nil
	case "bidirectional", "both":
		return Both, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownDirection, s)
	}
}
