package channels

import (
	"errors"
	"fmt"
)

var (
	// ErrNoSubscriber is returned when a message arrives on a channel nobody listens to
	ErrNoSubscriber = errors.New("channels: no subscriber")
	// ErrNoHandle is returned when a subscriber did not provide a work item handle
	ErrNoHandle = errors.New("channels: subscriber returned no handle")
	// ErrUnknownMessageKind is returned for messages that are neither requests nor replies
	ErrUnknownMessageKind = errors.New("channels: unknown message kind")
	// ErrUnknownDirection is returned when parsing an unknown descriptor direction
	ErrUnknownDirection = errors.New("channels: unknown direction")
)

// ChannelError is a transport level failure
type ChannelError struct {
	Channel  string
	Op       string
	Artifact string
	Err      error
}

func (e *ChannelError) Error() string {
	if e.Artifact != "" {
		return fmt.Sprintf("channel %s: %s %s: %v", e.Channel, e.Op, e.Artifact, e.Err)
	}
	return fmt.Sprintf("channel %s: %s: %v", e.Channel, e.Op, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}
