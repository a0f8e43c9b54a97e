package messaging

import (
	"errors"
	"fmt"

	"github.com/glimte/courier-go/contracts"
)

// ErrorKind classifies a processing failure
type ErrorKind int

const (
	// KindEscalated is a visible failure. It is the zero value.
	KindEscalated ErrorKind = iota
	// KindDuplicate marks a message that was already processed
	KindDuplicate
	// KindInvalid marks a message that cannot be correlated
	KindInvalid
	// KindStale marks a message older than the accepted age
	KindStale
)

func (k ErrorKind) String() string {
	switch k {
	case KindDuplicate:
		return "duplicate"
	case KindInvalid:
		return "invalid"
	case KindStale:
		return "stale"
	default:
		return "escalated"
	}
}

// Ignorable reports whether failures of this kind are dropped silently
func (k ErrorKind) Ignorable() bool {
	return k != KindEscalated
}

var (
	// ErrDuplicate matches duplicate failures
	ErrDuplicate = errors.New("messaging: duplicate message")
	// ErrInvalid matches invalid failures
	ErrInvalid = errors.New("messaging: invalid message")
	// ErrStale matches stale failures
	ErrStale = errors.New("messaging: stale message")
	// ErrUnknownMessage is returned for messages that are neither requests nor replies
	ErrUnknownMessage = errors.New("messaging: unknown message type")
)

// ProcessingError is a classified failure of one message
type ProcessingError struct {
	Kind          ErrorKind
	Op            string
	CorrelationID string
	Event         string
	Err           error
}

func newProcessingError(kind ErrorKind, op string, msg contracts.Message, err error) *ProcessingError {
	pe := &ProcessingError{Kind: kind, Op: op, Err: err}
	if msg != nil {
		pe.CorrelationID = msg.GetCorrelationID()
		pe.Event = msg.GetEvent()
	}
	return pe
}

func (e *ProcessingError) Error() string {
	msg := fmt.Sprintf("messaging: %s %s (correlationId=%s, event=%s)", e.Op, e.Kind, e.CorrelationID, e.Event)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProcessingError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error kind
func (e *ProcessingError) Is(target error) bool {
	switch target {
	case ErrDuplicate:
		return e.Kind == KindDuplicate
	case ErrInvalid:
		return e.Kind == KindInvalid
	case ErrStale:
		return e.Kind == KindStale
	}
	return false
}

// SinkError wraps the failure of one sink
type SinkError struct {
	Sink string
	Err  error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink %s: %v", e.Sink, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// Classify returns the kind of err. Unclassified errors are escalated.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindEscalated
	}
	var pe *ProcessingError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrDuplicate):
		return KindDuplicate
	case errors.Is(err, ErrInvalid):
		return KindInvalid
	case errors.Is(err, ErrStale):
		return KindStale
	}
	return KindEscalated
}

// IsIgnorable reports whether err is a duplicate, invalid or stale failure
func IsIgnorable(err error) bool {
	return err != nil && Classify(err).Ignorable()
}
