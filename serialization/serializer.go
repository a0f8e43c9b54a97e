// Package serialization converts messages to and from their wire form.
package serialization

import (
	"fmt"
	"io"
	"time"

	"github.com/glimte/courier-go/contracts"
)

// Serializer reads and writes messages on a byte stream
type Serializer interface {
	// Name returns the type identifier used by channel descriptors
	Name() string

	// ContentType returns the MIME type of the encoded form
	ContentType() string

	// Read decodes one message and captures the exact bytes consumed as its original
	Read(r io.Reader) (contracts.Message, error)

	// Write encodes msg
	Write(w io.Writer, msg contracts.Message) error
}

// DecodeError reports bytes that could not be turned into a message
type DecodeError struct {
	Serializer string
	Err        error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("serialization: %s decode failed: %v", e.Serializer, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// wireMessage is the envelope layout shared by the built-in serializers
type wireMessage struct {
	Kind          string              `json:"kind" yaml:"kind"`
	CorrelationID string              `json:"correlationId" yaml:"correlationId"`
	Event         string              `json:"event" yaml:"event"`
	Direction     string              `json:"direction" yaml:"direction"`
	Status        string              `json:"status" yaml:"status"`
	Timestamp     time.Time           `json:"timestamp" yaml:"timestamp"`
	Owner         string              `json:"owner,omitempty" yaml:"owner,omitempty"`
	Environment   string              `json:"environment,omitempty" yaml:"environment,omitempty"`
	Application   string              `json:"application,omitempty" yaml:"application,omitempty"`
	Version       string              `json:"version,omitempty" yaml:"version,omitempty"`
	Content       *contracts.Document `json:"content" yaml:"content"`
}

func toWire(msg contracts.Message) wireMessage {
	env := msg.Envelope()
	content := env.Content
	if content == nil {
		content = contracts.NewDocument()
	}
	return wireMessage{
		Kind:          env.Kind.String(),
		CorrelationID: env.CorrelationID,
		Event:         env.Event,
		Direction:     env.Direction.String(),
		Status:        env.Status.String(),
		Timestamp:     env.Timestamp,
		Owner:         env.Owner,
		Environment:   env.Environment,
		Application:   env.Application,
		Version:       env.Version,
		Content:       content,
	}
}

func fromWire(w wireMessage, original []byte) (contracts.Message, error) {
	kind, err := contracts.ParseKind(w.Kind)
	if err != nil {
		return nil, err
	}
	direction, err := contracts.ParseDirection(w.Direction)
	if err != nil {
		return nil, err
	}
	status, err := contracts.ParseStatus(w.Status)
	if err != nil {
		return nil, err
	}

	return contracts.Restore(contracts.Envelope{
		Kind:          kind,
		CorrelationID: w.CorrelationID,
		Event:         w.Event,
		Direction:     direction,
		Status:        status,
		Timestamp:     w.Timestamp,
		Owner:         w.Owner,
		Environment:   w.Environment,
		Application:   w.Application,
		Version:       w.Version,
		Content:       w.Content,
	}, original)
}
