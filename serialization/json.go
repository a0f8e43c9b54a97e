package serialization

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/glimte/courier-go/contracts"
)

// JSONSerializer encodes messages as JSON documents
type JSONSerializer struct {
	Indent bool
}

// NewJSONSerializer creates a JSON serializer
func NewJSONSerializer() *JSONSerializer {
	return &JSONSerializer{}
}

// Name implements Serializer
func (s *JSONSerializer) Name() string { return "json" }

// ContentType implements Serializer
func (s *JSONSerializer) ContentType() string { return "application/json" }

// Read implements Serializer
func (s *JSONSerializer) Read(r io.Reader) (contracts.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("serialization: failed to read message: %w", err)
	}

	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Serializer: s.Name(), Err: err}
	}

	msg, err := fromWire(w, data)
	if err != nil {
		return nil, &DecodeError{Serializer: s.Name(), Err: err}
	}
	return msg, nil
}

// Write implements Serializer
func (s *JSONSerializer) Write(w io.Writer, msg contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("serialization: message cannot be nil")
	}

	enc := json.NewEncoder(w)
	if s.Indent {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(toWire(msg)); err != nil {
		return fmt.Errorf("serialization: failed to encode message %s: %w", msg.GetCorrelationID(), err)
	}
	return nil
}
