package serialization

import (
	"fmt"
	"io"

	"github.com/glimte/courier-go/contracts"
	"gopkg.in/yaml.v3"
)

// YAMLSerializer encodes messages as YAML documents
type YAMLSerializer struct{}

// NewYAMLSerializer creates a YAML serializer
func NewYAMLSerializer() *YAMLSerializer {
	return &YAMLSerializer{}
}

// Name implements Serializer
func (s *YAMLSerializer) Name() string { return "yaml" }

// ContentType implements Serializer
func (s *YAMLSerializer) ContentType() string { return "application/yaml" }

// Read implements Serializer
func (s *YAMLSerializer) Read(r io.Reader) (contracts.Message, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("serialization: failed to read message: %w", err)
	}

	var w wireMessage
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, &DecodeError{Serializer: s.Name(), Err: err}
	}

	msg, err := fromWire(w, data)
	if err != nil {
		return nil, &DecodeError{Serializer: s.Name(), Err: err}
	}
	return msg, nil
}

// Write implements Serializer
func (s *YAMLSerializer) Write(w io.Writer, msg contracts.Message) error {
	if msg == nil {
		return fmt.Errorf("serialization: message cannot be nil")
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(toWire(msg)); err != nil {
		return fmt.Errorf("serialization: failed to encode message %s: %w", msg.GetCorrelationID(), err)
	}
	return enc.Close()
}
