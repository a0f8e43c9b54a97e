// Package transports builds channels from configuration descriptors.
package transports

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/config"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/serialization"
	"github.com/glimte/courier-go/transports/filesystem"
	"github.com/glimte/courier-go/transports/rabbitmq"
)

// ErrUnknownChannelType is returned for descriptors naming no known transport
var ErrUnknownChannelType = errors.New("transports: unknown channel type")

const (
	TypeFilesystem = "filesystem"
	TypeRabbitMQ   = "rabbitmq"
)

type buildOptions struct {
	retry reliability.RetryPolicy
}

// Option configures Build
type Option func(*buildOptions)

// WithRetryPolicy sets the publish retry policy of the built channel
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(o *buildOptions) {
		o.retry = policy
	}
}

// Build resolves the serializer of desc once and constructs the channel of its type
func Build(desc config.ChannelDescriptor, serializers *serialization.Registry, logger *slog.Logger, opts ...Option) (channels.Bidirectional, error) {
	o := &buildOptions{}
	for _, opt := range opts {
		opt(o)
	}
	if logger == nil {
		logger = slog.Default()
	}
	if serializers == nil {
		serializers = serialization.NewRegistry()
	}

	serializer, err := serializers.Resolve(desc.Serializer)
	if err != nil {
		return nil, fmt.Errorf("channel %s: %w", desc.Name, err)
	}

	switch strings.ToLower(desc.Type) {
	case TypeFilesystem:
		cfg, err := filesystem.ConfigFromSettings(desc.Settings)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", desc.Name, err)
		}
		ch, err := filesystem.New(desc.Name, cfg, serializer,
			filesystem.WithLogger(logger),
			filesystem.WithRetryPolicy(o.retry),
		)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", desc.Name, err)
		}
		return ch, nil

	case TypeRabbitMQ:
		cfg, err := rabbitmq.ConfigFromSettings(desc.Settings)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", desc.Name, err)
		}
		ch, err := rabbitmq.New(desc.Name, cfg, serializer,
			rabbitmq.WithLogger(logger),
			rabbitmq.WithRetryPolicy(o.retry),
			rabbitmq.WithCircuitBreaker(reliability.NewCircuitBreaker(reliability.WithName(desc.Name))),
		)
		if err != nil {
			return nil, fmt.Errorf("channel %s: %w", desc.Name, err)
		}
		return ch, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownChannelType, desc.Type)
	}
}
