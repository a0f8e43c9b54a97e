// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package courier

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/glimte/courier-go/audit"
	"github.com/glimte/courier-go/bridge"
	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/config"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/health"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/messaging"
	"github.com/glimte/courier-go/serialization"
	"github.com/glimte/courier-go/transports"
)

var (
	// ErrClosed is returned when using a closed context
	ErrClosed = errors.New("courier: context closed")
	// ErrUnsupportedDirection is returned when a channel lacks the capability its direction needs
	ErrUnsupportedDirection = errors.New("courier: channel does not support direction")
)

const (
	defaultGoroutineWarning  = 1000
	defaultGoroutineCritical = 5000
)

// Context owns the dispatchers, handler registries and audit store of one messaging
// endpoint. Contexts are independent; a process may create as many as it needs.
type Context struct {
	Inbound          *messaging.InboundDispatcher
	Outbound         *messaging.OutboundDispatcher
	IncomingHandlers *messaging.EventHandlers
	OutgoingHandlers *messaging.EventHandlers

	store    audit.Store
	registry *health.Registry
	monitor  *health.ChannelMonitor
	bridge   *bridge.Bridge
	service  config.ServiceConfig
	logger   *slog.Logger

	mu       sync.Mutex
	channels []channels.Channel
	started  bool
	closed   bool
}

type contextConfig struct {
	logger         *slog.Logger
	store          audit.Store
	concurrency    int
	maxAge         time.Duration
	traceMessages  bool
	service        config.ServiceConfig
	serializers    *serialization.Registry
	retryPolicy    reliability.RetryPolicy
	requestTimeout time.Duration
}

// Option configures a Context
type Option func(*contextConfig)

// WithLogger sets the logger shared by the context components
func WithLogger(logger *slog.Logger) Option {
	return func(c *contextConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithAuditStore sets the audit store. The default is an in-memory store.
func WithAuditStore(store audit.Store) Option {
	return func(c *contextConfig) {
		if store != nil {
			c.store = store
		}
	}
}

// WithOutboundConcurrency sets the number of outbound workers
func WithOutboundConcurrency(n int) Option {
	return func(c *contextConfig) {
		if n > 0 {
			c.concurrency = n
		}
	}
}

// WithMaxAge rejects messages whose timestamp is older than d as stale. Zero disables the check.
func WithMaxAge(d time.Duration) Option {
	return func(c *contextConfig) {
		c.maxAge = d
	}
}

// WithMessageTracing logs every message entering the pipeline
func WithMessageTracing() Option {
	return func(c *contextConfig) {
		c.traceMessages = true
	}
}

// WithService sets the routing metadata stamped on requests created by NewRequest
func WithService(service config.ServiceConfig) Option {
	return func(c *contextConfig) {
		c.service = service
	}
}

// WithSerializers sets the registry FromConfig resolves channel serializers from
func WithSerializers(registry *serialization.Registry) Option {
	return func(c *contextConfig) {
		if registry != nil {
			c.serializers = registry
		}
	}
}

// WithRetryPolicy overrides the publish retry policy FromConfig hands to channels
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *contextConfig) {
		c.retryPolicy = policy
	}
}

// WithRequestTimeout sets how long Request waits when its context has no deadline
func WithRequestTimeout(d time.Duration) Option {
	return func(c *contextConfig) {
		c.requestTimeout = d
	}
}

func newContextConfig(opts []Option) *contextConfig {
	cfg := &contextConfig{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.store == nil {
		cfg.store = audit.NewMemoryStore()
	}
	if cfg.serializers == nil {
		cfg.serializers = serialization.NewRegistry()
	}
	return cfg
}

// NewContext creates a context with no channels
func NewContext(opts ...Option) *Context {
	return newContext(newContextConfig(opts))
}

func newContext(cfg *contextConfig) *Context {
	c := &Context{
		IncomingHandlers: messaging.NewEventHandlers(contracts.DirectionIncoming),
		OutgoingHandlers: messaging.NewEventHandlers(contracts.DirectionOutgoing),
		store:            cfg.store,
		registry:         health.NewRegistry(),
		monitor:          health.NewChannelMonitor(health.WithMonitorLogger(cfg.logger)),
		service:          cfg.service,
		logger:           cfg.logger,
	}

	var persistenceOpts []messaging.PersistenceOption
	if cfg.maxAge > 0 {
		persistenceOpts = append(persistenceOpts, messaging.WithMaxAge(cfg.maxAge))
	}
	pipeline := messaging.NewPipeline()
	if cfg.traceMessages {
		pipeline.Add(messaging.NewLoggingSink(cfg.logger))
	}
	pipeline.
		Add(messaging.NewPersistenceSink(cfg.store, persistenceOpts...)).
		Add(messaging.NewEventHandlingSink(c.IncomingHandlers, c.OutgoingHandlers))

	c.Outbound = messaging.NewOutboundDispatcher(pipeline,
		messaging.WithConcurrency(cfg.concurrency),
		messaging.WithOutboundLogger(cfg.logger),
		messaging.WithOutboundOutcomes(cfg.store),
	)
	c.Inbound = messaging.NewInboundDispatcher(pipeline,
		messaging.WithInboundLogger(cfg.logger),
		messaging.WithInboundOutcomes(cfg.store),
		messaging.WithReplyForwarder(func(ctx context.Context, reply *contracts.ReplyMessage) {
			c.Outbound.PushReply(ctx, reply)
		}),
	)

	c.bridge = bridge.New(c.Outbound, c.IncomingHandlers,
		bridge.WithLogger(cfg.logger),
		bridge.WithDefaultTimeout(cfg.requestTimeout),
	)

	c.registry.Register(c.monitor)
	c.registry.Register(health.NewAuditStoreChecker(cfg.store))
	c.registry.Register(health.NewRuntimeChecker(defaultGoroutineWarning, defaultGoroutineCritical))
	if cfg.service.Name != "" {
		c.registry.SetMetadata("service", cfg.service.Name)
	}
	if cfg.service.Environment != "" {
		c.registry.SetMetadata("environment", cfg.service.Environment)
	}
	return c
}

// FromConfig builds a context, its audit store and its channels from cfg
func FromConfig(ctx context.Context, cfg *config.Config, opts ...Option) (*Context, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	policy, err := cfg.Retry.RetryPolicy()
	if err != nil {
		return nil, err
	}
	base := []Option{
		WithOutboundConcurrency(cfg.Outbound.Concurrency),
		WithMaxAge(cfg.Audit.MaxAge),
		WithService(cfg.Service),
		WithRetryPolicy(policy),
	}
	if !storeConfigured(opts) {
		store, err := buildStore(ctx, cfg.Audit)
		if err != nil {
			return nil, err
		}
		base = append(base, WithAuditStore(store))
	}
	settings := newContextConfig(append(base, opts...))

	c := newContext(settings)
	for _, desc := range cfg.Channels {
		ch, err := transports.Build(desc, settings.serializers, settings.logger,
			transports.WithRetryPolicy(settings.retryPolicy))
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		dir, err := desc.ParsedDirection()
		if err != nil {
			_ = ch.Close()
			_ = c.Close()
			return nil, err
		}
		if err := c.AddChannel(ch, dir); err != nil {
			_ = ch.Close()
			_ = c.Close()
			return nil, err
		}
	}
	return c, nil
}

// storeConfigured reports whether opts supply their own audit store
func storeConfigured(opts []Option) bool {
	probe := &contextConfig{}
	for _, opt := range opts {
		opt(probe)
	}
	return probe.store != nil
}

func buildStore(ctx context.Context, cfg config.AuditConfig) (audit.Store, error) {
	switch strings.ToLower(cfg.Store) {
	case "", "memory":
		return audit.NewMemoryStore(), nil
	case "redis":
		var opts []audit.RedisOption
		if cfg.KeyPrefix != "" {
			opts = append(opts, audit.WithKeyPrefix(cfg.KeyPrefix))
		}
		if cfg.TTL > 0 {
			opts = append(opts, audit.WithTTL(cfg.TTL))
		}
		store, err := audit.NewRedisStoreFromURL(cfg.RedisURL, opts...)
		if err != nil {
			return nil, fmt.Errorf("courier: create audit store: %w", err)
		}
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("courier: reach audit store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: audit store %q", config.ErrInvalidConfig, cfg.Store)
	}
}

// AddChannel attaches ch to the dispatchers matching dir. Both capabilities are checked
// before anything is attached.
func (c *Context) AddChannel(ch channels.Channel, dir channels.Direction) error {
	if ch == nil {
		return errors.New("courier: channel must not be nil")
	}

	var (
		receiver    channels.Receiver
		broadcaster channels.Broadcaster
		ok          bool
	)
	if dir.Receives() {
		if receiver, ok = ch.(channels.Receiver); !ok {
			return fmt.Errorf("%w: %s cannot receive", ErrUnsupportedDirection, ch.Name())
		}
	}
	if dir.Publishes() {
		if broadcaster, ok = ch.(channels.Broadcaster); !ok {
			return fmt.Errorf("%w: %s cannot publish", ErrUnsupportedDirection, ch.Name())
		}
	}
	if receiver == nil && broadcaster == nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedDirection, dir)
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	if receiver != nil {
		if err := c.Inbound.AddChannel(receiver); err != nil {
			return err
		}
	}
	if broadcaster != nil {
		if err := c.Outbound.AddChannel(broadcaster); err != nil {
			return err
		}
	}

	c.monitor.Watch(ch)
	if conn, ok := ch.(health.Connector); ok {
		c.registry.Register(health.NewConnectionChecker(conn))
	}

	c.mu.Lock()
	c.channels = append(c.channels, ch)
	c.mu.Unlock()

	c.logger.Info("channel added", "channel", ch.Name(), "direction", dir.String())
	return nil
}

// Channels returns the channels attached to the context
func (c *Context) Channels() []channels.Channel {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]channels.Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Store returns the audit store
func (c *Context) Store() audit.Store {
	return c.store
}

// HealthRegistry returns the registry of health checks
func (c *Context) HealthRegistry() *health.Registry {
	return c.registry
}

// Monitor returns the channel degradation monitor
func (c *Context) Monitor() *health.ChannelMonitor {
	return c.monitor
}

// NewRequest creates a request stamped with the service routing metadata
func (c *Context) NewRequest(event string, opts ...contracts.MessageOption) (*contracts.RequestMessage, error) {
	return contracts.NewRequest(event, append(c.serviceOptions(), opts...)...)
}

// CreateRequest is NewRequest with a caller supplied correlation id
func (c *Context) CreateRequest(correlationID, event string, opts ...contracts.MessageOption) (*contracts.RequestMessage, error) {
	return contracts.Create(correlationID, event, append(c.serviceOptions(), opts...)...)
}

func (c *Context) serviceOptions() []contracts.MessageOption {
	var opts []contracts.MessageOption
	if c.service.Environment != "" {
		opts = append(opts, contracts.WithEnvironment(c.service.Environment))
	}
	if c.service.Application != "" {
		opts = append(opts, contracts.WithApplication(c.service.Application))
	}
	if c.service.Version != "" {
		opts = append(opts, contracts.WithVersion(c.service.Version))
	}
	if c.service.Name != "" {
		opts = append(opts, contracts.WithOwner(c.service.Name))
	}
	return opts
}

// Request sends req through the outbound dispatcher and waits for its reply on the
// inbound channels. A failure reply is returned with a *bridge.ReplyError.
func (c *Context) Request(ctx context.Context, req *contracts.RequestMessage) (*contracts.ReplyMessage, error) {
	return c.bridge.Request(ctx, req)
}

// Start starts the outbound workers, then begins listening on inbound channels
func (c *Context) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.mu.Unlock()

	if err := c.Outbound.Start(ctx); err != nil {
		return fmt.Errorf("courier: start outbound: %w", err)
	}
	if err := c.Inbound.Start(ctx); err != nil {
		return fmt.Errorf("courier: start inbound: %w", err)
	}
	c.logger.Info("messaging context started",
		"inbound", len(c.Inbound.Channels()),
		"outbound", len(c.Outbound.Channels()),
	)
	return nil
}

// Close shuts down in arrival order: receivers stop listening, the inbound dispatcher
// drains and forwards its replies, the outbound dispatcher sends them, and finally every
// channel and the audit store are closed.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	chs := c.channels
	c.channels = nil
	c.mu.Unlock()

	var errs []error
	_ = c.bridge.Close()
	for _, ch := range c.Inbound.Channels() {
		stopper, ok := ch.(channels.ListenStopper)
		if !ok {
			continue
		}
		if err := stopper.StopListening(); err != nil {
			errs = append(errs, fmt.Errorf("stop listening on channel %s: %w", ch.Name(), err))
		}
	}
	c.Inbound.Stop()
	c.Outbound.Stop()

	for _, ch := range chs {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel %s: %w", ch.Name(), err))
		}
	}
	if closer, ok := c.store.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close audit store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Health runs every registered health check
func (c *Context) Health(ctx context.Context) health.OverallHealth {
	return c.registry.Check(ctx)
}
