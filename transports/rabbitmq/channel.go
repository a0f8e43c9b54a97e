package rabbitmq

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/rabbitmq"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/serialization"
	"github.com/glimte/courier-go/workqueue"
	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// ErrNoQueue is returned when listening on a channel without queue
	ErrNoQueue = errors.New("rabbitmq: channel has no queue")
	// ErrClosed is returned by operations on a closed channel
	ErrClosed = errors.New("rabbitmq: channel closed")
)

// Channel is a bidirectional channel over an exchange and a queue
type Channel struct {
	*channels.Base

	cfg      Config
	manager  *rabbitmq.ConnectionManager
	logger   *slog.Logger
	retry    reliability.RetryPolicy
	breaker  *reliability.CircuitBreaker
	connOpts []rabbitmq.ConnectionOption

	connectMu sync.Mutex
	dialed    bool

	mu        sync.Mutex
	publisher rabbitmq.AMQPChannel
	consumer  rabbitmq.AMQPChannel
	listenCtx context.Context
	cancel    context.CancelFunc
	listening bool
	closed    bool
	wg        sync.WaitGroup
}

// Option configures a Channel
type Option func(*Channel)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithRetryPolicy retries failed publishes. By default a publish is attempted once.
func WithRetryPolicy(policy reliability.RetryPolicy) Option {
	return func(c *Channel) {
		if policy != nil {
			c.retry = policy
		}
	}
}

// WithCircuitBreaker guards publishes with cb
func WithCircuitBreaker(cb *reliability.CircuitBreaker) Option {
	return func(c *Channel) {
		c.breaker = cb
	}
}

// WithConnectionOptions passes options to the connection manager
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(c *Channel) {
		c.connOpts = append(c.connOpts, opts...)
	}
}

var _ channels.Bidirectional = (*Channel)(nil)

// New creates a channel. The broker is dialed on the first publish or on StartListening.
func New(name string, cfg Config, serializer serialization.Serializer, opts ...Option) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	c := &Channel{
		Base:   channels.NewBase(name, serializer),
		cfg:    cfg,
		logger: slog.Default(),
		retry:  reliability.NoRetry{},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("channel", name)

	connOpts := append([]rabbitmq.ConnectionOption{
		rabbitmq.WithLogger(c.logger),
		rabbitmq.WithReconnectDelay(cfg.ReconnectDelay),
		rabbitmq.WithMaxRetries(cfg.MaxReconnects),
	}, c.connOpts...)
	c.manager = rabbitmq.NewConnectionManager(cfg.URL, connOpts...)
	c.manager.AddStateListener(&rabbitmq.StateListenerFuncs{
		Connected:    c.onConnected,
		Disconnected: c.onDisconnected,
	})
	return c, nil
}

// Connected reports whether the broker connection is up
func (c *Channel) Connected() bool {
	return c.manager.IsConnected()
}

// connect dials the broker once. Later outages are handled by the manager.
func (c *Channel) connect(ctx context.Context) error {
	c.connectMu.Lock()
	defer c.connectMu.Unlock()

	if c.dialed {
		return nil
	}
	if err := c.manager.Connect(ctx); err != nil {
		return err
	}
	c.dialed = true
	return nil
}

func (c *Channel) onConnected() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	var err error
	if c.listening {
		err = c.consumeLocked()
	}
	c.mu.Unlock()

	if err != nil {
		c.logger.Error("failed to resume consuming", "queue", c.cfg.Queue, "error", err)
		c.RaiseError("consume", c.cfg.Queue, err)
		return
	}
	c.MarkHealthy()
}

func (c *Channel) onDisconnected(err error) {
	c.mu.Lock()
	c.publisher = nil
	c.consumer = nil
	closed := c.closed
	c.mu.Unlock()

	if !closed {
		c.RaiseError("connection", rabbitmq.SanitizeURL(c.cfg.URL), err)
	}
}

// PublishRequest implements channels.Broadcaster
func (c *Channel) PublishRequest(ctx context.Context, msg *contracts.RequestMessage) {
	c.publish(ctx, msg)
}

// PublishReply implements channels.Broadcaster
func (c *Channel) PublishReply(ctx context.Context, msg *contracts.ReplyMessage) {
	c.publish(ctx, msg)
}

func (c *Channel) publish(ctx context.Context, msg contracts.Message) {
	artifact := msg.GetCorrelationID()

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		c.RaiseError("publish", artifact, ErrClosed)
		return
	}

	if err := c.connect(ctx); err != nil {
		c.RaiseError("connect", rabbitmq.SanitizeURL(c.cfg.URL), err)
		return
	}

	var body bytes.Buffer
	if err := c.Serializer().Write(&body, msg); err != nil {
		c.RaiseError("publish", artifact, err)
		return
	}

	publishing := amqp.Publishing{
		ContentType:  c.Serializer().ContentType(),
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.GetCorrelationID(),
		Type:         msg.GetKind().String(),
		Timestamp:    msg.GetTimestamp(),
		Headers: amqp.Table{
			"event":     msg.GetEvent(),
			"direction": msg.GetDirection().String(),
		},
		Body: body.Bytes(),
	}

	err := reliability.Retry(ctx, c.retry, "publish "+artifact, func() error {
		return c.guard(ctx, func() error {
			ch, err := c.publishChannel()
			if err != nil {
				return err
			}
			if err := ch.PublishWithContext(ctx, c.cfg.Exchange, msg.GetEvent(), false, false, publishing); err != nil {
				c.dropPublisher(ch)
				return &rabbitmq.PublishError{
					Exchange:   c.cfg.Exchange,
					RoutingKey: msg.GetEvent(),
					Err:        err,
					Timestamp:  time.Now(),
				}
			}
			return nil
		})
	})
	if err != nil {
		c.RaiseError("publish", artifact, err)
		return
	}

	c.logger.Debug("published message",
		"correlationId", msg.GetCorrelationID(),
		"event", msg.GetEvent(),
		"exchange", c.cfg.Exchange,
	)
	c.MarkHealthy()
}

func (c *Channel) guard(ctx context.Context, fn func() error) error {
	if c.breaker == nil {
		return fn()
	}
	return c.breaker.Execute(ctx, fn)
}

// publishChannel returns the channel used for publishing, declaring the topology on a
// fresh one
func (c *Channel) publishChannel() (rabbitmq.AMQPChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publisher != nil {
		return c.publisher, nil
	}
	ch, err := c.manager.Channel()
	if err != nil {
		return nil, err
	}
	if err := rabbitmq.Declare(ch, c.cfg.topology()); err != nil {
		ch.Close()
		return nil, err
	}
	c.publisher = ch
	return ch, nil
}

func (c *Channel) dropPublisher(ch rabbitmq.AMQPChannel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.publisher == ch {
		c.publisher = nil
		ch.Close()
	}
}

// StartListening consumes the configured queue. Consumption resumes by itself after a
// reconnect. Calling it again while listening has no effect.
func (c *Channel) StartListening(ctx context.Context) error {
	if c.cfg.Queue == "" {
		return ErrNoQueue
	}

	c.mu.Lock()
	closed, listening := c.closed, c.listening
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if listening {
		return nil
	}

	if err := c.connect(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.listening {
		return nil
	}
	c.listenCtx, c.cancel = context.WithCancel(ctx)
	if err := c.consumeLocked(); err != nil {
		c.cancel()
		return err
	}
	c.listening = true
	c.logger.Info("consuming queue", "queue", c.cfg.Queue, "exchange", c.cfg.Exchange)
	return nil
}

// consumeLocked opens a consumer on the current connection. Caller holds c.mu.
func (c *Channel) consumeLocked() error {
	ch, err := c.manager.Channel()
	if err != nil {
		return err
	}
	if err := rabbitmq.Declare(ch, c.cfg.topology()); err != nil {
		ch.Close()
		return err
	}
	if c.cfg.Prefetch > 0 {
		if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			return err
		}
	}
	deliveries, err := ch.Consume(c.cfg.Queue, c.Name(), false, false, false, false, nil)
	if err != nil {
		ch.Close()
		return err
	}

	if c.consumer != nil {
		c.consumer.Close()
	}
	c.consumer = ch
	c.wg.Add(1)
	go c.consume(c.listenCtx, deliveries)
	return nil
}

func (c *Channel) consume(ctx context.Context, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.handleDelivery(d)
		}
	}
}

func (c *Channel) handleDelivery(d amqp.Delivery) {
	msg, err := c.Serializer().Read(bytes.NewReader(d.Body))
	if err != nil {
		c.reject(d)
		c.RaiseError("parse", d.MessageId, err)
		return
	}

	handle, err := c.Dispatch(msg)
	if err != nil {
		c.reject(d)
		c.RaiseError("dispatch", d.MessageId, err)
		return
	}
	c.MarkHealthy()

	handle.OnCompleted(func(*workqueue.WorkItem) {
		if err := d.Ack(false); err != nil {
			c.RaiseError("ack", d.MessageId, err)
		}
	})
	handle.OnError(func(_ *workqueue.WorkItem, err error) {
		c.logger.Info("rejecting failed delivery",
			"correlationId", msg.GetCorrelationID(),
			"event", msg.GetEvent(),
			"error", err,
		)
		c.reject(d)
	})
}

func (c *Channel) reject(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		c.RaiseError("nack", d.MessageId, err)
	}
}

// StopListening cancels the consumer and waits for the consume loop to exit. Deliveries
// already handed to the subscriber are still acknowledged, and publishing keeps working.
func (c *Channel) StopListening() error {
	c.mu.Lock()
	if !c.listening {
		c.mu.Unlock()
		return nil
	}
	c.listening = false
	if c.cancel != nil {
		c.cancel()
	}
	consumer := c.consumer
	c.mu.Unlock()

	var err error
	if consumer != nil {
		err = consumer.Cancel(c.Name(), false)
	}
	c.wg.Wait()
	return err
}

// Close stops consuming and closes the connection
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	for _, ch := range []rabbitmq.AMQPChannel{c.consumer, c.publisher} {
		if ch != nil {
			ch.Close()
		}
	}
	c.consumer, c.publisher = nil, nil
	c.mu.Unlock()

	err := c.manager.Close()
	c.wg.Wait()
	return err
}
