package rabbitmq

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/glimte/courier-go/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultReconnectDelay = 5 * time.Second
	maxReconnectDelay     = 5 * time.Minute
	defaultDialTimeout    = 30 * time.Second
)

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
	OnReconnecting(attempt int)
}

// StateListenerFuncs adapts functions to ConnectionStateListener. Nil fields are skipped.
type StateListenerFuncs struct {
	Connected    func()
	Disconnected func(err error)
	Reconnecting func(attempt int)
}

// OnConnected implements ConnectionStateListener
func (f *StateListenerFuncs) OnConnected() {
	if f.Connected != nil {
		f.Connected()
	}
}

// OnDisconnected implements ConnectionStateListener
func (f *StateListenerFuncs) OnDisconnected(err error) {
	if f.Disconnected != nil {
		f.Disconnected(err)
	}
}

// OnReconnecting implements ConnectionStateListener
func (f *StateListenerFuncs) OnReconnecting(attempt int) {
	if f.Reconnecting != nil {
		f.Reconnecting(attempt)
	}
}

// ConnectionManager manages the RabbitMQ connection with automatic reconnection
type ConnectionManager struct {
	url            string
	dial           Dialer
	conn           Connection
	mu             sync.RWMutex
	reconnectDelay time.Duration
	dialTimeout    time.Duration
	maxRetries     int
	logger         *slog.Logger
	isConnected    bool
	closed         bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithReconnectDelay sets the initial reconnection delay
func WithReconnectDelay(delay time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.reconnectDelay = delay
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(timeout time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dialTimeout = timeout
	}
}

// WithMaxRetries sets the maximum number of reconnection attempts. Negative means unlimited.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithDialer replaces the dialer, mostly for tests
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		if dial != nil {
			cm.dial = dial
		}
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:            url,
		dial:           Dial,
		reconnectDelay: defaultReconnectDelay,
		dialTimeout:    defaultDialTimeout,
		maxRetries:     -1,
		logger:         slog.Default(),
		done:           make(chan struct{}),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect establishes the initial connection
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return ErrManagerClosed
	}
	if cm.isConnected {
		cm.mu.Unlock()
		return nil
	}
	cm.mu.Unlock()

	conn, err := cm.dialWithTimeout(ctx)
	if err != nil {
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
			Attempts:  1,
		}
	}

	if !cm.install(conn) {
		conn.Close()
		return ErrManagerClosed
	}
	cm.logger.Info("connected to RabbitMQ", "url", SanitizeURL(cm.url))
	return nil
}

// dialWithTimeout dials in the background so that a hanging broker cannot block past ctx
func (cm *ConnectionManager) dialWithTimeout(ctx context.Context) (Connection, error) {
	dialCtx, cancel := context.WithTimeout(ctx, cm.dialTimeout)
	defer cancel()

	type result struct {
		conn Connection
		err  error
	}
	results := make(chan result, 1)
	go func() {
		conn, err := cm.dial(cm.url)
		results <- result{conn: conn, err: err}
	}()

	select {
	case r := <-results:
		return r.conn, r.err
	case <-dialCtx.Done():
		go func() {
			// a late connection is closed rather than leaked
			if r := <-results; r.conn != nil {
				r.conn.Close()
			}
		}()
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) {
			return nil, ErrConnectionTimeout
		}
		return nil, dialCtx.Err()
	case <-cm.done:
		return nil, ErrManagerClosed
	}
}

// install makes conn current and starts watching it. It reports false when the manager
// was closed in the meantime.
func (cm *ConnectionManager) install(conn Connection) bool {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return false
	}
	notifyClose := conn.NotifyClose(make(chan *amqp.Error, 1))
	cm.conn = conn
	cm.isConnected = true
	cm.mu.Unlock()

	cm.notifyConnected()
	go cm.handleReconnect(notifyClose)
	return true
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}
	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}
	return cm.conn, nil
}

// Channel opens a channel on the current connection
func (cm *ConnectionManager) Channel() (AMQPChannel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, err
	}
	return conn.Channel()
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected
}

// Close closes the connection and stops reconnecting
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.isConnected = false

	if cm.conn != nil {
		err := cm.conn.Close()
		cm.conn = nil
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return err
	}
	return nil
}

// handleReconnect waits for the connection to close and then reconnects
func (cm *ConnectionManager) handleReconnect(notifyClose <-chan *amqp.Error) {
	select {
	case amqpErr, ok := <-notifyClose:
		var err error
		if ok && amqpErr != nil {
			err = amqpErr
			cm.logger.Error("connection closed", "error", amqpErr)
		} else {
			err = ErrConnectionClosed
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			return
		}
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(err)
		cm.reconnect()

	case <-cm.done:
		cm.logger.Info("connection manager shutting down")
	}
}

func (cm *ConnectionManager) backoff() reliability.RetryPolicy {
	attempts := cm.maxRetries
	if attempts < 0 {
		attempts = math.MaxInt
	}
	base := cm.reconnectDelay
	if base <= 0 {
		base = defaultReconnectDelay
	}
	return reliability.NewExponentialBackoff(base, maxReconnectDelay, 2.0, attempts)
}

// reconnect dials until it succeeds, the retry budget runs out or the manager closes
func (cm *ConnectionManager) reconnect() {
	policy := cm.backoff()
	startTime := time.Now()

	for attempt := 0; ; attempt++ {
		select {
		case <-cm.done:
			return
		default:
		}

		cm.logger.Info("attempting to reconnect",
			"attempt", attempt+1,
			"maxRetries", cm.maxRetries)
		cm.notifyReconnecting(attempt + 1)

		conn, err := cm.dialWithTimeout(context.Background())
		if err == nil {
			if !cm.install(conn) {
				conn.Close()
				return
			}
			cm.logger.Info("successfully reconnected to RabbitMQ",
				"attempts", attempt+1,
				"duration", time.Since(startTime))
			return
		}
		if errors.Is(err, ErrManagerClosed) {
			return
		}

		// attempt+1 attempts were made; the budget counts attempts, not retries
		if retry, _ := policy.ShouldRetry(attempt+1, err); !retry {
			cm.logger.Error("max reconnection attempts reached",
				"attempts", attempt+1,
				"duration", time.Since(startTime))
			cm.notifyDisconnected(&ConnectionError{
				Op:        "reconnect",
				URL:       SanitizeURL(cm.url),
				Err:       ErrMaxRetriesExceeded,
				Timestamp: time.Now(),
				Attempts:  attempt + 1,
			})
			return
		}

		delay := policy.NextDelay(attempt)
		cm.logger.Error("reconnection failed",
			"error", err,
			"attempt", attempt+1,
			"nextRetryIn", delay)

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-cm.done:
			timer.Stop()
			return
		}
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) listeners() []ConnectionStateListener {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()
	return append([]ConnectionStateListener(nil), cm.stateListeners...)
}

// Listeners run synchronously and in registration order, so that a listener observes
// transitions in the order they happened.
func (cm *ConnectionManager) notifyConnected() {
	for _, listener := range cm.listeners() {
		listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	for _, listener := range cm.listeners() {
		listener.OnDisconnected(err)
	}
}

func (cm *ConnectionManager) notifyReconnecting(attempt int) {
	for _, listener := range cm.listeners() {
		listener.OnReconnecting(attempt)
	}
}
