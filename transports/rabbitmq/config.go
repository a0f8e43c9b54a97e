package rabbitmq

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/glimte/courier-go/internal/rabbitmq"
)

// Config holds the broker settings of a channel
type Config struct {
	URL          string
	Exchange     string
	ExchangeType string
	// Queue is consumed when the channel listens. A publish-only channel leaves it empty.
	Queue      string
	BindingKey string
	Prefetch   int
	// ReconnectDelay is the initial delay between reconnection attempts
	ReconnectDelay time.Duration
	// MaxReconnects bounds reconnection attempts. Negative means unlimited.
	MaxReconnects int
}

// DefaultConfig returns a topic exchange bound with "#" and a prefetch of one
func DefaultConfig() Config {
	return Config{
		ExchangeType:   "topic",
		BindingKey:     "#",
		Prefetch:       1,
		ReconnectDelay: 5 * time.Second,
		MaxReconnects:  -1,
	}
}

// ConfigFromSettings reads the keys url, exchange, exchangeType, queue, bindingKey,
// prefetch, reconnectDelay and maxReconnects over DefaultConfig
func ConfigFromSettings(settings map[string]string) (Config, error) {
	cfg := DefaultConfig()
	cfg.URL = settings["url"]
	cfg.Exchange = settings["exchange"]
	cfg.Queue = settings["queue"]
	if v := settings["exchangeType"]; v != "" {
		cfg.ExchangeType = v
	}
	if v := settings["bindingKey"]; v != "" {
		cfg.BindingKey = v
	}

	if v := strings.TrimSpace(settings["prefetch"]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: prefetch %q", rabbitmq.ErrInvalidConfiguration, v)
		}
		cfg.Prefetch = n
	}
	if v := strings.TrimSpace(settings["reconnectDelay"]); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: reconnectDelay %q", rabbitmq.ErrInvalidConfiguration, v)
		}
		cfg.ReconnectDelay = d
	}
	if v := strings.TrimSpace(settings["maxReconnects"]); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: maxReconnects %q", rabbitmq.ErrInvalidConfiguration, v)
		}
		cfg.MaxReconnects = n
	}
	return cfg, cfg.Validate()
}

// Validate checks the settings
func (c Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", rabbitmq.ErrInvalidConfiguration)
	}
	if c.Exchange == "" {
		return fmt.Errorf("%w: exchange is required", rabbitmq.ErrInvalidConfiguration)
	}
	switch c.ExchangeType {
	case "direct", "topic", "fanout", "headers":
	default:
		return fmt.Errorf("%w: unknown exchange type %q", rabbitmq.ErrInvalidConfiguration, c.ExchangeType)
	}
	if c.Prefetch < 0 {
		return fmt.Errorf("%w: prefetch cannot be negative", rabbitmq.ErrInvalidConfiguration)
	}
	return nil
}

// topology returns the broker entities the channel declares
func (c Config) topology() rabbitmq.Topology {
	t := rabbitmq.Topology{
		Exchanges: []rabbitmq.ExchangeDeclaration{
			{Name: c.Exchange, Type: c.ExchangeType, Durable: true},
		},
	}
	if c.Queue != "" {
		t.Queues = []rabbitmq.QueueDeclaration{{Name: c.Queue, Durable: true}}
		t.Bindings = []rabbitmq.Binding{{Queue: c.Queue, Exchange: c.Exchange, RoutingKey: c.BindingKey}}
	}
	return t
}
