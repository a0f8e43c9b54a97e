// Package config loads the settings of a messaging context from a YAML file and
// COURIER_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/internal/reliability"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is wrapped by every validation failure
var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the root configuration
type Config struct {
	Service  ServiceConfig       `yaml:"service"`
	Log      LogConfig           `yaml:"log"`
	Audit    AuditConfig         `yaml:"audit"`
	Outbound OutboundConfig      `yaml:"outbound"`
	Retry    RetryConfig         `yaml:"retry"`
	Channels []ChannelDescriptor `yaml:"channels"`
}

// ServiceConfig holds the routing metadata stamped on messages created by this process
type ServiceConfig struct {
	Name        string `yaml:"name" env:"COURIER_SERVICE_NAME"`
	Environment string `yaml:"environment" env:"COURIER_SERVICE_ENVIRONMENT"`
	Application string `yaml:"application" env:"COURIER_SERVICE_APPLICATION"`
	Version     string `yaml:"version" env:"COURIER_SERVICE_VERSION"`
}

// LogConfig selects the slog handler
type LogConfig struct {
	Level  string `yaml:"level" env:"COURIER_LOG_LEVEL"`
	Format string `yaml:"format" env:"COURIER_LOG_FORMAT"`
}

// AuditConfig selects the audit store
type AuditConfig struct {
	// Store is memory or redis
	Store     string        `yaml:"store" env:"COURIER_AUDIT_STORE"`
	RedisURL  string        `yaml:"redisUrl" env:"COURIER_AUDIT_REDIS_URL"`
	KeyPrefix string        `yaml:"keyPrefix" env:"COURIER_AUDIT_KEY_PREFIX"`
	TTL       time.Duration `yaml:"ttl" env:"COURIER_AUDIT_TTL"`
	// MaxAge rejects messages older than this as stale. Zero disables the check.
	MaxAge time.Duration `yaml:"maxAge" env:"COURIER_AUDIT_MAX_AGE"`
}

// OutboundConfig tunes the outbound dispatcher
type OutboundConfig struct {
	Concurrency int `yaml:"concurrency" env:"COURIER_OUTBOUND_CONCURRENCY"`
}

// RetryConfig is the publish retry policy handed to every channel
type RetryConfig struct {
	// Policy is none, fixed, linear or exponential
	Policy   string        `yaml:"policy" env:"COURIER_RETRY_POLICY"`
	Initial  time.Duration `yaml:"initial" env:"COURIER_RETRY_INITIAL"`
	Max      time.Duration `yaml:"max" env:"COURIER_RETRY_MAX"`
	Attempts int           `yaml:"attempts" env:"COURIER_RETRY_ATTEMPTS"`
}

// ChannelDescriptor declares one channel
type ChannelDescriptor struct {
	Name string `yaml:"name"`
	// Type is the transport, filesystem or rabbitmq
	Type string `yaml:"type"`
	// Direction is incoming, outgoing or bidirectional
	Direction string `yaml:"direction"`
	// Serializer names a serializer of the registry. Empty means json.
	Serializer string `yaml:"serializer"`
	// Settings are passed to the transport as is
	Settings map[string]string `yaml:"settings"`
}

// Default returns the configuration used for keys absent from the file
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "courier",
			Environment: "dev",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Audit: AuditConfig{
			Store:     "memory",
			KeyPrefix: "courier:audit:",
		},
		Outbound: OutboundConfig{
			Concurrency: 4,
		},
		Retry: RetryConfig{
			Policy:   "none",
			Initial:  100 * time.Millisecond,
			Max:      5 * time.Second,
			Attempts: 3,
		},
	}
}

// Load reads path over Default, applies environment overrides and validates the result.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse reads YAML from r over Default without environment overrides
func Parse(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(r); err != nil {
		return nil, fmt.Errorf("config: failed to parse: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return invalid("log.format %q must be text or json", c.Log.Format)
	}

	switch strings.ToLower(c.Audit.Store) {
	case "memory":
	case "redis":
		if c.Audit.RedisURL == "" {
			return invalid("audit.redisUrl is required for the redis store")
		}
	default:
		return invalid("audit.store %q must be memory or redis", c.Audit.Store)
	}
	if c.Audit.TTL < 0 || c.Audit.MaxAge < 0 {
		return invalid("audit durations cannot be negative")
	}

	if c.Outbound.Concurrency < 1 {
		return invalid("outbound.concurrency must be at least 1")
	}
	if _, err := c.Retry.RetryPolicy(); err != nil {
		return invalid("retry: %v", err)
	}

	seen := make(map[string]bool, len(c.Channels))
	for i, d := range c.Channels {
		if strings.TrimSpace(d.Name) == "" {
			return invalid("channels[%d].name is required", i)
		}
		if seen[d.Name] {
			return invalid("channel %q is declared twice", d.Name)
		}
		seen[d.Name] = true
		if strings.TrimSpace(d.Type) == "" {
			return invalid("channel %q has no type", d.Name)
		}
		if _, err := d.ParsedDirection(); err != nil {
			return invalid("channel %q: %v", d.Name, err)
		}
	}
	return nil
}

// ParsedDirection returns the channel direction
func (d ChannelDescriptor) ParsedDirection() (channels.Direction, error) {
	return channels.ParseDirection(d.Direction)
}

// RetryPolicy builds the retry policy
func (r RetryConfig) RetryPolicy() (reliability.RetryPolicy, error) {
	if r.Attempts < 0 {
		return nil, fmt.Errorf("attempts cannot be negative")
	}
	return reliability.NewPolicy(r.Policy, r.Initial, r.Max, r.Attempts)
}

// Logger builds a logger writing to w
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(l.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, invalid("log.level %q: %v", s, err)
	}
	return level, nil
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}
