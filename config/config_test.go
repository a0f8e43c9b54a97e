package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
service:
  name: orders
  environment: prod
log:
  level: debug
  format: json
audit:
  store: redis
  redisUrl: redis://localhost:6379/0
  ttl: 24h
  maxAge: 1h
outbound:
  concurrency: 2
retry:
  policy: exponential
  initial: 50ms
  attempts: 5
channels:
  - name: files
    type: filesystem
    direction: bidirectional
    settings:
      inbox: /var/courier/in
      outbox: /var/courier/out
      archive: /var/courier/archive
      error: /var/courier/error
  - name: broker
    type: rabbitmq
    direction: outgoing
    serializer: yaml
    settings:
      url: amqp://localhost:5672/
      exchange: courier
`

func writeFile(t *testing.T, content string) string {
	path := filepath.Join(t.TempDir(), "courier.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("file over defaults", func(t *testing.T) {
		cfg, err := Load(writeFile(t, sample))
		require.NoError(t, err)

		assert.Equal(t, "orders", cfg.Service.Name)
		assert.Equal(t, "prod", cfg.Service.Environment)
		assert.Equal(t, "debug", cfg.Log.Level)
		assert.Equal(t, "redis", cfg.Audit.Store)
		assert.Equal(t, 24*time.Hour, cfg.Audit.TTL)
		assert.Equal(t, time.Hour, cfg.Audit.MaxAge)
		assert.Equal(t, "courier:audit:", cfg.Audit.KeyPrefix, "defaults survive")
		assert.Equal(t, 2, cfg.Outbound.Concurrency)
		assert.Equal(t, 50*time.Millisecond, cfg.Retry.Initial)
		assert.Equal(t, 5*time.Second, cfg.Retry.Max)

		require.Len(t, cfg.Channels, 2)
		assert.Equal(t, "files", cfg.Channels[0].Name)
		assert.Equal(t, "/var/courier/in", cfg.Channels[0].Settings["inbox"])
		assert.Equal(t, "yaml", cfg.Channels[1].Serializer)

		dir, err := cfg.Channels[0].ParsedDirection()
		require.NoError(t, err)
		assert.Equal(t, channels.Both, dir)
	})

	t.Run("environment overrides the file", func(t *testing.T) {
		t.Setenv("COURIER_SERVICE_ENVIRONMENT", "staging")
		t.Setenv("COURIER_OUTBOUND_CONCURRENCY", "8")
		t.Setenv("COURIER_AUDIT_MAX_AGE", "30m")

		cfg, err := Load(writeFile(t, sample))
		require.NoError(t, err)
		assert.Equal(t, "staging", cfg.Service.Environment)
		assert.Equal(t, 8, cfg.Outbound.Concurrency)
		assert.Equal(t, 30*time.Minute, cfg.Audit.MaxAge)
		assert.Len(t, cfg.Channels, 2)
	})

	t.Run("no file", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("unknown keys are rejected", func(t *testing.T) {
		_, err := Load(writeFile(t, "outbound:\n  workers: 3\n"))
		assert.Error(t, err)
	})

	t.Run("bad environment value", func(t *testing.T) {
		t.Setenv("COURIER_OUTBOUND_CONCURRENCY", "lots")
		_, err := Load("")
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := map[string]func(c *Config){
		"log level":         func(c *Config) { c.Log.Level = "loud" },
		"log format":        func(c *Config) { c.Log.Format = "xml" },
		"audit store":       func(c *Config) { c.Audit.Store = "postgres" },
		"redis without url": func(c *Config) { c.Audit.Store = "redis" },
		"negative max age":  func(c *Config) { c.Audit.MaxAge = -time.Second },
		"no concurrency":    func(c *Config) { c.Outbound.Concurrency = 0 },
		"retry policy":      func(c *Config) { c.Retry.Policy = "forever" },
		"negative attempts": func(c *Config) { c.Retry.Attempts = -1 },
		"unnamed channel":   func(c *Config) { c.Channels = []ChannelDescriptor{{Type: "filesystem", Direction: "incoming"}} },
		"untyped channel":   func(c *Config) { c.Channels = []ChannelDescriptor{{Name: "a", Direction: "incoming"}} },
		"bad direction": func(c *Config) {
			c.Channels = []ChannelDescriptor{{Name: "a", Type: "filesystem", Direction: "sideways"}}
		},
		"duplicate channels": func(c *Config) {
			d := ChannelDescriptor{Name: "a", Type: "filesystem", Direction: "incoming"}
			c.Channels = []ChannelDescriptor{d, d}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})
}

func TestParse(t *testing.T) {
	cfg, err := Parse(strings.NewReader("outbound:\n  concurrency: 1\n"))
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.Outbound.Concurrency)

	cfg, err = Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestRetryPolicy(t *testing.T) {
	cfg := Default()
	policy, err := cfg.Retry.RetryPolicy()
	require.NoError(t, err)
	assert.IsType(t, reliability.NoRetry{}, policy)

	cfg.Retry.Policy = "linear"
	policy, err = cfg.Retry.RetryPolicy()
	require.NoError(t, err)
	assert.Equal(t, 3, policy.MaxRetries())
}

func TestLogger(t *testing.T) {
	var buf strings.Builder
	logger := LogConfig{Level: "warn", Format: "json"}.Logger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "correlationId", "abc")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"correlationId":"abc"`)
	assert.True(t, logger.Enabled(context.Background(), slog.LevelWarn))
}
