package filesystem

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// DefaultExtension is used when no extension is configured
const DefaultExtension = ".txt"

// Config holds the directory layout of a channel
type Config struct {
	InboxPath   string
	OutboxPath  string
	ArchivePath string
	ErrorPath   string
	Extension   string
	// Throttle is the quiet period a file must observe before it is read. Zero reads
	// a file on its first notification.
	Throttle time.Duration
}

// ConfigFromSettings reads the keys inbox, outbox, archive, error, extension and throttle
func ConfigFromSettings(settings map[string]string) (Config, error) {
	cfg := Config{
		InboxPath:   settings["inbox"],
		OutboxPath:  settings["outbox"],
		ArchivePath: settings["archive"],
		ErrorPath:   settings["error"],
		Extension:   settings["extension"],
	}
	if raw := strings.TrimSpace(settings["throttle"]); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return Config{}, fmt.Errorf("filesystem: invalid throttle %q: %w", raw, err)
		}
		cfg.Throttle = d
	}
	cfg.normalize()
	return cfg, cfg.Validate()
}

func (c *Config) normalize() {
	if c.Extension == "" {
		c.Extension = DefaultExtension
	}
	if !strings.HasPrefix(c.Extension, ".") {
		c.Extension = "." + c.Extension
	}
}

// Validate checks that the layout is usable. A channel needs an inbox, an outbox or
// both; an inbox needs archive and error directories.
func (c Config) Validate() error {
	if c.InboxPath == "" && c.OutboxPath == "" {
		return errors.New("filesystem: inbox or outbox path is required")
	}
	if c.InboxPath != "" {
		if c.ArchivePath == "" {
			return errors.New("filesystem: archive path is required with an inbox")
		}
		if c.ErrorPath == "" {
			return errors.New("filesystem: error path is required with an inbox")
		}
	}
	if c.Throttle < 0 {
		return errors.New("filesystem: throttle cannot be negative")
	}
	return nil
}

// ensureDirectories creates every configured directory
func (c Config) ensureDirectories() error {
	for _, dir := range []string{c.InboxPath, c.OutboxPath, c.ArchivePath, c.ErrorPath} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("filesystem: failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
