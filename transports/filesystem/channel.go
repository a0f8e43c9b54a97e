package filesystem

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/fsnotify/fsnotify"
	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/serialization"
	"github.com/glimte/courier-go/workqueue"
	"github.com/google/uuid"
)

var (
	// ErrArtifactExists is raised when a published file name is already taken
	ErrArtifactExists = errors.New("filesystem: artifact already exists")
	// ErrNoInbox is returned when listening on a channel without inbox
	ErrNoInbox = errors.New("filesystem: channel has no inbox")
	// ErrNoOutbox is raised when publishing on a channel without outbox
	ErrNoOutbox = errors.New("filesystem: channel has no outbox")
	// ErrClosed is returned by operations on a closed channel
	ErrClosed = errors.New("filesystem: channel closed")
)

// Channel is a bidirectional channel over directories
type Channel struct {
	*channels.Base

	cfg    Config
	logger *slog.Logger
	retry  reliability.RetryPolicy
	now    func() time.Time

	mu        sync.Mutex
	inflight  map[string]struct{}
	timers    map[string]*time.Timer
	pending   []string
	signal    chan struct{}
	watcher   *fsnotify.Watcher
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	listening bool
	closed    bool
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

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(c *Channel) {
		if now != nil {
			c.now = now
		}
	}
}

var _ channels.Bidirectional = (*Channel)(nil)

// New creates a channel and the directories of cfg
func New(name string, cfg Config, serializer serialization.Serializer, opts ...Option) (*Channel, error) {
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.ensureDirectories(); err != nil {
		return nil, err
	}

	c := &Channel{
		Base:     channels.NewBase(name, serializer),
		cfg:      cfg,
		logger:   slog.Default(),
		retry:    reliability.NoRetry{},
		now:      time.Now,
		inflight: make(map[string]struct{}),
		timers:   make(map[string]*time.Timer),
		signal:   make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Base.SetClock(c.now)
	c.logger = c.logger.With("channel", name)
	return c, nil
}

// Config returns the directory layout
func (c *Channel) Config() Config {
	return c.cfg
}

// FileName returns the artifact name of msg
func FileName(msg contracts.Message, ext string) string {
	return fmt.Sprintf("%s-%s-%s-%s%s",
		sanitize(msg.GetEnvironment()),
		msg.GetTimestamp().UTC().Format("060102"),
		lastAlphanumerics(msg.GetCorrelationID(), 5),
		sanitize(msg.GetEvent()),
		ext,
	)
}

func lastAlphanumerics(s string, n int) string {
	var kept []rune
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			kept = append(kept, r)
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return string(kept)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
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
	name := FileName(msg, c.cfg.Extension)
	if c.cfg.OutboxPath == "" {
		c.RaiseError("publish", name, ErrNoOutbox)
		return
	}

	var data bytes.Buffer
	if err := c.Serializer().Write(&data, msg); err != nil {
		c.RaiseError("publish", name, err)
		return
	}

	target := filepath.Join(c.cfg.OutboxPath, name)
	err := reliability.Retry(ctx, c.retry, "publish "+name, func() error {
		return writeExclusive(c.cfg.OutboxPath, target, data.Bytes())
	})
	if err != nil {
		c.RaiseError("publish", name, err)
		return
	}

	c.logger.Debug("published message",
		"correlationId", msg.GetCorrelationID(),
		"event", msg.GetEvent(),
		"file", name,
	)
	c.MarkHealthy()
}

// writeExclusive writes data to a hidden file in dir and links it to target.
// The link fails when target exists, so an artifact is never replaced.
func writeExclusive(dir, target string, data []byte) error {
	tmp := filepath.Join(dir, "."+uuid.New().String()+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	err = os.Link(tmp, target)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return reliability.Permanent(fmt.Errorf("%w: %s", ErrArtifactExists, filepath.Base(target)))
	}

	// hard links are not available everywhere; exclusive create is the fallback
	out, cerr := os.OpenFile(target, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if cerr != nil {
		if errors.Is(cerr, fs.ErrExist) {
			return reliability.Permanent(fmt.Errorf("%w: %s", ErrArtifactExists, filepath.Base(target)))
		}
		return fmt.Errorf("link failed: %v; create failed: %w", err, cerr)
	}
	if _, err := out.Write(data); err != nil {
		out.Close()
		os.Remove(target)
		return err
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(target)
		return err
	}
	return out.Close()
}

// StartListening watches the inbox and processes files already present.
// Calling it again while listening has no effect.
func (c *Channel) StartListening(ctx context.Context) error {
	if c.cfg.InboxPath == "" {
		return ErrNoInbox
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if c.listening {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("filesystem: failed to create watcher: %w", err)
	}
	if err := watcher.Add(c.cfg.InboxPath); err != nil {
		watcher.Close()
		return fmt.Errorf("filesystem: failed to watch %s: %w", c.cfg.InboxPath, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	c.watcher = watcher
	c.cancel = cancel
	c.listening = true

	c.wg.Add(2)
	go c.watch(ctx, watcher)
	go c.process(ctx)

	// after Add so that no file slips between the scan and the first event
	entries, err := os.ReadDir(c.cfg.InboxPath)
	if err != nil {
		c.logger.Warn("failed to scan inbox", "path", c.cfg.InboxPath, "error", err)
	}
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			c.enqueueLocked(filepath.Join(c.cfg.InboxPath, entry.Name()))
		}
	}

	c.logger.Info("listening for files", "path", c.cfg.InboxPath, "existing", len(c.pending))
	return nil
}

func (c *Channel) ready(path string) bool {
	base := filepath.Base(path)
	return !strings.HasPrefix(base, ".") && strings.HasSuffix(base, c.cfg.Extension)
}

func (c *Channel) watch(ctx context.Context, watcher *fsnotify.Watcher) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				c.notify(event.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			c.RaiseError("watch", c.cfg.InboxPath, err)
		}
	}
}

// notify schedules path, coalescing notifications within the throttle period
func (c *Channel) notify(path string) {
	if !c.ready(path) {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Throttle <= 0 {
		c.enqueueLocked(path)
		return
	}
	if t, ok := c.timers[path]; ok {
		t.Reset(c.cfg.Throttle)
		return
	}
	c.timers[path] = time.AfterFunc(c.cfg.Throttle, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.timers, path)
		if c.listening {
			c.enqueueLocked(path)
		}
	})
}

// enqueueLocked queues path unless it is already being handled. Caller holds c.mu.
func (c *Channel) enqueueLocked(path string) {
	if !c.ready(path) {
		return
	}
	if _, busy := c.inflight[path]; busy {
		return
	}
	c.inflight[path] = struct{}{}
	c.pending = append(c.pending, path)
	select {
	case c.signal <- struct{}{}:
	default:
	}
}

func (c *Channel) release(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inflight, path)
}

func (c *Channel) process(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.signal:
		}

		for {
			c.mu.Lock()
			if len(c.pending) == 0 {
				c.mu.Unlock()
				break
			}
			path := c.pending[0]
			c.pending = c.pending[1:]
			c.mu.Unlock()

			c.handleFile(path)
		}
	}
}

func (c *Channel) handleFile(path string) {
	name := filepath.Base(path)

	data, err := os.ReadFile(path)
	if err != nil {
		c.release(path)
		if !errors.Is(err, fs.ErrNotExist) {
			c.RaiseError("read", name, err)
		}
		return
	}

	msg, err := c.Serializer().Read(bytes.NewReader(data))
	if err != nil {
		c.moveTo(path, c.cfg.ErrorPath)
		c.RaiseError("parse", name, err)
		return
	}

	handle, err := c.Dispatch(msg)
	if err != nil {
		c.moveTo(path, c.cfg.ErrorPath)
		c.RaiseError("dispatch", name, err)
		return
	}
	c.MarkHealthy()

	handle.OnCompleted(func(*workqueue.WorkItem) {
		c.moveTo(path, c.cfg.ArchivePath)
	})
	handle.OnError(func(_ *workqueue.WorkItem, err error) {
		c.logger.Info("moving failed file",
			"file", name,
			"correlationId", msg.GetCorrelationID(),
			"error", err,
		)
		c.moveTo(path, c.cfg.ErrorPath)
	})
}

// moveTo moves path into dir without replacing an existing file
func (c *Channel) moveTo(path, dir string) {
	defer c.release(path)

	name := filepath.Base(path)
	target := filepath.Join(dir, name)
	if _, err := os.Lstat(target); err == nil {
		ext := filepath.Ext(name)
		stem := strings.TrimSuffix(name, ext)
		target = filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, c.now().UTC().Format("20060102T150405.000000000"), ext))
	}

	if err := os.Rename(path, target); err != nil {
		c.RaiseError("move", name, err)
		return
	}
	c.logger.Debug("moved file", "file", name, "target", target)
}

// StopListening stops watching the inbox and waits for the listener to exit. Work
// already handed to the subscriber still moves its files, and publishing keeps working.
func (c *Channel) StopListening() error {
	c.mu.Lock()
	for path, t := range c.timers {
		t.Stop()
		delete(c.timers, path)
	}
	for _, path := range c.pending {
		delete(c.inflight, path)
	}
	c.pending = nil
	cancel, watcher := c.cancel, c.watcher
	c.cancel, c.watcher = nil, nil
	c.listening = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	var err error
	if watcher != nil {
		err = watcher.Close()
	}
	c.wg.Wait()
	return err
}

// Close stops listening for good
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	return c.StopListening()
}
