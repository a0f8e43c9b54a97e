package filesystem

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/internal/reliability"
	"github.com/glimte/courier-go/serialization"
	"github.com/glimte/courier-go/workqueue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dirs struct {
	inbox, outbox, archive, errs string
}

func newDirs(t *testing.T) dirs {
	root := t.TempDir()
	return dirs{
		inbox:   filepath.Join(root, "inbox"),
		outbox:  filepath.Join(root, "outbox"),
		archive: filepath.Join(root, "archive"),
		errs:    filepath.Join(root, "error"),
	}
}

func (d dirs) config() Config {
	return Config{InboxPath: d.inbox, OutboxPath: d.outbox, ArchivePath: d.archive, ErrorPath: d.errs}
}

func newOrder(t *testing.T, corr string) *contracts.RequestMessage {
	req, err := contracts.Create(corr, "OrderCreated",
		contracts.WithEnvironment("prod"),
		contracts.WithTimestamp(time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC)),
	)
	require.NoError(t, err)
	req.Content().Set("orderId", contracts.Int(42))
	return req
}

// errorRecorder collects channel errors
type errorRecorder struct {
	mu     sync.Mutex
	events []channels.ErrorEvent
}

func (r *errorRecorder) record(e channels.ErrorEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *errorRecorder) all() []channels.ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]channels.ErrorEvent(nil), r.events...)
}

func files(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func eventuallyFiles(t *testing.T, dir string, n int) []string {
	var names []string
	require.Eventually(t, func() bool {
		names = files(t, dir)
		return len(names) == n
	}, 5*time.Second, 10*time.Millisecond, "expected %d files in %s", n, dir)
	return names
}

func TestFileName(t *testing.T) {
	t.Run("uses last five alphanumerics", func(t *testing.T) {
		assert.Equal(t, "prod-240309-bc123-OrderCreated.txt", FileName(newOrder(t, "abc-123"), ".txt"))
	})

	t.Run("short correlation ids are kept whole", func(t *testing.T) {
		assert.Equal(t, "prod-240309-a1-OrderCreated.xml", FileName(newOrder(t, "a-1"), ".xml"))
	})

	t.Run("path separators are replaced", func(t *testing.T) {
		req, err := contracts.Create("abcdef", "Order/Created",
			contracts.WithEnvironment("a/b"),
			contracts.WithTimestamp(time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)),
		)
		require.NoError(t, err)
		assert.Equal(t, "a_b-240309-bcdef-Order_Created.txt", FileName(req, ".txt"))

		req, err = contracts.Create("abcdef", "Order\\Created",
			contracts.WithEnvironment("a\\b"),
			contracts.WithTimestamp(time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)),
		)
		require.NoError(t, err)
		assert.Equal(t, "a_b-240309-bcdef-Order_Created.txt", FileName(req, ".txt"))
	})
}

func TestConfig(t *testing.T) {
	t.Run("from settings", func(t *testing.T) {
		cfg, err := ConfigFromSettings(map[string]string{
			"inbox":     "/in",
			"archive":   "/archive",
			"error":     "/error",
			"extension": "json",
			"throttle":  "250ms",
		})
		require.NoError(t, err)
		assert.Equal(t, "/in", cfg.InboxPath)
		assert.Equal(t, ".json", cfg.Extension)
		assert.Equal(t, 250*time.Millisecond, cfg.Throttle)
	})

	t.Run("default extension", func(t *testing.T) {
		cfg, err := ConfigFromSettings(map[string]string{"outbox": "/out"})
		require.NoError(t, err)
		assert.Equal(t, DefaultExtension, cfg.Extension)
	})

	t.Run("invalid", func(t *testing.T) {
		cases := map[string]map[string]string{
			"no directories":        {},
			"inbox without archive": {"inbox": "/in", "error": "/error"},
			"inbox without error":   {"inbox": "/in", "archive": "/archive"},
			"bad throttle":          {"outbox": "/out", "throttle": "soon"},
			"negative throttle":     {"outbox": "/out", "throttle": "-1s"},
		}
		for name, settings := range cases {
			t.Run(name, func(t *testing.T) {
				_, err := ConfigFromSettings(settings)
				assert.Error(t, err)
			})
		}
	})

	t.Run("directories are created", func(t *testing.T) {
		d := newDirs(t)
		_, err := New("files", d.config(), nil)
		require.NoError(t, err)
		for _, dir := range []string{d.inbox, d.outbox, d.archive, d.errs} {
			info, err := os.Stat(dir)
			require.NoError(t, err)
			assert.True(t, info.IsDir())
		}
	})
}

func TestPublish(t *testing.T) {
	t.Run("writes the serialized message", func(t *testing.T) {
		d := newDirs(t)
		ch, err := New("files", d.config(), nil)
		require.NoError(t, err)

		req := newOrder(t, "abc-123")
		ch.PublishRequest(context.Background(), req)

		assert.Equal(t, []string{"prod-240309-bc123-OrderCreated.txt"}, files(t, d.outbox))

		f, err := os.Open(filepath.Join(d.outbox, "prod-240309-bc123-OrderCreated.txt"))
		require.NoError(t, err)
		defer f.Close()

		decoded, err := serialization.NewJSONSerializer().Read(f)
		require.NoError(t, err)
		assert.Equal(t, "abc-123", decoded.GetCorrelationID())
		orderID, ok := decoded.Content().Get("orderId")
		require.True(t, ok)
		assert.Equal(t, contracts.Int(42), orderID)
	})

	t.Run("second publish with same name is a channel error", func(t *testing.T) {
		d := newDirs(t)
		ch, err := New("files", d.config(), nil)
		require.NoError(t, err)
		recorder := &errorRecorder{}
		ch.OnChannelError(recorder.record)

		ch.PublishRequest(context.Background(), newOrder(t, "abc-123"))
		first, err := os.ReadFile(filepath.Join(d.outbox, "prod-240309-bc123-OrderCreated.txt"))
		require.NoError(t, err)

		other := newOrder(t, "zzz-bc123")
		other.Content().Set("orderId", contracts.Int(7))
		ch.PublishRequest(context.Background(), other)

		events := recorder.all()
		require.Len(t, events, 1)
		assert.Equal(t, "publish", events[0].Op)
		assert.ErrorIs(t, events[0].Err, ErrArtifactExists)

		var chErr *channels.ChannelError
		require.True(t, errors.As(events[0].Err, &chErr))
		assert.Equal(t, "files", chErr.Channel)

		after, err := os.ReadFile(filepath.Join(d.outbox, "prod-240309-bc123-OrderCreated.txt"))
		require.NoError(t, err)
		assert.Equal(t, first, after)
		assert.Len(t, files(t, d.outbox), 1, "temporary files are removed")
		assert.True(t, ch.Degraded())
	})

	t.Run("collision is not retried", func(t *testing.T) {
		d := newDirs(t)
		ch, err := New("files", d.config(), nil, WithRetryPolicy(reliability.NewFixedDelay(time.Second, 5)))
		require.NoError(t, err)
		recorder := &errorRecorder{}
		ch.OnChannelError(recorder.record)

		ch.PublishRequest(context.Background(), newOrder(t, "abc-123"))
		start := time.Now()
		ch.PublishRequest(context.Background(), newOrder(t, "abc-123"))

		assert.Less(t, time.Since(start), 500*time.Millisecond)
		require.Len(t, recorder.all(), 1)
		var retryErr *reliability.RetryError
		assert.False(t, errors.As(recorder.all()[0].Err, &retryErr))
	})

	t.Run("successful publish recovers the channel", func(t *testing.T) {
		d := newDirs(t)
		ch, err := New("files", d.config(), nil)
		require.NoError(t, err)
		recovered := 0
		ch.OnChannelRecovery(func(channels.RecoveryEvent) { recovered++ })

		ch.PublishRequest(context.Background(), newOrder(t, "abc-123"))
		ch.PublishRequest(context.Background(), newOrder(t, "abc-123"))
		require.True(t, ch.Degraded())

		ch.PublishRequest(context.Background(), newOrder(t, "abc-999"))
		assert.False(t, ch.Degraded())
		assert.Equal(t, 1, recovered)
	})

	t.Run("channel without outbox", func(t *testing.T) {
		d := newDirs(t)
		cfg := d.config()
		cfg.OutboxPath = ""
		ch, err := New("files", cfg, nil)
		require.NoError(t, err)
		recorder := &errorRecorder{}
		ch.OnChannelError(recorder.record)

		ch.PublishRequest(context.Background(), newOrder(t, "abc-123"))
		require.Len(t, recorder.all(), 1)
		assert.ErrorIs(t, recorder.all()[0].Err, ErrNoOutbox)
	})

	t.Run("replies use the yaml serializer when configured", func(t *testing.T) {
		d := newDirs(t)
		ch, err := New("files", d.config(), serialization.NewYAMLSerializer())
		require.NoError(t, err)

		req := newOrder(t, "abc-123")
		require.NoError(t, req.SetDirection(contracts.DirectionIncoming))
		reply, err := contracts.Success(req)
		require.NoError(t, err)
		ch.PublishReply(context.Background(), reply)

		f, err := os.Open(filepath.Join(d.outbox, FileName(reply, ".txt")))
		require.NoError(t, err)
		defer f.Close()
		decoded, err := serialization.NewYAMLSerializer().Read(f)
		require.NoError(t, err)
		assert.Equal(t, contracts.KindReply, decoded.GetKind())
		assert.Equal(t, contracts.StatusSuccess, decoded.GetStatus())
	})
}

// subscriber completes or fails work items on a started queue
type subscriber struct {
	queue *workqueue.Queue
	fail  error

	mu       sync.Mutex
	received []contracts.Message
}

func newSubscriber(t *testing.T, fail error) *subscriber {
	q := workqueue.NewQueue(workqueue.WithConcurrency(1))
	require.NoError(t, q.Start(context.Background()))
	t.Cleanup(q.Stop)
	return &subscriber{queue: q, fail: fail}
}

func (s *subscriber) attach(ch *Channel) {
	ch.OnRequestReceived(func(args *channels.ReceivingEventArgs[*contracts.RequestMessage]) {
		s.mu.Lock()
		s.received = append(s.received, args.Message)
		s.mu.Unlock()
		item := workqueue.New(args.Message.GetEvent(), func(context.Context) error { return s.fail })
		_ = s.queue.Enqueue(item)
		args.Handle = item
	})
}

func (s *subscriber) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.received)
}

func TestListening(t *testing.T) {
	// sender publishes into the receiver's inbox
	pair := func(t *testing.T, opts ...Option) (*Channel, *Channel, dirs) {
		d := newDirs(t)
		receiver, err := New("receiver", d.config(), nil, opts...)
		require.NoError(t, err)
		t.Cleanup(func() { receiver.Close() })

		sender, err := New("sender", Config{OutboxPath: d.inbox}, nil)
		require.NoError(t, err)
		return receiver, sender, d
	}

	t.Run("completed messages are archived", func(t *testing.T) {
		receiver, sender, d := pair(t)
		sub := newSubscriber(t, nil)
		sub.attach(receiver)
		require.NoError(t, receiver.StartListening(context.Background()))

		sender.PublishRequest(context.Background(), newOrder(t, "abc-123"))

		assert.Equal(t, []string{"prod-240309-bc123-OrderCreated.txt"}, eventuallyFiles(t, d.archive, 1))
		assert.Empty(t, files(t, d.inbox))
		assert.Empty(t, files(t, d.errs))
		assert.Equal(t, 1, sub.count())
	})

	t.Run("failed messages move to the error directory", func(t *testing.T) {
		receiver, sender, d := pair(t)
		sub := newSubscriber(t, errors.New("handler failed"))
		sub.attach(receiver)
		require.NoError(t, receiver.StartListening(context.Background()))

		sender.PublishRequest(context.Background(), newOrder(t, "abc-123"))

		eventuallyFiles(t, d.errs, 1)
		assert.Empty(t, files(t, d.archive))
	})

	t.Run("files present before listening are processed", func(t *testing.T) {
		receiver, sender, d := pair(t)
		sender.PublishRequest(context.Background(), newOrder(t, "abc-111"))
		sender.PublishRequest(context.Background(), newOrder(t, "abc-222"))

		sub := newSubscriber(t, nil)
		sub.attach(receiver)
		require.NoError(t, receiver.StartListening(context.Background()))

		eventuallyFiles(t, d.archive, 2)
		assert.Equal(t, 2, sub.count())
	})

	t.Run("unparsable files are reported and moved", func(t *testing.T) {
		receiver, _, d := pair(t)
		recorder := &errorRecorder{}
		receiver.OnChannelError(recorder.record)
		newSubscriber(t, nil).attach(receiver)

		require.NoError(t, os.WriteFile(filepath.Join(d.inbox, "garbage.txt"), []byte("{not json"), 0o644))
		require.NoError(t, receiver.StartListening(context.Background()))

		assert.Equal(t, []string{"garbage.txt"}, eventuallyFiles(t, d.errs, 1))
		require.Eventually(t, func() bool { return len(recorder.all()) == 1 }, time.Second, 10*time.Millisecond)
		assert.Equal(t, "parse", recorder.all()[0].Op)
		assert.Equal(t, "garbage.txt", recorder.all()[0].Artifact)
	})

	t.Run("no subscriber moves the file to the error directory", func(t *testing.T) {
		receiver, sender, d := pair(t)
		recorder := &errorRecorder{}
		receiver.OnChannelError(recorder.record)
		require.NoError(t, receiver.StartListening(context.Background()))

		sender.PublishRequest(context.Background(), newOrder(t, "abc-123"))

		eventuallyFiles(t, d.errs, 1)
		require.Eventually(t, func() bool { return len(recorder.all()) == 1 }, time.Second, 10*time.Millisecond)
		assert.ErrorIs(t, recorder.all()[0].Err, channels.ErrNoSubscriber)
	})

	t.Run("stopped listener still publishes and can resume", func(t *testing.T) {
		receiver, sender, d := pair(t)
		sub := newSubscriber(t, nil)
		sub.attach(receiver)
		require.NoError(t, receiver.StartListening(context.Background()))
		require.NoError(t, receiver.StopListening())

		sender.PublishRequest(context.Background(), newOrder(t, "abc-123"))
		time.Sleep(100 * time.Millisecond)
		assert.Len(t, files(t, d.inbox), 1)
		assert.Zero(t, sub.count())

		recorder := &errorRecorder{}
		receiver.OnChannelError(recorder.record)
		receiver.PublishRequest(context.Background(), newOrder(t, "abc-456"))
		assert.Len(t, files(t, d.outbox), 1)
		assert.Empty(t, recorder.all())

		require.NoError(t, receiver.StartListening(context.Background()))
		eventuallyFiles(t, d.archive, 1)
		assert.Equal(t, 1, sub.count())
	})

	t.Run("hidden and foreign files are ignored", func(t *testing.T) {
		receiver, _, d := pair(t)
		sub := newSubscriber(t, nil)
		sub.attach(receiver)
		require.NoError(t, receiver.StartListening(context.Background()))

		require.NoError(t, os.WriteFile(filepath.Join(d.inbox, ".partial.txt"), []byte("x"), 0o644))
		require.NoError(t, os.WriteFile(filepath.Join(d.inbox, "notes.md"), []byte("x"), 0o644))

		time.Sleep(100 * time.Millisecond)
		assert.Len(t, files(t, d.inbox), 2)
		assert.Zero(t, sub.count())
	})

	t.Run("throttled files are processed once", func(t *testing.T) {
		receiver, _, d := pair(t, WithClock(time.Now))
		receiver.cfg.Throttle = 50 * time.Millisecond
		sub := newSubscriber(t, nil)
		sub.attach(receiver)
		require.NoError(t, receiver.StartListening(context.Background()))

		data, err := os.ReadFile(writeOrder(t, newOrder(t, "abc-123")))
		require.NoError(t, err)
		tmp := filepath.Join(d.inbox, ".incoming")
		require.NoError(t, os.WriteFile(tmp, data, 0o644))
		require.NoError(t, os.Rename(tmp, filepath.Join(d.inbox, "order.txt")))

		eventuallyFiles(t, d.archive, 1)
		assert.Equal(t, 1, sub.count())
	})

	t.Run("moves never overwrite", func(t *testing.T) {
		receiver, sender, d := pair(t)
		newSubscriber(t, nil).attach(receiver)
		require.NoError(t, os.WriteFile(filepath.Join(d.archive, "prod-240309-bc123-OrderCreated.txt"), []byte("old"), 0o644))
		require.NoError(t, receiver.StartListening(context.Background()))

		sender.PublishRequest(context.Background(), newOrder(t, "abc-123"))

		names := eventuallyFiles(t, d.archive, 2)
		assert.Contains(t, names, "prod-240309-bc123-OrderCreated.txt")
		old, err := os.ReadFile(filepath.Join(d.archive, "prod-240309-bc123-OrderCreated.txt"))
		require.NoError(t, err)
		assert.Equal(t, "old", string(old))
	})

	t.Run("start listening twice is a no-op", func(t *testing.T) {
		receiver, _, _ := pair(t)
		require.NoError(t, receiver.StartListening(context.Background()))
		require.NoError(t, receiver.StartListening(context.Background()))
	})

	t.Run("without inbox", func(t *testing.T) {
		d := newDirs(t)
		ch, err := New("out", Config{OutboxPath: d.outbox}, nil)
		require.NoError(t, err)
		assert.ErrorIs(t, ch.StartListening(context.Background()), ErrNoInbox)
	})

	t.Run("closed channel", func(t *testing.T) {
		receiver, _, _ := pair(t)
		require.NoError(t, receiver.Close())
		require.NoError(t, receiver.Close())
		assert.ErrorIs(t, receiver.StartListening(context.Background()), ErrClosed)
	})
}

// writeOrder publishes req to a scratch outbox and returns the file path
func writeOrder(t *testing.T, req *contracts.RequestMessage) string {
	dir := t.TempDir()
	ch, err := New("scratch", Config{OutboxPath: dir}, nil)
	require.NoError(t, err)
	ch.PublishRequest(context.Background(), req)
	return filepath.Join(dir, FileName(req, DefaultExtension))
}
