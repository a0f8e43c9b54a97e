package messaging

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/glimte/courier-go/channels"
	"github.com/glimte/courier-go/contracts"
	"github.com/glimte/courier-go/serialization"
	"github.com/glimte/courier-go/workqueue"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockSink records invocations
type mockSink struct {
	mock.Mock
	name string
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) InvokeRequest(ctx context.Context, req *contracts.RequestMessage) error {
	args := m.Called(ctx, req)
	return args.Error(0)
}

func (m *mockSink) InvokeReply(ctx context.Context, reply *contracts.ReplyMessage) error {
	args := m.Called(ctx, reply)
	return args.Error(0)
}

// fakeChannel is an in-memory bidirectional channel
type fakeChannel struct {
	*channels.Base

	mu            sync.Mutex
	listening     int
	publishedReqs []*contracts.RequestMessage
	publishedReps []*contracts.ReplyMessage
	// ctxErrs holds the publish context error seen by each publish
	ctxErrs []error
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{Base: channels.NewBase(name, nil)}
}

func (c *fakeChannel) StartListening(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening++
	return nil
}

func (c *fakeChannel) PublishRequest(ctx context.Context, msg *contracts.RequestMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishedReqs = append(c.publishedReqs, msg)
	c.ctxErrs = append(c.ctxErrs, ctx.Err())
}

func (c *fakeChannel) PublishReply(ctx context.Context, msg *contracts.ReplyMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.publishedReps = append(c.publishedReps, msg)
	c.ctxErrs = append(c.ctxErrs, ctx.Err())
}

func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) requests() []*contracts.RequestMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.RequestMessage(nil), c.publishedReqs...)
}

func (c *fakeChannel) publishCtxErrs() []error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]error(nil), c.ctxErrs...)
}

func (c *fakeChannel) replies() []*contracts.ReplyMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*contracts.ReplyMessage(nil), c.publishedReps...)
}

// replySink collects forwarded replies
type replySink struct {
	mu      sync.Mutex
	replies []*contracts.ReplyMessage
	ctxErrs []error
}

func (s *replySink) forward(ctx context.Context, reply *contracts.ReplyMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, reply)
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
}

func (s *replySink) forwardCtxErrs() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.ctxErrs...)
}

func (s *replySink) all() []*contracts.ReplyMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*contracts.ReplyMessage(nil), s.replies...)
}

func newOrder(t *testing.T, corr string) *contracts.RequestMessage {
	t.Helper()
	req, err := contracts.Create(corr, "OrderCreated",
		contracts.WithEnvironment("prod"),
		contracts.WithContent(contracts.NewDocument().Set("orderId", contracts.Int(42))),
	)
	require.NoError(t, err)
	return req
}

// wireCopies serializes msg and reads it back n times, as n identical deliveries
func wireCopies(t *testing.T, msg contracts.Message, n int) []contracts.Message {
	t.Helper()
	s := serialization.NewJSONSerializer()
	var buf bytes.Buffer
	require.NoError(t, s.Write(&buf, msg))

	out := make([]contracts.Message, 0, n)
	for i := 0; i < n; i++ {
		decoded, err := s.Read(bytes.NewReader(buf.Bytes()))
		require.NoError(t, err)
		out = append(out, decoded)
	}
	return out
}

func wait(t *testing.T, item *workqueue.WorkItem) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-item.Done():
		return item.Err()
	case <-ctx.Done():
		t.Fatalf("work item %s did not finish", item.Name())
		return nil
	}
}
