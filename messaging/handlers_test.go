package messaging

import (
	"context"
	"errors"
	"testing"

	"github.com/glimte/courier-go/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHandlers(t *testing.T) {
	ctx := context.Background()
	req, err := contracts.Create("abc-123", "OrderCreated")
	require.NoError(t, err)

	t.Run("lookup of unknown event is nil", func(t *testing.T) {
		r := NewEventHandlers(contracts.DirectionIncoming)
		assert.Nil(t, r.Request("OrderCreated"))
		assert.Nil(t, r.Reply("OrderCreated"))
		assert.Empty(t, r.Events())
	})

	t.Run("lookup is case-sensitive", func(t *testing.T) {
		r := NewEventHandlers(contracts.DirectionIncoming)
		require.NoError(t, r.RegisterRequest("OrderCreated", RequestHandlerFunc(
			func(context.Context, *contracts.RequestMessage) error { return nil })))
		assert.NotNil(t, r.Request("OrderCreated"))
		assert.Nil(t, r.Request("ordercreated"))
		assert.Nil(t, r.Reply("OrderCreated"))
	})

	t.Run("repeat registration composes in order", func(t *testing.T) {
		r := NewEventHandlers(contracts.DirectionIncoming)
		var calls []string
		for _, name := range []string{"first", "second", "third"} {
			name := name
			require.NoError(t, r.RegisterRequest("OrderCreated", RequestHandlerFunc(
				func(context.Context, *contracts.RequestMessage) error {
					calls = append(calls, name)
					return nil
				})))
		}

		require.NoError(t, r.Request("OrderCreated").HandleRequest(ctx, req))
		assert.Equal(t, []string{"first", "second", "third"}, calls)
	})

	t.Run("first error aborts the rest", func(t *testing.T) {
		r := NewEventHandlers(contracts.DirectionIncoming)
		boom := errors.New("boom")
		var calls int
		require.NoError(t, r.RegisterRequest("OrderCreated", RequestHandlerFunc(
			func(context.Context, *contracts.RequestMessage) error { calls++; return boom })))
		require.NoError(t, r.RegisterRequest("OrderCreated", RequestHandlerFunc(
			func(context.Context, *contracts.RequestMessage) error { calls++; return nil })))

		assert.ErrorIs(t, r.Request("OrderCreated").HandleRequest(ctx, req), boom)
		assert.Equal(t, 1, calls)
	})

	t.Run("replies and events", func(t *testing.T) {
		r := NewEventHandlers(contracts.DirectionOutgoing)
		assert.Equal(t, contracts.DirectionOutgoing, r.Direction())
		require.NoError(t, r.RegisterReply("OrderShipped", ReplyHandlerFunc(
			func(context.Context, *contracts.ReplyMessage) error { return nil })))
		require.NoError(t, r.RegisterRequest("OrderCreated", RequestHandlerFunc(
			func(context.Context, *contracts.RequestMessage) error { return nil })))

		assert.NotNil(t, r.Reply("OrderShipped"))
		assert.Equal(t, []string{"OrderCreated", "OrderShipped"}, r.Events())
	})

	t.Run("validates registration", func(t *testing.T) {
		r := NewEventHandlers(contracts.DirectionIncoming)
		assert.Error(t, r.RegisterRequest(" ", RequestHandlerFunc(
			func(context.Context, *contracts.RequestMessage) error { return nil })))
		assert.Error(t, r.RegisterRequest("OrderCreated", nil))
		assert.Error(t, r.RegisterReply("", nil))
	})
}
