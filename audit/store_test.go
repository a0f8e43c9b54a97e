package audit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glimte/courier-go/contracts"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRecord(corr, thumb string) *Record {
	return &Record{
		CorrelationID: corr,
		Kind:          contracts.KindRequest,
		Direction:     contracts.DirectionIncoming,
		Thumbprint:    thumb,
		Event:         "OrderCreated",
		Environment:   "prod",
	}
}

func storeContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("absent record", func(t *testing.T) {
		s := newStore(t)
		r, err := s.FindAuditRecord(ctx, newRecord("abc-123", "t1").Key())
		require.NoError(t, err)
		assert.Nil(t, r)
	})

	t.Run("read your writes", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord("abc-123", "t1")
		require.NoError(t, s.Upsert(ctx, rec))
		assert.Equal(t, int64(1), rec.Sequence)
		assert.False(t, rec.CreatedAt.IsZero())

		found, err := s.FindAuditRecord(ctx, rec.Key())
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "OrderCreated", found.Event)
		assert.Equal(t, contracts.DirectionIncoming, found.Direction)
		assert.Equal(t, rec.Sequence, found.Sequence)
	})

	t.Run("key fields all matter", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, newRecord("abc-123", "t1")))

		k := newRecord("abc-123", "t1").Key()
		k.Direction = contracts.DirectionOutgoing
		found, err := s.FindAuditRecord(ctx, k)
		require.NoError(t, err)
		assert.Nil(t, found)

		k = newRecord("abc-123", "t1").Key()
		k.Kind = contracts.KindReply
		found, err = s.FindAuditRecord(ctx, k)
		require.NoError(t, err)
		assert.Nil(t, found)

		found, err = s.FindAuditRecord(ctx, newRecord("abc-123", "t2").Key())
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("empty thumbprint matches latest", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, newRecord("abc-123", "t1")))
		second := newRecord("abc-123", "t2")
		second.Event = "OrderUpdated"
		require.NoError(t, s.Upsert(ctx, second))

		k := Key{CorrelationID: "abc-123", Kind: contracts.KindRequest, Direction: contracts.DirectionIncoming}
		found, err := s.FindAuditRecord(ctx, k)
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "t2", found.Thumbprint)
	})

	t.Run("empty thumbprint stays within its group", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Upsert(ctx, newRecord("abc-123", "t1")))
		require.NoError(t, s.Upsert(ctx, newRecord("abc-123", "t2")))

		reply := newRecord("abc-123", "r1")
		reply.Kind = contracts.KindReply
		require.NoError(t, s.Upsert(ctx, reply))
		outgoing := newRecord("abc-123", "o1")
		outgoing.Direction = contracts.DirectionOutgoing
		require.NoError(t, s.Upsert(ctx, outgoing))
		require.NoError(t, s.Upsert(ctx, newRecord("other", "x1")))

		// updating an older record does not make it the latest
		update := newRecord("abc-123", "t1")
		update.Status = contracts.StatusSuccess
		require.NoError(t, s.Upsert(ctx, update))

		cases := []struct {
			key  Key
			want string
		}{
			{Key{CorrelationID: "abc-123", Kind: contracts.KindRequest, Direction: contracts.DirectionIncoming}, "t2"},
			{Key{CorrelationID: "abc-123", Kind: contracts.KindReply, Direction: contracts.DirectionIncoming}, "r1"},
			{Key{CorrelationID: "abc-123", Kind: contracts.KindRequest, Direction: contracts.DirectionOutgoing}, "o1"},
			{Key{CorrelationID: "other", Kind: contracts.KindRequest, Direction: contracts.DirectionIncoming}, "x1"},
		}
		for _, tc := range cases {
			found, err := s.FindAuditRecord(ctx, tc.key)
			require.NoError(t, err)
			require.NotNil(t, found, tc.key.String())
			assert.Equal(t, tc.want, found.Thumbprint, tc.key.String())
		}

		found, err := s.FindAuditRecord(ctx, Key{CorrelationID: "abc-123", Kind: contracts.KindReply, Direction: contracts.DirectionOutgoing})
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("upsert keeps sequence and creation time", func(t *testing.T) {
		s := newStore(t)
		rec := newRecord("abc-123", "t1")
		require.NoError(t, s.Upsert(ctx, rec))
		created := rec.CreatedAt

		again := newRecord("abc-123", "t1")
		again.Status = contracts.StatusSuccess
		require.NoError(t, s.Upsert(ctx, again))
		assert.Equal(t, rec.Sequence, again.Sequence)
		assert.True(t, created.Equal(again.CreatedAt))

		found, err := s.FindAuditRecord(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, contracts.StatusSuccess, found.Status)

		list, err := s.List(ctx, "abc-123")
		require.NoError(t, err)
		assert.Len(t, list, 1)
	})

	t.Run("list orders by sequence", func(t *testing.T) {
		s := newStore(t)
		for i := 0; i < 5; i++ {
			require.NoError(t, s.Upsert(ctx, newRecord("abc-123", fmt.Sprintf("t%d", i))))
		}
		require.NoError(t, s.Upsert(ctx, newRecord("other", "x")))

		list, err := s.List(ctx, "abc-123")
		require.NoError(t, err)
		require.Len(t, list, 5)
		for i := 1; i < len(list); i++ {
			assert.Less(t, list[i-1].Sequence, list[i].Sequence)
		}
	})

	t.Run("rejects records without identity", func(t *testing.T) {
		s := newStore(t)
		assert.ErrorIs(t, s.Upsert(ctx, nil), ErrInvalidRecord)
		assert.ErrorIs(t, s.Upsert(ctx, newRecord("", "t1")), ErrInvalidRecord)
		assert.ErrorIs(t, s.Upsert(ctx, newRecord("abc-123", "")), ErrInvalidRecord)
	})
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store { return NewMemoryStore() })

	t.Run("returns copies", func(t *testing.T) {
		s := NewMemoryStore()
		rec := newRecord("abc-123", "t1")
		require.NoError(t, s.Upsert(context.Background(), rec))
		rec.Event = "mutated"

		found, err := s.FindAuditRecord(context.Background(), rec.Key())
		require.NoError(t, err)
		found.Owner = "mutated"

		again, err := s.FindAuditRecord(context.Background(), rec.Key())
		require.NoError(t, err)
		assert.Equal(t, "OrderCreated", again.Event)
		assert.Empty(t, again.Owner)
		assert.Equal(t, 1, s.Len())
	})
}

func newMiniredisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, opts...), mr
}

func TestRedisStore(t *testing.T) {
	storeContract(t, func(t *testing.T) Store {
		s, _ := newMiniredisStore(t)
		return s
	})

	ctx := context.Background()

	t.Run("key layout", func(t *testing.T) {
		s, mr := newMiniredisStore(t, WithKeyPrefix("test:"))
		require.NoError(t, s.Upsert(ctx, newRecord("abc-123", "t1")))

		assert.True(t, mr.Exists("test:record:abc-123:request:incoming:t1"))
		members, err := mr.SMembers("test:index:abc-123:request:incoming")
		require.NoError(t, err)
		assert.Equal(t, []string{"t1"}, members)
		members, err = mr.SMembers("test:corr:abc-123")
		require.NoError(t, err)
		assert.Equal(t, []string{"test:record:abc-123:request:incoming:t1"}, members)
	})

	t.Run("records expire", func(t *testing.T) {
		s, mr := newMiniredisStore(t, WithTTL(time.Minute))
		rec := newRecord("abc-123", "t1")
		require.NoError(t, s.Upsert(ctx, rec))

		mr.FastForward(2 * time.Minute)

		found, err := s.FindAuditRecord(ctx, rec.Key())
		require.NoError(t, err)
		assert.Nil(t, found)
	})

	t.Run("ping and failures", func(t *testing.T) {
		s, mr := newMiniredisStore(t)
		require.NoError(t, s.Ping(ctx))

		mr.Close()
		err := s.Ping(ctx)
		var storeErr *StoreError
		assert.ErrorAs(t, err, &storeErr)

		_, err = s.FindAuditRecord(ctx, newRecord("abc-123", "t1").Key())
		assert.ErrorAs(t, err, &storeErr)
	})

	t.Run("invalid url", func(t *testing.T) {
		_, err := NewRedisStoreFromURL("not a url")
		assert.Error(t, err)
	})
}

func TestRecord(t *testing.T) {
	req, err := contracts.Create("abc-123", "OrderCreated",
		contracts.WithOwner("alice"),
		contracts.WithEnvironment("prod"),
		contracts.WithApplication("orders"),
		contracts.WithVersion("2"),
	)
	require.NoError(t, err)
	require.NoError(t, req.SetDirection(contracts.DirectionOutgoing))

	rec := NewRecord(req)
	assert.Equal(t, KeyOf(req), rec.Key())
	assert.Equal(t, req.Thumbprint(), rec.Thumbprint)
	assert.Equal(t, "alice", rec.Owner)

	t.Run("follow up keeps correlation and routing", func(t *testing.T) {
		next, err := rec.FollowUp("OrderShipped")
		require.NoError(t, err)
		assert.Equal(t, "abc-123", next.GetCorrelationID())
		assert.Equal(t, "OrderShipped", next.GetEvent())
		assert.Equal(t, "prod", next.GetEnvironment())
		assert.Equal(t, "orders", next.GetApplication())
		assert.Equal(t, contracts.DirectionUnknown, next.GetDirection())

		same, err := rec.FollowUp("")
		require.NoError(t, err)
		assert.Equal(t, "OrderCreated", same.GetEvent())
	})
}
