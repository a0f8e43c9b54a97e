package messaging

import (
	"context"
	"fmt"
	"time"

	"github.com/glimte/courier-go/audit"
	"github.com/glimte/courier-go/contracts"
)

// PersistenceSink records each message in the audit store and rejects messages that were
// already recorded. An incoming reply is accepted only when the request it answers was
// recorded as sent.
type PersistenceSink struct {
	store  audit.Store
	maxAge time.Duration
	now    func() time.Time
}

// PersistenceOption configures a PersistenceSink
type PersistenceOption func(*PersistenceSink)

// WithMaxAge rejects messages older than d as stale. Zero disables the check.
func WithMaxAge(d time.Duration) PersistenceOption {
	return func(s *PersistenceSink) {
		s.maxAge = d
	}
}

// WithSinkClock replaces the time source used for the age check
func WithSinkClock(now func() time.Time) PersistenceOption {
	return func(s *PersistenceSink) {
		if now != nil {
			s.now = now
		}
	}
}

// NewPersistenceSink creates a sink over store
func NewPersistenceSink(store audit.Store, opts ...PersistenceOption) *PersistenceSink {
	s := &PersistenceSink{
		store: store,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements Sink
func (s *PersistenceSink) Name() string { return "persistence" }

// InvokeRequest implements Sink
func (s *PersistenceSink) InvokeRequest(ctx context.Context, req *contracts.RequestMessage) error {
	return s.record(ctx, req)
}

// InvokeReply implements Sink
func (s *PersistenceSink) InvokeReply(ctx context.Context, reply *contracts.ReplyMessage) error {
	if reply.GetDirection() == contracts.DirectionIncoming {
		sent, err := s.store.FindAuditRecord(ctx, audit.Key{
			CorrelationID: reply.GetCorrelationID(),
			Kind:          contracts.KindRequest,
			Direction:     contracts.DirectionOutgoing,
		})
		if err != nil {
			return fmt.Errorf("failed to find request of reply %s: %w", reply.GetCorrelationID(), err)
		}
		if sent == nil {
			return newProcessingError(KindInvalid, "correlate", reply,
				fmt.Errorf("no outgoing request recorded for correlation id %s", reply.GetCorrelationID()))
		}
	}
	return s.record(ctx, reply)
}

func (s *PersistenceSink) record(ctx context.Context, msg contracts.Message) error {
	if s.maxAge > 0 {
		if age := s.now().Sub(msg.GetTimestamp()); age > s.maxAge {
			return newProcessingError(KindStale, "persist", msg,
				fmt.Errorf("message is %s old, limit is %s", age.Round(time.Second), s.maxAge))
		}
	}

	key := audit.KeyOf(msg)
	existing, err := s.store.FindAuditRecord(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to look up audit record %s: %w", key, err)
	}
	if existing != nil {
		return newProcessingError(KindDuplicate, "persist", msg,
			fmt.Errorf("already recorded as sequence %d at %s", existing.Sequence, existing.CreatedAt.Format(time.RFC3339)))
	}

	if err := s.store.Upsert(ctx, audit.NewRecord(msg)); err != nil {
		return fmt.Errorf("failed to write audit record %s: %w", key, err)
	}
	return nil
}
