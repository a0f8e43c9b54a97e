package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]*Record
	// latest maps a key without thumbprint to the newest record key of its group
	latest map[Key]Key
	// byCorr holds every record key of an exchange in insertion order
	byCorr   map[string][]Key
	sequence int64
	now      func() time.Time
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithMemoryClock replaces the time source
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemoryStore creates an empty store
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		records: make(map[Key]*Record),
		latest:  make(map[Key]Key),
		byCorr:  make(map[string][]Key),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// FindAuditRecord implements Store
func (s *MemoryStore) FindAuditRecord(ctx context.Context, key Key) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if key.Thumbprint == "" {
		k, ok := s.latest[key]
		if !ok {
			return nil, nil
		}
		key = k
	}
	if r, ok := s.records[key]; ok {
		return r.Clone(), nil
	}
	return nil, nil
}

// Upsert implements Store
func (s *MemoryStore) Upsert(ctx context.Context, record *Record) error {
	if err := record.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	key := record.Key()
	if existing, ok := s.records[key]; ok {
		record.Sequence = existing.Sequence
		record.CreatedAt = existing.CreatedAt
	} else {
		s.sequence++
		record.Sequence = s.sequence
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
		group := key
		group.Thumbprint = ""
		s.latest[group] = key
		s.byCorr[key.CorrelationID] = append(s.byCorr[key.CorrelationID], key)
	}
	record.UpdatedAt = now
	s.records[key] = record.Clone()
	return nil
}

// List implements Store
func (s *MemoryStore) List(ctx context.Context, correlationID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := s.byCorr[correlationID]
	if len(keys) == 0 {
		return nil, nil
	}
	out := make([]*Record, 0, len(keys))
	for _, k := range keys {
		out = append(out, s.records[k].Clone())
	}
	return out, nil
}

// Len returns the number of stored records
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
