package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store backed by Redis.
//
// Each record is a JSON value under {prefix}record:{corr}:{kind}:{dir}:{thumb}. The set
// {prefix}index:{corr}:{kind}:{dir} holds the thumbprints of a key without thumbprint and
// {prefix}corr:{corr} holds every record key of an exchange.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

// RedisOption configures a RedisStore
type RedisOption func(*RedisStore)

// WithKeyPrefix sets the prefix of every key written
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		s.prefix = prefix
	}
}

// WithTTL expires records after ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// WithRedisClock replaces the time source
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *RedisStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedisStore creates a store using client
func NewRedisStore(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		prefix: "courier:audit:",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRedisStoreFromURL connects to the redis:// URL and creates a store
func NewRedisStoreFromURL(url string, opts ...RedisOption) (*RedisStore, error) {
	options, err := redis.ParseURL(url)
	if err != nil {
		return nil, &StoreError{Op: "connect", Err: err}
	}
	options.DialTimeout = 5 * time.Second
	options.ReadTimeout = 3 * time.Second
	options.WriteTimeout = 3 * time.Second
	options.MaxRetries = 3
	return NewRedisStore(redis.NewClient(options), opts...), nil
}

func (s *RedisStore) recordKey(k Key) string {
	return fmt.Sprintf("%srecord:%s:%s:%s:%s", s.prefix, k.CorrelationID, k.Kind, k.Direction, k.Thumbprint)
}

func (s *RedisStore) indexKey(k Key) string {
	return fmt.Sprintf("%sindex:%s:%s:%s", s.prefix, k.CorrelationID, k.Kind, k.Direction)
}

func (s *RedisStore) corrKey(correlationID string) string {
	return s.prefix + "corr:" + correlationID
}

func (s *RedisStore) sequenceKey() string {
	return s.prefix + "sequence"
}

// Ping checks the connection
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return &StoreError{Op: "ping", Err: err}
	}
	return nil
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// FindAuditRecord implements Store
func (s *RedisStore) FindAuditRecord(ctx context.Context, key Key) (*Record, error) {
	if key.Thumbprint != "" {
		return s.get(ctx, s.recordKey(key))
	}

	thumbs, err := s.client.SMembers(ctx, s.indexKey(key)).Result()
	if err != nil {
		return nil, &StoreError{Op: "find", Key: s.indexKey(key), Err: err}
	}
	keys := make([]string, 0, len(thumbs))
	for _, thumb := range thumbs {
		k := key
		k.Thumbprint = thumb
		keys = append(keys, s.recordKey(k))
	}

	records, err := s.getMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	var latest *Record
	for _, r := range records {
		if latest == nil || r.Sequence > latest.Sequence {
			latest = r
		}
	}
	return latest, nil
}

// Upsert implements Store
func (s *RedisStore) Upsert(ctx context.Context, record *Record) error {
	if err := record.validate(); err != nil {
		return err
	}

	key := record.Key()
	rk := s.recordKey(key)

	existing, err := s.get(ctx, rk)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	if existing != nil {
		record.Sequence = existing.Sequence
		record.CreatedAt = existing.CreatedAt
	} else {
		seq, err := s.client.Incr(ctx, s.sequenceKey()).Result()
		if err != nil {
			return &StoreError{Op: "upsert", Key: s.sequenceKey(), Err: err}
		}
		record.Sequence = seq
		if record.CreatedAt.IsZero() {
			record.CreatedAt = now
		}
	}
	record.UpdatedAt = now

	data, err := json.Marshal(record)
	if err != nil {
		return &StoreError{Op: "upsert", Key: rk, Err: err}
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, rk, data, s.ttl)
		pipe.SAdd(ctx, s.indexKey(key), key.Thumbprint)
		pipe.SAdd(ctx, s.corrKey(key.CorrelationID), rk)
		if s.ttl > 0 {
			pipe.Expire(ctx, s.indexKey(key), s.ttl)
			pipe.Expire(ctx, s.corrKey(key.CorrelationID), s.ttl)
		}
		return nil
	})
	if err != nil {
		return &StoreError{Op: "upsert", Key: rk, Err: err}
	}
	return nil
}

// List implements Store
func (s *RedisStore) List(ctx context.Context, correlationID string) ([]*Record, error) {
	keys, err := s.client.SMembers(ctx, s.corrKey(correlationID)).Result()
	if err != nil {
		return nil, &StoreError{Op: "list", Key: s.corrKey(correlationID), Err: err}
	}
	records, err := s.getMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool { return records[i].Sequence < records[j].Sequence })
	return records, nil
}

func (s *RedisStore) get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &StoreError{Op: "get", Key: key, Err: err}
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, &StoreError{Op: "decode", Key: key, Err: err}
	}
	return &r, nil
}

// getMany loads keys, skipping ones that expired since they were indexed
func (s *RedisStore) getMany(ctx context.Context, keys []string) ([]*Record, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, &StoreError{Op: "get", Err: err}
	}

	records := make([]*Record, 0, len(values))
	for i, v := range values {
		text, ok := v.(string)
		if !ok {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return nil, &StoreError{Op: "decode", Key: keys[i], Err: err}
		}
		records = append(records, &r)
	}
	return records, nil
}
