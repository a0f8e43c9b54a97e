package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glimte/courier-go/contracts"
)

var (
	// ErrInvalidRecord is returned when upserting a record without identity
	ErrInvalidRecord = errors.New("audit: invalid record")
)

// StoreError reports a failed store operation
type StoreError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("audit: %s %s: %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("audit: %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Record is the persisted trace of one processed message
type Record struct {
	CorrelationID string              `json:"correlationId"`
	Kind          contracts.Kind      `json:"kind"`
	Direction     contracts.Direction `json:"direction"`
	Thumbprint    string              `json:"thumbprint"`
	Event         string              `json:"event"`
	Owner         string              `json:"owner,omitempty"`
	Environment   string              `json:"environment,omitempty"`
	Application   string              `json:"application,omitempty"`
	Version       string              `json:"version,omitempty"`
	Status        contracts.Status    `json:"status"`
	Sequence      int64               `json:"sequence"`
	CreatedAt     time.Time           `json:"createdAt"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

// NewRecord builds the record describing msg
func NewRecord(msg contracts.Message) *Record {
	return &Record{
		CorrelationID: msg.GetCorrelationID(),
		Kind:          msg.GetKind(),
		Direction:     msg.GetDirection(),
		Thumbprint:    msg.Thumbprint(),
		Event:         msg.GetEvent(),
		Owner:         msg.GetOwner(),
		Environment:   msg.GetEnvironment(),
		Application:   msg.GetApplication(),
		Version:       msg.GetVersion(),
		Status:        msg.GetStatus(),
	}
}

// Key returns the identity of the record
func (r *Record) Key() Key {
	return Key{
		CorrelationID: r.CorrelationID,
		Kind:          r.Kind,
		Direction:     r.Direction,
		Thumbprint:    r.Thumbprint,
	}
}

// Clone returns a copy of the record
func (r *Record) Clone() *Record {
	c := *r
	return &c
}

// FollowUp creates a new request correlated to the recorded exchange. The routing
// metadata of the record is kept; an empty event reuses the recorded one.
func (r *Record) FollowUp(event string, opts ...contracts.MessageOption) (*contracts.RequestMessage, error) {
	if event == "" {
		event = r.Event
	}
	base := []contracts.MessageOption{
		contracts.WithOwner(r.Owner),
		contracts.WithEnvironment(r.Environment),
		contracts.WithApplication(r.Application),
		contracts.WithVersion(r.Version),
	}
	return contracts.Create(r.CorrelationID, event, append(base, opts...)...)
}

func (r *Record) validate() error {
	if r == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	if r.CorrelationID == "" {
		return fmt.Errorf("%w: correlation id is required", ErrInvalidRecord)
	}
	if r.Thumbprint == "" {
		return fmt.Errorf("%w: thumbprint is required", ErrInvalidRecord)
	}
	return nil
}

// Key identifies audit records. An empty Thumbprint matches every record with the same
// correlation id, kind and direction.
type Key struct {
	CorrelationID string
	Kind          contracts.Kind
	Direction     contracts.Direction
	Thumbprint    string
}

// KeyOf returns the exact key of msg
func KeyOf(msg contracts.Message) Key {
	return Key{
		CorrelationID: msg.GetCorrelationID(),
		Kind:          msg.GetKind(),
		Direction:     msg.GetDirection(),
		Thumbprint:    msg.Thumbprint(),
	}
}

// Matches reports whether r is selected by k
func (k Key) Matches(r *Record) bool {
	if r.CorrelationID != k.CorrelationID || r.Kind != k.Kind || r.Direction != k.Direction {
		return false
	}
	return k.Thumbprint == "" || k.Thumbprint == r.Thumbprint
}

func (k Key) String() string {
	return fmt.Sprintf("%s:%s:%s:%s", k.CorrelationID, k.Kind, k.Direction, k.Thumbprint)
}

// Store persists audit records. Implementations provide read-your-writes consistency.
type Store interface {
	// FindAuditRecord returns the matching record, or nil when there is none. When several
	// records match, the most recently created one is returned.
	FindAuditRecord(ctx context.Context, key Key) (*Record, error)
	// Upsert writes the record. A new record is assigned its Sequence and CreatedAt.
	Upsert(ctx context.Context, record *Record) error
	// List returns the records of an exchange ordered by Sequence
	List(ctx context.Context, correlationID string) ([]*Record, error)
}

// Pinger is implemented by stores that can check their backend
type Pinger interface {
	Ping(ctx context.Context) error
}
