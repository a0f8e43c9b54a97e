package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Message is the interface implemented by every envelope that flows through the pipeline
type Message interface {
	GetKind() Kind
	GetCorrelationID() string
	GetEvent() string
	GetDirection() Direction
	SetDirection(direction Direction) error
	GetStatus() Status
	SetStatus(status Status)
	GetTimestamp() time.Time
	GetOwner() string
	GetEnvironment() string
	GetApplication() string
	GetVersion() string
	Content() *Document
	Original() []byte
	SetOriginal(raw []byte) error
	Thumbprint() string
	Envelope() Envelope
}

// Envelope is a plain snapshot of the fields of a message.
// Serializers use it to move messages on and off the wire.
type Envelope struct {
	Kind          Kind
	CorrelationID string
	Event         string
	Direction     Direction
	Status        Status
	Timestamp     time.Time
	Owner         string
	Environment   string
	Application   string
	Version       string
	Content       *Document
}

// Header holds the state shared by requests and replies
type Header struct {
	mu                sync.Mutex
	kind              Kind
	correlationID     string
	event             string
	direction         Direction
	directionAssigned bool
	status            Status
	timestamp         time.Time
	owner             string
	environment       string
	application       string
	version           string
	content           *Document
	original          []byte
	thumbprint        string
}

// MessageOption configures a message at creation
type MessageOption func(*Header)

// WithOwner sets the originating principal
func WithOwner(owner string) MessageOption {
	return func(h *Header) {
		h.owner = owner
	}
}

// WithEnvironment sets the environment routing metadata
func WithEnvironment(environment string) MessageOption {
	return func(h *Header) {
		h.environment = environment
	}
}

// WithApplication sets the application routing metadata
func WithApplication(application string) MessageOption {
	return func(h *Header) {
		h.application = application
	}
}

// WithVersion sets the version routing metadata
func WithVersion(version string) MessageOption {
	return func(h *Header) {
		h.version = version
	}
}

// WithTimestamp overrides the creation timestamp
func WithTimestamp(ts time.Time) MessageOption {
	return func(h *Header) {
		h.timestamp = ts.UTC()
	}
}

// WithContent sets the message content
func WithContent(content *Document) MessageOption {
	return func(h *Header) {
		if content != nil {
			h.content = content
		}
	}
}

func (h *Header) init(kind Kind, correlationID, event string, options ...MessageOption) {
	h.kind = kind
	h.correlationID = correlationID
	h.event = event
	h.timestamp = time.Now().UTC()
	h.content = NewDocument()
	for _, opt := range options {
		opt(h)
	}
}

// GetKind returns whether the message is a request or a reply
func (h *Header) GetKind() Kind { return h.kind }

// GetCorrelationID returns the id shared by a request and its replies
func (h *Header) GetCorrelationID() string { return h.correlationID }

// GetEvent returns the routing key
func (h *Header) GetEvent() string { return h.event }

// GetTimestamp returns the creation time
func (h *Header) GetTimestamp() time.Time { return h.timestamp }

// GetOwner returns the originating principal
func (h *Header) GetOwner() string { return h.owner }

// GetEnvironment returns the environment routing metadata
func (h *Header) GetEnvironment() string { return h.environment }

// GetApplication returns the application routing metadata
func (h *Header) GetApplication() string { return h.application }

// GetVersion returns the version routing metadata
func (h *Header) GetVersion() string { return h.version }

// Content returns the payload document
func (h *Header) Content() *Document { return h.content }

// GetDirection returns the current direction
func (h *Header) GetDirection() Direction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.direction
}

// SetDirection assigns the direction. A direction can be assigned once; assigning the
// same value again is a no-op and assigning a different one fails with ErrInvalidState.
func (h *Header) SetDirection(direction Direction) error {
	if direction == DirectionUnknown {
		return &ArgumentError{Name: "direction", Reason: "must be incoming or outgoing"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.directionAssigned {
		if h.direction == direction {
			return nil
		}
		return invalidState("message %s already assigned direction %s", h.correlationID, h.direction)
	}
	h.direction = direction
	h.directionAssigned = true
	return nil
}

// GetStatus returns the processing outcome
func (h *Header) GetStatus() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// SetStatus records the processing outcome
func (h *Header) SetStatus(status Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = status
}

// Original returns the raw serialized form captured for this message
func (h *Header) Original() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.original
}

// SetOriginal captures the raw serialized form. It can be captured only once.
func (h *Header) SetOriginal(raw []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.original != nil {
		return invalidState("original of message %s already captured", h.correlationID)
	}
	captured := make([]byte, len(raw))
	copy(captured, raw)
	h.original = captured
	return nil
}

// Thumbprint returns the deterministic fingerprint of the original bytes.
// A message created locally captures its canonical encoding on first use.
func (h *Header) Thumbprint() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.thumbprint != "" {
		return h.thumbprint
	}
	if h.original == nil {
		h.original = h.canonical()
	}
	h.thumbprint = Fingerprint(h.original)
	return h.thumbprint
}

// Envelope returns a snapshot of the message fields
func (h *Header) Envelope() Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.envelope()
}

func (h *Header) envelope() Envelope {
	return Envelope{
		Kind:          h.kind,
		CorrelationID: h.correlationID,
		Event:         h.event,
		Direction:     h.direction,
		Status:        h.status,
		Timestamp:     h.timestamp,
		Owner:         h.owner,
		Environment:   h.environment,
		Application:   h.application,
		Version:       h.version,
		Content:       h.content,
	}
}

// canonical encodes the identity of a locally created message. Caller holds h.mu.
func (h *Header) canonical() []byte {
	encoded, err := json.Marshal(struct {
		Kind          string    `json:"kind"`
		CorrelationID string    `json:"correlationId"`
		Event         string    `json:"event"`
		Direction     string    `json:"direction"`
		Timestamp     time.Time `json:"timestamp"`
		Owner         string    `json:"owner,omitempty"`
		Environment   string    `json:"environment,omitempty"`
		Application   string    `json:"application,omitempty"`
		Version       string    `json:"version,omitempty"`
		Content       *Document `json:"content"`
	}{
		Kind:          h.kind.String(),
		CorrelationID: h.correlationID,
		Event:         h.event,
		Direction:     h.direction.String(),
		Timestamp:     h.timestamp,
		Owner:         h.owner,
		Environment:   h.environment,
		Application:   h.application,
		Version:       h.version,
		Content:       h.content,
	})
	if err != nil {
		// content that cannot be encoded still needs a stable identity
		encoded = []byte(fmt.Sprintf("%s|%s|%s|%s", h.kind, h.correlationID, h.event, h.timestamp.Format(time.RFC3339Nano)))
	}
	return encoded
}

// Fingerprint hashes raw bytes into the hex form used by Thumbprint
func Fingerprint(raw []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(raw))
}

// RequestMessage is a message initiating an exchange
type RequestMessage struct {
	Header
}

// NewRequest creates a request with a fresh correlation id
func NewRequest(event string, options ...MessageOption) (*RequestMessage, error) {
	return Create(uuid.New().String(), event, options...)
}

// Create creates a request with the given correlation id
func Create(correlationID, event string, options ...MessageOption) (*RequestMessage, error) {
	if strings.TrimSpace(correlationID) == "" {
		return nil, blank("correlationId")
	}
	if strings.TrimSpace(event) == "" {
		return nil, blank("event")
	}
	req := &RequestMessage{}
	req.init(KindRequest, correlationID, event, options...)
	return req, nil
}

// ReplyMessage is a message answering a request
type ReplyMessage struct {
	Header
}

// Success creates a successful reply to req
func Success(req *RequestMessage) (*ReplyMessage, error) {
	return newReply(req, StatusSuccess, nil)
}

// Failure creates a failed reply to req. The cause, when given, is recorded under the
// "error" content key.
func Failure(req *RequestMessage, cause error) (*ReplyMessage, error) {
	return newReply(req, StatusFailure, cause)
}

func newReply(req *RequestMessage, status Status, cause error) (*ReplyMessage, error) {
	if req == nil {
		return nil, &ArgumentError{Name: "request", Reason: "must not be nil"}
	}

	direction, err := req.GetDirection().Reversed()
	if err != nil {
		return nil, err
	}

	reply := &ReplyMessage{}
	reply.init(KindReply, req.correlationID, req.event,
		WithOwner(req.owner),
		WithEnvironment(req.environment),
		WithApplication(req.application),
		WithVersion(req.version),
	)
	reply.direction = direction
	reply.directionAssigned = true
	reply.status = status
	if cause != nil {
		reply.content.Set("error", String(cause.Error()))
	}
	return reply, nil
}

// Restore rebuilds a message from an envelope read off the wire. The wire direction is
// kept but left unassigned so that the receiving dispatcher can assign its own.
func Restore(env Envelope, original []byte) (Message, error) {
	if strings.TrimSpace(env.CorrelationID) == "" {
		return nil, blank("correlationId")
	}
	if strings.TrimSpace(env.Event) == "" {
		return nil, blank("event")
	}

	var (
		msg Message
		h   *Header
	)
	switch env.Kind {
	case KindRequest:
		req := &RequestMessage{}
		msg, h = req, &req.Header
	case KindReply:
		reply := &ReplyMessage{}
		msg, h = reply, &reply.Header
	default:
		return nil, &ArgumentError{Name: "kind", Reason: fmt.Sprintf("unknown kind %d", env.Kind)}
	}

	h.init(env.Kind, env.CorrelationID, env.Event,
		WithOwner(env.Owner),
		WithEnvironment(env.Environment),
		WithApplication(env.Application),
		WithVersion(env.Version),
		WithContent(env.Content),
	)
	if !env.Timestamp.IsZero() {
		h.timestamp = env.Timestamp.UTC()
	}
	h.direction = env.Direction
	h.status = env.Status

	if original != nil {
		if err := msg.SetOriginal(original); err != nil {
			return nil, err
		}
	}
	return msg, nil
}
