package contracts

import (
	"fmt"
	"strings"
)

// Direction tells whether a message travels into or out of this process
type Direction int

const (
	DirectionUnknown Direction = iota
	DirectionIncoming
	DirectionOutgoing
)

func (d Direction) String() string {
	switch d {
	case DirectionIncoming:
		return "incoming"
	case DirectionOutgoing:
		return "outgoing"
	default:
		return "unknown"
	}
}

// Reversed returns the opposite direction. Reversing Unknown fails with ErrInvalidState.
func (d Direction) Reversed() (Direction, error) {
	switch d {
	case DirectionIncoming:
		return DirectionOutgoing, nil
	case DirectionOutgoing:
		return DirectionIncoming, nil
	default:
		return DirectionUnknown, invalidState("cannot reverse direction %s", d)
	}
}

// ParseDirection parses the textual form produced by String
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return DirectionUnknown, nil
	case "incoming":
		return DirectionIncoming, nil
	case "outgoing":
		return DirectionOutgoing, nil
	default:
		return DirectionUnknown, fmt.Errorf("contracts: unknown direction %q", s)
	}
}

// Status is the outcome assigned to a message by the dispatcher that processed it
type Status int

const (
	StatusNone Status = iota
	StatusSuccess
	StatusFailure
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure:
		return "failure"
	case StatusInvalid:
		return "invalid"
	default:
		return "none"
	}
}

// ParseStatus parses the textual form produced by String
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return StatusNone, nil
	case "success":
		return StatusSuccess, nil
	case "failure":
		return StatusFailure, nil
	case "invalid":
		return StatusInvalid, nil
	default:
		return StatusNone, fmt.Errorf("contracts: unknown status %q", s)
	}
}

// Kind distinguishes requests from replies
type Kind int

const (
	KindRequest Kind = iota
	KindReply
)

func (k Kind) String() string {
	if k == KindReply {
		return "reply"
	}
	return "request"
}

// ParseKind parses the textual form produced by String
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "request":
		return KindRequest, nil
	case "reply":
		return KindReply, nil
	default:
		return KindRequest, fmt.Errorf("contracts: unknown message kind %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler
func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(text []byte) error {
	parsed, err := ParseStatus(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler
func (k *Kind) UnmarshalText(text []byte) error {
	parsed, err := ParseKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
