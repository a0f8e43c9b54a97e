package contracts

import (
	"errors"
	"fmt"
)

// ErrInvalidState is returned when an operation is not valid for the current state of a message
var ErrInvalidState = errors.New("contracts: invalid state")

// ArgumentError reports a missing or malformed argument
type ArgumentError struct {
	Name   string
	Reason string
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("contracts: invalid argument %s: %s", e.Name, e.Reason)
}

func blank(name string) *ArgumentError {
	return &ArgumentError{Name: name, Reason: "must not be blank"}
}

func invalidState(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidState, fmt.Sprintf(format, args...))
}
