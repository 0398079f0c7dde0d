package transport

import (
	"errors"
	"fmt"
)

// Connection failure classes. A *DialError unwraps to exactly one of these.
var (
	// ErrConnectionRefused is returned when the peer actively refused every attempt.
	ErrConnectionRefused = errors.New("transport: connection refused")

	// ErrConnectionTimeout is returned when the last attempt timed out.
	ErrConnectionTimeout = errors.New("transport: connection timed out")

	// ErrConnectionError is returned for any other dial failure.
	ErrConnectionError = errors.New("transport: connection error")
)

// DialError describes an exhausted connect.
type DialError struct {
	Address  string
	Attempts int

	// Kind is one of ErrConnectionRefused, ErrConnectionTimeout or ErrConnectionError.
	Kind error

	// Err is the error from the last attempt.
	Err error
}

func (e *DialError) Error() string {
	return fmt.Sprintf("%v: %s after %d attempts: %v", e.Kind, e.Address, e.Attempts, e.Err)
}

// Unwrap exposes both the failure class and the underlying error.
func (e *DialError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}
