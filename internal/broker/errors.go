package broker

import "errors"

// Domain errors for the broker package.
var (
	// ErrMalformedFrame is returned for a frame that is not valid text or
	// does not have exactly three fields.
	ErrMalformedFrame = errors.New("broker: malformed frame")

	// ErrTransformFailed is returned when a payload transform rejects its input.
	ErrTransformFailed = errors.New("broker: transform failed")

	// ErrStopTimeout is returned when the poll loop does not exit in time.
	ErrStopTimeout = errors.New("broker: stop timed out")
)
