package process

import "errors"

// Domain errors for the process package.
var (
	// ErrInvalidModulePath is returned when a module's working directory
	// does not exist or is not a directory.
	ErrInvalidModulePath = errors.New("process: invalid module path")

	// ErrStopTimeout is returned when a killed process is not reaped in time.
	ErrStopTimeout = errors.New("process: stop timed out")

	// ErrAlreadyRunning is returned when Start is called on a running Manager.
	ErrAlreadyRunning = errors.New("process: already running")
)
