package module

import "errors"

// Domain errors for the module package.
var (
	// ErrNotConnected is returned when an operation needs a socket but
	// Connect has not succeeded yet.
	ErrNotConnected = errors.New("module: not connected")

	// ErrUnsupportedCommand is returned when a command is not among the
	// module's handshake commands.
	ErrUnsupportedCommand = errors.New("module: unsupported command")

	// ErrUnknownModule is returned when no module is registered under a name.
	ErrUnknownModule = errors.New("module: unknown module")

	// ErrHandshakeFailed is returned when the handshake reply names no commands.
	ErrHandshakeFailed = errors.New("module: handshake failed")

	// ErrClosed is returned when the connection has been stopped.
	ErrClosed = errors.New("module: connection closed")

	// ErrPeerClosed is returned when the module closed its end of the socket.
	ErrPeerClosed = errors.New("module: peer closed connection")
)
