package module

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/controlroom/internal/process"
	"github.com/nerrad567/controlroom/internal/transport"
)

// handshakeSettle is how long the handshake keeps reading after the first
// chunk of the reply arrives.
const handshakeSettle = 50 * time.Millisecond

// Supervisor starts and stops module processes. *process.Supervisor satisfies it.
type Supervisor interface {
	Start(req process.StartRequest) (*process.Handle, error)
	StopTree(h *process.Handle) error
}

// Logger defines the logging interface for the module package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options configure a Connection.
type Options struct {
	Name   string
	Host   string
	Port   int
	Source Source

	// PcommDefaults maps command names to the payload offered by default.
	// It is display data only and never grants support for a command.
	PcommDefaults map[string]string

	RetryInterval  time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration

	Supervisor Supervisor
	Dialer     transport.Dialer
	Logger     Logger
}

// Info is a snapshot of a connection for queries.
type Info struct {
	Name          string            `json:"name"`
	Address       string            `json:"address"`
	Kind          Kind              `json:"kind"`
	Pcomms        []string          `json:"pcomms"`
	PcommDefaults map[string]string `json:"pcomm_defaults"`
	Connected     bool              `json:"connected"`
	PID           int               `json:"pid,omitempty"`
}

// Connection is the control room's link to one module.
//
// Thread Safety:
//   - Send may be called concurrently with ReadAvailable. Writes are
//     serialized so frames never interleave on the socket.
//   - Lifecycle methods (StartServer, Connect, Handshake, Stop*) are
//     called by the orchestrator in order and are not meant to race.
type Connection struct {
	name          string
	host          string
	port          int
	source        Source
	defaults      map[string]string
	retryInterval time.Duration
	connTimeout   time.Duration
	readTimeout   time.Duration
	supervisor    Supervisor
	dialer        transport.Dialer
	logger        Logger

	writeMu sync.Mutex

	mu           sync.RWMutex
	conn         *transport.Conn
	handle       *process.Handle
	pcomms       []string
	supported    map[string]bool
	socketClosed bool
	procStopped  bool
	peerClosed   bool
}

// NewConnection creates a connection. Nothing is started until StartServer.
func NewConnection(opts Options) *Connection {
	if opts.Source == nil {
		opts.Source = ExternalSource{}
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}

	return &Connection{
		name:          opts.Name,
		host:          opts.Host,
		port:          opts.Port,
		source:        opts.Source,
		defaults:      maps.Clone(opts.PcommDefaults),
		retryInterval: opts.RetryInterval,
		connTimeout:   opts.ConnectTimeout,
		readTimeout:   opts.ReadTimeout,
		supervisor:    opts.Supervisor,
		dialer:        opts.Dialer,
		logger:        opts.Logger,
		supported:     make(map[string]bool),
	}
}

// Name returns the module name.
func (c *Connection) Name() string { return c.name }

// Kind returns the module's source kind.
func (c *Connection) Kind() Kind { return c.source.Kind() }

// Address returns host:port of the module socket.
func (c *Connection) Address() string {
	return net.JoinHostPort(c.host, strconv.Itoa(c.port))
}

// Owned reports whether the control room launches this module's process.
func (c *Connection) Owned() bool {
	_, ok := c.source.startRequest(c.name, c.host, c.port)
	return ok
}

// StartServer launches the module process for owned kinds.
// External modules are left alone.
func (c *Connection) StartServer() error {
	req, ok := c.source.startRequest(c.name, c.host, c.port)
	if !ok {
		c.logger.Debug("module is external, not starting", "module", c.name)
		return nil
	}
	if c.supervisor == nil {
		return fmt.Errorf("starting module %s: no supervisor", c.name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socketClosed || c.procStopped {
		return ErrClosed
	}
	if c.handle != nil && !c.handle.Exited() {
		return nil
	}

	h, err := c.supervisor.Start(req)
	if err != nil {
		return fmt.Errorf("starting module %s: %w", c.name, err)
	}
	c.handle = h
	return nil
}

// Connect dials the module socket. Transport errors are returned unchanged.
func (c *Connection) Connect(ctx context.Context) error {
	c.mu.RLock()
	closed := c.socketClosed
	connected := c.conn != nil
	c.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if connected {
		return nil
	}

	conn, err := transport.Dial(ctx, transport.Config{
		Host:           c.host,
		Port:           c.port,
		Backoff:        c.retryInterval,
		ConnectTimeout: c.connTimeout,
		ReadTimeout:    c.readTimeout,
		Dialer:         c.dialer,
		Logger:         c.logger,
	})
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socketClosed {
		conn.Close()
		return ErrClosed
	}
	c.conn = conn
	c.logger.Info("connected to module", "module", c.name, "address", c.Address())
	return nil
}

// Handshake requests the module's primary commands and records them.
func (c *Connection) Handshake() error {
	conn, err := c.socket()
	if err != nil {
		return err
	}

	if err := c.write(conn, []byte(HandshakeRequest)); err != nil {
		return fmt.Errorf("%w: %s: sending request: %w", ErrHandshakeFailed, c.name, err)
	}

	reply, err := readReply(conn)
	if err != nil {
		return fmt.Errorf("%w: %s: reading reply: %w", ErrHandshakeFailed, c.name, err)
	}

	pcomms := ParsePcomms(reply)
	if len(pcomms) == 0 {
		return fmt.Errorf("%w: %s: empty reply", ErrHandshakeFailed, c.name)
	}

	supported := make(map[string]bool, len(pcomms))
	for _, p := range pcomms {
		supported[p] = true
	}

	c.mu.Lock()
	c.pcomms = pcomms
	c.supported = supported
	c.mu.Unlock()

	c.logger.Info("module handshake complete", "module", c.name, "pcomms", pcomms)
	return nil
}

// readReply waits up to the read timeout for the first chunk, then keeps
// reading for a short settle window to pick up the rest.
func readReply(conn *transport.Conn) ([]byte, error) {
	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil && !(errors.Is(err, io.EOF) && n > 0) {
		return nil, err
	}
	reply := append([]byte(nil), buf[:n]...)

	for {
		n, err := conn.ReadWithin(buf, handshakeSettle)
		reply = append(reply, buf[:n]...)
		if err != nil || n == 0 {
			return reply, nil
		}
	}
}

// Supports reports whether cmd was named in the handshake reply.
func (c *Connection) Supports(cmd string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.supported[cmd]
}

// Pcomms returns the handshake commands in the module's order.
func (c *Connection) Pcomms() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.pcomms...)
}

// DefaultPayload returns the configured default payload for cmd.
func (c *Connection) DefaultPayload(cmd string) string {
	return c.defaults[cmd]
}

// Send writes "cmd|payload" to the module.
//
// Returns:
//   - error: ErrClosed, ErrNotConnected, ErrUnsupportedCommand or the write error
func (c *Connection) Send(cmd, payload string) error {
	conn, err := c.socket()
	if err != nil {
		return err
	}
	if !c.Supports(cmd) {
		return fmt.Errorf("%w: %s does not support %q", ErrUnsupportedCommand, c.name, cmd)
	}

	if err := c.write(conn, EncodeCommand(cmd, payload)); err != nil {
		return fmt.Errorf("sending %s to %s: %w", cmd, c.name, err)
	}
	c.logger.Debug("command sent", "module", c.name, "command", cmd)
	return nil
}

func (c *Connection) write(conn *transport.Conn, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := conn.Write(frame)
	return err
}

// ReadAvailable drains whatever the module has sent.
// It returns ErrPeerClosed once the module has closed its end.
func (c *Connection) ReadAvailable() ([]byte, error) {
	c.mu.RLock()
	peerClosed := c.peerClosed
	c.mu.RUnlock()
	if peerClosed {
		return nil, ErrPeerClosed
	}

	conn, err := c.socket()
	if err != nil {
		return nil, err
	}

	data, err := conn.Drain()
	if errors.Is(err, io.EOF) {
		c.mu.Lock()
		c.peerClosed = true
		c.mu.Unlock()
		if len(data) > 0 {
			return data, nil
		}
		return nil, ErrPeerClosed
	}
	return data, err
}

// SetReadTimeout changes the socket read timeout, typically to the
// broker's poll timeout after the handshake.
func (c *Connection) SetReadTimeout(d time.Duration) {
	if conn, err := c.socket(); err == nil {
		conn.SetReadTimeout(d)
	}
}

// Connected reports whether the socket is open.
func (c *Connection) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.conn != nil && !c.socketClosed && !c.peerClosed
}

// StopSocket closes the socket. Calling it more than once is safe.
func (c *Connection) StopSocket() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.socketClosed {
		return nil
	}
	c.socketClosed = true
	if c.conn == nil {
		return nil
	}
	c.logger.Debug("closing module socket", "module", c.name)
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("closing socket of %s: %w", c.name, err)
	}
	return nil
}

// StopProcess tears down the module's process tree, if it owns one.
// Calling it more than once is safe.
func (c *Connection) StopProcess() error {
	c.mu.Lock()
	h := c.handle
	c.handle = nil
	c.procStopped = true
	c.mu.Unlock()

	if h == nil || c.supervisor == nil {
		return nil
	}
	if err := c.supervisor.StopTree(h); err != nil {
		return fmt.Errorf("stopping process of %s: %w", c.name, err)
	}
	return nil
}

// PID returns the module process ID, or 0 if none is owned.
func (c *Connection) PID() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.handle == nil {
		return 0
	}
	return c.handle.PID()
}

// Info returns a snapshot of the connection.
func (c *Connection) Info() Info {
	return Info{
		Name:          c.name,
		Address:       c.Address(),
		Kind:          c.Kind(),
		Pcomms:        c.Pcomms(),
		PcommDefaults: maps.Clone(c.defaults),
		Connected:     c.Connected(),
		PID:           c.PID(),
	}
}

func (c *Connection) socket() (*transport.Conn, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.socketClosed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	return c.conn, nil
}
