package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// drainChunk is the read size used by Drain.
const drainChunk = 4096

// Conn is a TCP connection with per-call read and write deadlines.
type Conn struct {
	conn net.Conn

	mu           sync.Mutex
	readTimeout  time.Duration
	writeTimeout time.Duration

	closeOnce sync.Once
	closeErr  error
}

func newConn(conn net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	return &Conn{
		conn:         conn,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// Wrap adapts an existing net.Conn. Non-positive timeouts take the defaults.
func Wrap(conn net.Conn, readTimeout, writeTimeout time.Duration) *Conn {
	if readTimeout <= 0 {
		readTimeout = defaultReadTimeout
	}
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return newConn(conn, readTimeout, writeTimeout)
}

// SetReadTimeout changes the deadline applied to subsequent reads.
func (c *Conn) SetReadTimeout(d time.Duration) {
	c.mu.Lock()
	c.readTimeout = d
	c.mu.Unlock()
}

// ReadTimeout returns the current read timeout.
func (c *Conn) ReadTimeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readTimeout
}

// Read reads with a fresh deadline of the current read timeout.
func (c *Conn) Read(p []byte) (int, error) {
	return c.ReadWithin(p, c.ReadTimeout())
}

// ReadWithin reads with a one-off deadline of d.
func (c *Conn) ReadWithin(p []byte, d time.Duration) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, err
	}
	return c.conn.Read(p)
}

// Write writes p with a fresh write deadline.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	d := c.writeTimeout
	c.mu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(d)); err != nil {
		return 0, err
	}
	return c.conn.Write(p)
}

// Drain reads until a read times out or the peer closes.
//
// Returns:
//   - []byte: Everything read, possibly empty
//   - error: nil on timeout, io.EOF if the peer closed, otherwise the read error
func (c *Conn) Drain() ([]byte, error) {
	var out []byte
	buf := make([]byte, drainChunk)
	d := c.ReadTimeout()

	for {
		n, err := c.ReadWithin(buf, d)
		out = append(out, buf[:n]...)
		if err == nil {
			if n == 0 {
				return out, nil
			}
			continue
		}
		if IsTimeout(err) {
			return out, nil
		}
		if errors.Is(err, io.EOF) {
			return out, io.EOF
		}
		return out, err
	}
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Close closes the connection. Calling it more than once is safe.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// IsTimeout reports whether err is a network timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
