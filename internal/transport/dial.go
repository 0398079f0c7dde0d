package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// MaxConnectAttempts is the number of connect attempts made by Dial.
const MaxConnectAttempts = 3

// Default timing.
const (
	defaultBackoff        = time.Second
	defaultConnectTimeout = 2 * time.Second
	defaultReadTimeout    = 2 * time.Second
	defaultWriteTimeout   = 2 * time.Second
)

// Dialer opens network connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Logger defines the logging interface for the transport package.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// Config holds the connect parameters for one module socket.
type Config struct {
	Host string
	Port int

	// Attempts overrides MaxConnectAttempts when positive.
	Attempts int

	// Backoff is the pause between attempts.
	Backoff time.Duration

	// ConnectTimeout bounds each individual attempt.
	ConnectTimeout time.Duration

	// ReadTimeout is applied to every Read on the returned Conn.
	ReadTimeout time.Duration

	// WriteTimeout is applied to every Write on the returned Conn.
	WriteTimeout time.Duration

	// Dialer defaults to a zero net.Dialer.
	Dialer Dialer

	Logger Logger
}

// Address returns host:port.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) applyDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = MaxConnectAttempts
	}
	if c.Backoff <= 0 {
		c.Backoff = defaultBackoff
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = defaultReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.Dialer == nil {
		c.Dialer = &net.Dialer{}
	}
	if c.Logger == nil {
		c.Logger = noopLogger{}
	}
}

// Dial connects to cfg.Address, retrying up to cfg.Attempts times.
//
// The backoff is only waited between attempts, so a connect that never
// succeeds returns after roughly (Attempts-1) * Backoff plus the time spent
// in the attempts themselves.
//
// Parameters:
//   - ctx: Cancels the whole connect, including the backoff waits
//   - cfg: Address, timing and dialer
//
// Returns:
//   - *Conn: Connected socket with the read timeout applied
//   - error: *DialError on exhaustion, or the context error if cancelled
func Dial(ctx context.Context, cfg Config) (*Conn, error) {
	cfg.applyDefaults()
	address := cfg.Address()

	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if attempt > 1 {
			if err := sleepCtx(ctx, cfg.Backoff); err != nil {
				return nil, fmt.Errorf("transport: connect to %s cancelled: %w", address, err)
			}
		}

		conn, err := dialOnce(ctx, cfg, address)
		if err == nil {
			return newConn(conn, cfg.ReadTimeout, cfg.WriteTimeout), nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("transport: connect to %s cancelled: %w", address, ctx.Err())
		}

		lastErr = err
		cfg.Logger.Warn("connect attempt failed",
			"address", address,
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"error", err,
		)
	}

	return nil, &DialError{
		Address:  address,
		Attempts: cfg.Attempts,
		Kind:     classify(lastErr),
		Err:      lastErr,
	}
}

func dialOnce(ctx context.Context, cfg Config, address string) (net.Conn, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	conn, err := cfg.Dialer.DialContext(attemptCtx, "tcp", address)
	if err == nil {
		return conn, nil
	}
	// Timed-out attempts leave nothing to release.
	if conn != nil && classify(err) != ErrConnectionTimeout {
		conn.Close()
	}
	return nil, err
}

// classify maps a dial error to its failure class.
func classify(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrConnectionTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrConnectionTimeout
	}
	return ErrConnectionError
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
