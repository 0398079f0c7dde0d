package logging

import (
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// Sink connection timing.
const (
	sinkDialTimeout  = 300 * time.Millisecond
	sinkWriteTimeout = 300 * time.Millisecond
	sinkMinBackoff   = 300 * time.Millisecond
	sinkMaxBackoff   = 30 * time.Second
)

// SinkWriter forwards log records to the log sink over TCP.
//
// Writes never fail and never block for longer than one dial or write
// timeout. While the sink is unreachable the writer backs off and drops
// records immediately, doubling the backoff after every failed attempt.
type SinkWriter struct {
	address string

	mu        sync.Mutex
	conn      net.Conn
	backoff   time.Duration
	nextDial  time.Time
	closed    bool
	dialFunc  func(network, address string, timeout time.Duration) (net.Conn, error)
	nowFunc   func() time.Time
	dropped   atomic.Uint64
	forwarded atomic.Uint64
}

// NewSinkWriter creates a writer for the sink at address.
// No connection is made until the first Write.
func NewSinkWriter(address string) *SinkWriter {
	return &SinkWriter{
		address:  address,
		dialFunc: net.DialTimeout,
		nowFunc:  time.Now,
	}
}

// Write sends p as one record. It always reports success.
func (w *SinkWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		w.dropped.Add(1)
		return len(p), nil
	}

	if w.conn == nil && !w.connectLocked() {
		w.dropped.Add(1)
		return len(p), nil
	}

	_ = w.conn.SetWriteDeadline(w.nowFunc().Add(sinkWriteTimeout))
	if _, err := w.conn.Write(p); err != nil {
		_ = w.conn.Close()
		w.conn = nil
		w.scheduleRetryLocked()
		w.dropped.Add(1)
		return len(p), nil
	}

	w.forwarded.Add(1)
	return len(p), nil
}

func (w *SinkWriter) connectLocked() bool {
	now := w.nowFunc()
	if now.Before(w.nextDial) {
		return false
	}

	conn, err := w.dialFunc("tcp", w.address, sinkDialTimeout)
	if err != nil {
		w.scheduleRetryLocked()
		return false
	}

	w.conn = conn
	w.backoff = 0
	return true
}

func (w *SinkWriter) scheduleRetryLocked() {
	switch {
	case w.backoff == 0:
		w.backoff = sinkMinBackoff
	case w.backoff < sinkMaxBackoff:
		w.backoff *= 2
		if w.backoff > sinkMaxBackoff {
			w.backoff = sinkMaxBackoff
		}
	}
	w.nextDial = w.nowFunc().Add(w.backoff)
}

// Dropped returns the number of records discarded so far.
func (w *SinkWriter) Dropped() uint64 {
	return w.dropped.Load()
}

// Forwarded returns the number of records delivered to the sink.
func (w *SinkWriter) Forwarded() uint64 {
	return w.forwarded.Load()
}

// Close closes the sink connection. Later writes are dropped.
func (w *SinkWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.closed = true
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
