// Package logsink receives newline-delimited JSON log records over TCP and
// appends them to one file.
//
// The control room and its modules all forward their logs here, so the
// file holds the merged record stream of the whole fleet. Lines that are
// not valid JSON are counted and skipped.
package logsink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"go.uber.org/multierr"
)

// Defaults match the log_sink section of the control room config.
const (
	DefaultAddress = "127.0.0.1:9020"
	DefaultFile    = "controlroom_all.log"

	// maxRecordSize bounds a single record line.
	maxRecordSize = 1 << 20
)

// Logger defines the logging interface for the sink's own messages.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any) {}
func (noopLogger) Warn(string, ...any) {}

// Config configures a Server.
type Config struct {
	Address string
	File    string
	Logger  Logger
}

// Stats are sink counters.
type Stats struct {
	Connections uint64 `json:"connections"`
	Records     uint64 `json:"records"`
	Malformed   uint64 `json:"malformed"`
}

// Server is the log sink.
//
// Thread Safety:
//   - Each client connection is served on its own goroutine. Appends are
//     serialized so records never interleave in the file.
type Server struct {
	cfg    Config
	logger Logger

	mu       sync.Mutex
	ln       net.Listener
	file     *os.File
	conns    map[net.Conn]struct{}
	closed   bool
	wg       sync.WaitGroup
	fileMu   sync.Mutex
	nconns   atomic.Uint64
	records  atomic.Uint64
	badLines atomic.Uint64
}

// New creates a sink. Nothing is opened until Start.
func New(cfg Config) *Server {
	if cfg.Address == "" {
		cfg.Address = DefaultAddress
	}
	if cfg.File == "" {
		cfg.File = DefaultFile
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	return &Server{
		cfg:    cfg,
		logger: cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start opens the log file for appending, binds the listener and accepts
// connections in the background. The listener is closed when ctx is done.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln != nil {
		return fmt.Errorf("log sink already started")
	}

	//nolint:gosec // G304: path comes from operator configuration
	f, err := os.OpenFile(s.cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		f.Close()
		return fmt.Errorf("listening on %s: %w", s.cfg.Address, err)
	}

	s.file = f
	s.ln = ln
	s.logger.Info("log sink listening", "address", ln.Addr().String(), "file", s.cfg.File)

	s.wg.Add(1)
	go s.acceptLoop(ln)

	go func() {
		<-ctx.Done()
		_ = s.Close() //nolint:errcheck // reported by the explicit Close
	}()

	return nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Warn("log sink accept failed", "error", err)
			}
			return
		}

		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		s.nconns.Add(1)
		go s.serve(conn)
	}
}

// serve reads records from one client until it disconnects.
func (s *Server) serve(conn net.Conn) {
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
		s.wg.Done()
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), maxRecordSize)
	for sc.Scan() {
		s.handleLine(sc.Bytes())
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.logger.Warn("log sink client read failed", "remote", conn.RemoteAddr().String(), "error", err)
	}
}

// handleLine appends a valid JSON record. Blank lines are ignored.
func (s *Server) handleLine(line []byte) {
	if len(line) == 0 {
		return
	}
	if !gjson.ValidBytes(line) {
		s.badLines.Add(1)
		return
	}

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file == nil {
		return
	}
	buf := make([]byte, 0, len(line)+1)
	buf = append(append(buf, line...), '\n')
	if _, err := s.file.Write(buf); err != nil {
		s.logger.Warn("log sink write failed", "error", err)
		return
	}
	s.records.Add(1)
}

// Stats returns current counters.
func (s *Server) Stats() Stats {
	return Stats{
		Connections: s.nconns.Load(),
		Records:     s.records.Load(),
		Malformed:   s.badLines.Load(),
	}
}

// Close stops accepting, disconnects clients, waits for them and closes
// the file. Calling it more than once is safe.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ln := s.ln
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()

	s.fileMu.Lock()
	defer s.fileMu.Unlock()
	if s.file != nil {
		err = multierr.Append(err, s.file.Close())
		s.file = nil
	}
	return err
}
