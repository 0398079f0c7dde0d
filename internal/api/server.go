// Package api provides the HTTP REST API and WebSocket server for the
// control room.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/controlroom/internal/audit"
	"github.com/nerrad567/controlroom/internal/broker"
	"github.com/nerrad567/controlroom/internal/events"
	"github.com/nerrad567/controlroom/internal/infrastructure/config"
	"github.com/nerrad567/controlroom/internal/infrastructure/logging"
	"github.com/nerrad567/controlroom/internal/module"
	"github.com/nerrad567/controlroom/internal/process"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.APIConfig
	WS       config.WebSocketConfig
	Security config.SecurityConfig
	Logger   *logging.Logger
	Registry *module.Registry
	Macros   []config.MacroConfig

	// CommandLog backs GET /commands. Nil when the database is disabled.
	CommandLog audit.Repository

	// Events receives a command.sent event for every command the API issues.
	Events events.Publisher

	// Hub, if set, is used instead of a hub owned by the server. The caller
	// subscribes it to the event dispatcher.
	Hub *Hub

	// State reports the lifecycle state shown by /health.
	State func() string

	// BrokerStats reports routing counters for /metrics.
	BrokerStats func() (broker.Stats, bool)

	// DispatcherStats reports event fan-out counters for /metrics.
	DispatcherStats func() events.Stats

	// SinkStats reports the log sink process for /metrics. Nil when the
	// sink is not managed.
	SinkStats func() process.Stats

	// Backends are probed by /health, keyed by name. Only enabled
	// backends belong here.
	Backends map[string]HealthChecker

	Version string
}

// Server is the HTTP API server for the control room.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.APIConfig
	wsCfg       config.WebSocketConfig
	secCfg      config.SecurityConfig
	logger      *logging.Logger
	registry    *module.Registry
	macros      map[string]config.MacroConfig
	macroOrder  []string
	commandLog  audit.Repository
	events      events.Publisher
	state       func() string
	brokerStats func() (broker.Stats, bool)
	dispStats   func() events.Stats
	sinkStats   func() process.Stats
	backends    map[string]HealthChecker
	version     string
	startTime   time.Time

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	hub      *Hub
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (logger, registry)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("module registry is required")
	}

	s := &Server{
		cfg:         deps.Config,
		wsCfg:       deps.WS,
		secCfg:      deps.Security,
		logger:      deps.Logger,
		registry:    deps.Registry,
		macros:      make(map[string]config.MacroConfig, len(deps.Macros)),
		commandLog:  deps.CommandLog,
		events:      deps.Events,
		state:       deps.State,
		brokerStats: deps.BrokerStats,
		dispStats:   deps.DispatcherStats,
		sinkStats:   deps.SinkStats,
		backends:    deps.Backends,
		version:     deps.Version,
		hub:         deps.Hub,
	}
	for _, m := range deps.Macros {
		s.macros[m.Name] = m
		s.macroOrder = append(s.macroOrder, m.Name)
	}
	if s.events == nil {
		s.events = events.Discard
	}
	if s.hub == nil {
		s.hub = NewHub(s.wsCfg, s.logger)
	}

	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Start binds the listener and serves in the background.
//
// The bind happens before Start returns, so a port already in use is
// reported as a startup error rather than logged later.
//
// Parameters:
//   - ctx: Parent context for the hub's lifetime
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("api server already started")
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprintf("%d", s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(srvCtx)

	s.startTime = time.Now()
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}

	srv := s.server
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS",
				"address", ln.Addr().String(),
				"cert", s.cfg.TLS.CertFile,
			)
			err = srv.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
//
// Returns:
//   - error: If shutdown encounters an error
func (s *Server) Close() error {
	s.mu.Lock()
	srv, cancel := s.server, s.cancel
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	// Stops the hub, which disconnects WebSocket clients. Hijacked
	// connections are not tracked by Shutdown.
	if cancel != nil {
		cancel()
	}

	ctx, stop := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer stop()

	s.logger.Info("API server shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}
