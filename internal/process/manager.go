package process

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"
)

// Status is the lifecycle state of a managed daemon.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Config describes a long-lived daemon such as the log sink.
type Config struct {
	// Name identifies the daemon in logs.
	Name string

	Binary string
	Args   []string

	// WorkDir is the working directory. Empty inherits the parent's.
	WorkDir string

	// RestartOnFailure restarts the daemon when it exits without Stop,
	// waiting RestartDelay between attempts. MaxRestartAttempts of 0
	// means no limit.
	RestartOnFailure   bool
	RestartDelay       time.Duration
	MaxRestartAttempts int

	// GracefulTimeout is how long Stop waits after SIGTERM before SIGKILL.
	GracefulTimeout time.Duration

	// OnStop is called each time the daemon exits: with nil after Stop,
	// otherwise with the exit error.
	OnStop func(err error)
}

// DefaultConfig returns a Config for a daemon that is not restarted.
func DefaultConfig(name, binary string, args []string) Config {
	return Config{
		Name:            name,
		Binary:          binary,
		Args:            args,
		RestartDelay:    time.Second,
		GracefulTimeout: 3 * time.Second,
	}
}

// Logger defines the logging interface for the process package.
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

// Manager keeps one daemon running.
//
// Unlike a module, a daemon is stopped gracefully: its process group gets
// SIGTERM and time to flush before it is killed. The daemon is not tied
// to the context passed to Start, so it can outlive cancellation and
// record the shutdown of everything else.
type Manager struct {
	cfg Config
	sup *Supervisor

	mu       sync.RWMutex
	handle   *Handle
	status   Status
	restarts int
	lastErr  error
	started  time.Time
	stopping bool
	watching chan struct{}
}

// NewManager creates a manager. Zero RestartDelay and GracefulTimeout take
// the DefaultConfig values.
func NewManager(cfg Config) *Manager {
	def := DefaultConfig(cfg.Name, cfg.Binary, cfg.Args)
	if cfg.RestartDelay <= 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.GracefulTimeout <= 0 {
		cfg.GracefulTimeout = def.GracefulTimeout
	}
	return &Manager{
		cfg:    cfg,
		sup:    NewSupervisor(),
		status: StatusStopped,
	}
}

// SetLogger sets the logger for lifecycle messages and daemon output.
func (m *Manager) SetLogger(logger Logger) {
	m.sup.SetLogger(logger)
}

func (m *Manager) log() Logger { return m.sup.logger }

// Start launches the daemon and watches it until Stop, ctx cancellation
// or an exit that is not restarted.
//
// Returns:
//   - error: ErrAlreadyRunning if the daemon is starting or running, or
//     the exec error if it cannot be launched
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.cfg.Name)
	}
	m.status = StatusStarting
	m.stopping = false
	m.mu.Unlock()

	h, err := m.launch()
	if err != nil {
		return err
	}

	watching := make(chan struct{})
	m.mu.Lock()
	m.watching = watching
	m.mu.Unlock()

	go m.watch(ctx, h, watching)
	return nil
}

// launch spawns the daemon and records it as running, or records the
// failure.
func (m *Manager) launch() (*Handle, error) {
	m.log().Info("starting process", "name", m.cfg.Name, "binary", m.cfg.Binary, "args", m.cfg.Args)

	h, err := m.sup.spawn(m.cfg.Name, m.cfg.Binary, m.cfg.Args, m.cfg.WorkDir)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.status = StatusFailed
		m.lastErr = err
		return nil, err
	}
	m.handle = h
	m.status = StatusRunning
	m.started = time.Now()
	m.log().Info("process started", "name", m.cfg.Name, "pid", h.PID())
	if m.stopping {
		// Stop ran while a restart was being launched. watch reaps it.
		//nolint:errcheck // The group may already be gone
		h.signalGroup(syscall.SIGKILL)
	}
	return h, nil
}

// watch handles each exit of the daemon, restarting it while allowed.
func (m *Manager) watch(ctx context.Context, h *Handle, watching chan struct{}) {
	defer close(watching)

	for {
		<-h.Done()

		m.mu.Lock()
		stopping := m.stopping
		m.lastErr = h.Err()
		if stopping {
			m.status = StatusStopped
		} else {
			m.status = StatusFailed
			m.restarts++
		}
		attempt := m.restarts
		exitErr := m.lastErr
		m.mu.Unlock()

		if stopping {
			m.log().Info("process stopped as requested", "name", m.cfg.Name)
			m.notify(nil)
			return
		}

		m.log().Warn("process exited unexpectedly", "name", m.cfg.Name, "error", exitErr)
		m.notify(exitErr)

		if !m.cfg.RestartOnFailure {
			return
		}
		if limit := m.cfg.MaxRestartAttempts; limit > 0 && attempt > limit {
			m.log().Error("max restart attempts reached", "name", m.cfg.Name, "attempts", attempt)
			return
		}

		m.log().Info("restarting process", "name", m.cfg.Name, "attempt", attempt, "delay", m.cfg.RestartDelay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.cfg.RestartDelay):
		}

		m.mu.Lock()
		if m.stopping {
			m.status = StatusStopped
			m.mu.Unlock()
			return
		}
		m.status = StatusStarting
		m.mu.Unlock()

		next, err := m.launch()
		if err != nil {
			m.log().Error("failed to restart process", "name", m.cfg.Name, "error", err)
			return
		}
		h = next
	}
}

func (m *Manager) notify(err error) {
	if m.cfg.OnStop != nil {
		m.cfg.OnStop(err)
	}
}

// Stop sends SIGTERM to the daemon's process group and waits up to
// GracefulTimeout for it to exit before killing the group. A pending
// restart is cancelled. Stopping a daemon that is not running is a no-op.
func (m *Manager) Stop() error {
	m.mu.Lock()
	m.stopping = true
	h := m.handle
	watching := m.watching
	running := m.status == StatusRunning || m.status == StatusStarting
	m.mu.Unlock()

	if !running || h == nil || h.Exited() {
		if watching != nil {
			<-watching
		}
		return nil
	}

	pid := h.PID()
	m.log().Info("stopping process", "name", m.cfg.Name, "pid", pid)
	if err := h.signalGroup(syscall.SIGTERM); err != nil {
		m.log().Warn("failed to signal process group", "name", m.cfg.Name, "signal", "SIGTERM", "error", err)
	}

	select {
	case <-h.Done():
		<-watching
		m.log().Info("process stopped gracefully", "name", m.cfg.Name)
		return nil
	case <-time.After(m.cfg.GracefulTimeout):
		m.log().Warn("graceful shutdown timeout, sending SIGKILL", "name", m.cfg.Name, "timeout", m.cfg.GracefulTimeout)
	}

	if err := h.signalGroup(syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing process group %s: %w", m.cfg.Name, err)
	}
	select {
	case <-h.Done():
	case <-time.After(m.sup.reapTimeout):
		return fmt.Errorf("%w: %s (pid %d)", ErrStopTimeout, m.cfg.Name, pid)
	}
	<-watching
	m.log().Info("process killed", "name", m.cfg.Name)
	return nil
}

// Stats describes the managed daemon.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns a snapshot of the daemon's state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Name: m.cfg.Name, Status: m.status, RestartCount: m.restarts}
	if m.handle != nil {
		st.PID = m.handle.PID()
	}
	if m.status == StatusRunning {
		st.Uptime = time.Since(m.started)
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
