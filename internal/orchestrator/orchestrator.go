// Package orchestrator sequences control room startup and shutdown.
//
// Startup runs strictly in order: log sink, module processes, socket
// connects, handshakes, broker, control surface. Any failure aborts
// startup. Shutdown then runs for whatever was started, in reverse
// dependency order, and every step runs even if an earlier one failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/nerrad567/controlroom/internal/broker"
	"github.com/nerrad567/controlroom/internal/events"
	"github.com/nerrad567/controlroom/internal/module"
)

// State is a stage of the control room lifecycle.
type State string

const (
	StateInit            State = "init"
	StateStartingSink    State = "starting_sink"
	StateStartingModules State = "starting_modules"
	StateConnecting      State = "connecting"
	StateHandshaking     State = "handshaking"
	StateRunning         State = "running"
	StateShuttingDown    State = "shutting_down"
	StateStopped         State = "stopped"
)

// Sink is the log sink process.
type Sink interface {
	Start(ctx context.Context) error
	Stop() error
}

// Surface is the operator-facing control surface.
type Surface interface {
	Start(ctx context.Context) error
	Close() error
}

// Logger defines the logging interface for the orchestrator.
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

// Timings are the fixed delays of the lifecycle.
type Timings struct {
	// SinkSettle is waited after starting the sink.
	SinkSettle time.Duration

	// ModuleSettle is waited after starting the module processes.
	ModuleSettle time.Duration

	// PollTimeout is the socket read timeout after the handshake.
	PollTimeout time.Duration

	// BrokerStop bounds the wait for the broker loop to exit.
	BrokerStop time.Duration

	// Drain is waited before stopping the sink.
	Drain time.Duration

	// BrokerIdle is the broker's idle sleep.
	BrokerIdle time.Duration
}

// DefaultTimings returns the standard lifecycle delays.
func DefaultTimings() Timings {
	return Timings{
		SinkSettle:   500 * time.Millisecond,
		ModuleSettle: 2 * time.Second,
		PollTimeout:  time.Millisecond,
		BrokerStop:   3 * time.Second,
		Drain:        time.Second,
		BrokerIdle:   50 * time.Millisecond,
	}
}

// Config wires the orchestrator's collaborators.
type Config struct {
	Registry *module.Registry

	// Sink and Surface are optional.
	Sink    Sink
	Surface Surface

	Transforms *broker.TransformSet
	Events     events.Publisher
	Logger     Logger
	Timings    Timings

	// OnTransition is called on every state change.
	OnTransition func(from, to State)
}

// Orchestrator runs one control room lifecycle.
type Orchestrator struct {
	cfg    Config
	logger Logger

	mu     sync.RWMutex
	state  State
	broker *broker.Broker

	// Started components, for shutdown.
	sinkStarted    bool
	brokerStarted  bool
	surfaceStarted bool
}

// New creates an orchestrator in StateInit.
func New(cfg Config) *Orchestrator {
	if cfg.Registry == nil {
		cfg.Registry = module.NewRegistry()
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	return &Orchestrator{
		cfg:    cfg,
		logger: cfg.Logger,
		state:  StateInit,
	}
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// BrokerStats returns the broker's counters once it has been built.
func (o *Orchestrator) BrokerStats() (broker.Stats, bool) {
	o.mu.RLock()
	b := o.broker
	o.mu.RUnlock()
	if b == nil {
		return broker.Stats{}, false
	}
	return b.Stats(), true
}

func (o *Orchestrator) transition(to State) {
	o.mu.Lock()
	from := o.state
	o.state = to
	o.mu.Unlock()

	o.logger.Info("control room state changed", "from", from, "to", to)
	if o.cfg.OnTransition != nil {
		o.cfg.OnTransition(from, to)
	}
}

// Run starts the control room, blocks until ctx is cancelled, then shuts down.
//
// Cancelling ctx during startup aborts startup and is treated as a normal
// shutdown request.
//
// Returns:
//   - error: nil on a clean run, otherwise the startup error combined with
//     any shutdown errors
func (o *Orchestrator) Run(ctx context.Context) error {
	if o.State() != StateInit {
		return errors.New("orchestrator: Run called more than once")
	}

	startErr := o.startup(ctx)
	if startErr == nil {
		o.transition(StateRunning)
		o.logger.Info("control room running", "modules", o.cfg.Registry.Len())
		<-ctx.Done()
	} else if ctx.Err() != nil && errors.Is(startErr, ctx.Err()) {
		o.logger.Info("startup interrupted", "reason", ctx.Err())
		startErr = nil
	} else {
		o.logger.Error("startup failed", "error", startErr)
	}

	shutErr := o.shutdown()
	o.transition(StateStopped)

	if shutErr != nil {
		o.logger.Warn("shutdown completed with errors", "error", shutErr)
	}
	return multierr.Append(startErr, shutErr)
}

func (o *Orchestrator) startup(ctx context.Context) error {
	t := o.cfg.Timings

	o.transition(StateStartingSink)
	if o.cfg.Sink != nil {
		if err := o.cfg.Sink.Start(ctx); err != nil {
			return fmt.Errorf("starting log sink: %w", err)
		}
		o.sinkStarted = true
		if err := sleepCtx(ctx, t.SinkSettle); err != nil {
			return err
		}
	}

	conns := o.cfg.Registry.Connections()

	o.transition(StateStartingModules)
	owned := 0
	for _, c := range conns {
		if !c.Owned() {
			continue
		}
		owned++
		if err := c.StartServer(); err != nil {
			return err
		}
	}
	if owned > 0 {
		if err := sleepCtx(ctx, t.ModuleSettle); err != nil {
			return err
		}
	}

	o.transition(StateConnecting)
	for _, c := range conns {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("connecting to %s: %w", c.Name(), err)
		}
	}

	o.transition(StateHandshaking)
	for _, c := range conns {
		if err := c.Handshake(); err != nil {
			return err
		}
		c.SetReadTimeout(t.PollTimeout)
	}

	b := broker.New(broker.RegistryDirectory(o.cfg.Registry), broker.Config{
		Transforms:   o.cfg.Transforms,
		Events:       o.cfg.Events,
		Logger:       o.logger,
		IdleInterval: t.BrokerIdle,
	})
	o.mu.Lock()
	o.broker = b
	o.mu.Unlock()
	b.Start()
	o.brokerStarted = true

	if o.cfg.Surface != nil {
		if err := o.cfg.Surface.Start(ctx); err != nil {
			return fmt.Errorf("starting control surface: %w", err)
		}
		o.surfaceStarted = true
	}

	return nil
}

// shutdown stops everything that was started. Every step runs regardless
// of earlier failures.
func (o *Orchestrator) shutdown() error {
	o.transition(StateShuttingDown)
	t := o.cfg.Timings
	var errs error

	if o.surfaceStarted {
		errs = multierr.Append(errs, o.step("close control surface", o.cfg.Surface.Close))
	}

	if o.brokerStarted {
		errs = multierr.Append(errs, o.step("stop broker", func() error {
			return o.broker.Stop(t.BrokerStop)
		}))
	}

	for _, c := range o.cfg.Registry.Connections() {
		errs = multierr.Append(errs, o.step("stop socket "+c.Name(), c.StopSocket))
		errs = multierr.Append(errs, o.step("stop process "+c.Name(), c.StopProcess))
	}

	if o.sinkStarted {
		time.Sleep(t.Drain)
		errs = multierr.Append(errs, o.step("stop log sink", o.cfg.Sink.Stop))
	}

	return errs
}

// step runs one shutdown action, converting a panic into an error.
func (o *Orchestrator) step(name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%s: panic: %v", name, r)
		}
		if err != nil {
			o.logger.Error("shutdown step failed", "step", name, "error", err)
		}
	}()
	if err := fn(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	o.logger.Debug("shutdown step done", "step", name)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
