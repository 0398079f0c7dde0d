package broker

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/controlroom/internal/events"
	"github.com/nerrad567/controlroom/internal/module"
)

const defaultIdleInterval = 50 * time.Millisecond

// Endpoint is a module socket the broker can read from and write to.
// *module.Connection satisfies it.
type Endpoint interface {
	Name() string
	Supports(cmd string) bool
	Send(cmd, payload string) error
	ReadAvailable() ([]byte, error)
}

// Directory lists the endpoints to poll and resolves frame targets.
type Directory interface {
	Endpoints() []Endpoint
	Lookup(name string) (Endpoint, bool)
}

// registryDirectory adapts a module.Registry to Directory.
type registryDirectory struct {
	reg *module.Registry
}

// RegistryDirectory returns a Directory over the registry's connections.
func RegistryDirectory(reg *module.Registry) Directory {
	return registryDirectory{reg: reg}
}

func (d registryDirectory) Endpoints() []Endpoint {
	conns := d.reg.Connections()
	eps := make([]Endpoint, len(conns))
	for i, c := range conns {
		eps[i] = c
	}
	return eps
}

func (d registryDirectory) Lookup(name string) (Endpoint, bool) {
	c, ok := d.reg.Get(name)
	if !ok {
		return nil, false
	}
	return c, true
}

// Logger defines the logging interface for the broker.
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

// Config holds optional broker collaborators.
type Config struct {
	// Transforms defaults to an empty set (identity for every target).
	Transforms *TransformSet

	// Events defaults to events.Discard.
	Events events.Publisher

	Logger Logger

	// IdleInterval is slept when no endpoint can be read.
	IdleInterval time.Duration
}

// Broker polls module sockets and forwards callback frames.
//
// Thread Safety:
//   - Run executes on a single goroutine. Stop may be called from any goroutine.
type Broker struct {
	dir        Directory
	transforms *TransformSet
	events     events.Publisher
	logger     Logger
	idle       time.Duration

	stop    atomic.Bool
	started atomic.Bool
	done    chan struct{}

	// closedPeers is only touched by the poll goroutine.
	closedPeers map[string]bool

	mu    sync.Mutex
	stats Stats
}

// Stats are broker routing counters.
type Stats struct {
	Routed    uint64 `json:"routed"`
	Dropped   uint64 `json:"dropped"`
	Malformed uint64 `json:"malformed"`
	Cycles    uint64 `json:"cycles"`
}

// New creates a broker over dir.
func New(dir Directory, cfg Config) *Broker {
	if cfg.Transforms == nil {
		cfg.Transforms = NewTransformSet()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Logger == nil {
		cfg.Logger = noopLogger{}
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = defaultIdleInterval
	}

	return &Broker{
		dir:         dir,
		transforms:  cfg.Transforms,
		events:      cfg.Events,
		logger:      cfg.Logger,
		idle:        cfg.IdleInterval,
		done:        make(chan struct{}),
		closedPeers: make(map[string]bool),
	}
}

// Start runs the poll loop on its own goroutine.
func (b *Broker) Start() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer close(b.done)
		b.run()
	}()
}

// Run runs the poll loop on the calling goroutine until Stop is called.
func (b *Broker) Run() {
	if !b.started.CompareAndSwap(false, true) {
		return
	}
	defer close(b.done)
	b.run()
}

func (b *Broker) run() {
	b.logger.Info("callback broker started")
	for !b.stop.Load() {
		if b.PollOnce() == 0 {
			time.Sleep(b.idle)
		}
	}
	b.logger.Info("callback broker stopped")
}

// Stop signals the loop to exit and waits up to timeout for it to do so.
func (b *Broker) Stop(timeout time.Duration) error {
	b.stop.Store(true)
	if !b.started.Load() {
		return nil
	}
	select {
	case <-b.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w after %v", ErrStopTimeout, timeout)
	}
}

// PollOnce drains every live endpoint once, in directory order, and routes
// what it read. It returns the number of endpoints that could be read.
func (b *Broker) PollOnce() int {
	readable := 0
	for _, ep := range b.dir.Endpoints() {
		name := ep.Name()
		if b.closedPeers[name] {
			continue
		}

		data, err := ep.ReadAvailable()
		if err != nil {
			if errors.Is(err, module.ErrPeerClosed) || errors.Is(err, module.ErrClosed) || errors.Is(err, module.ErrNotConnected) {
				b.closedPeers[name] = true
				b.logger.Warn("module socket closed, no longer polling", "module", name, "error", err)
				continue
			}
			b.logger.Error("reading module socket failed", "module", name, "error", err)
			continue
		}

		readable++
		if len(data) > 0 {
			b.route(name, data)
		}
	}

	b.mu.Lock()
	b.stats.Cycles++
	b.mu.Unlock()
	return readable
}

// route validates one drained buffer and forwards it.
func (b *Broker) route(source string, raw []byte) {
	frame, err := ParseFrame(raw)
	if errors.Is(err, errEmptyFrame) {
		return
	}
	if err != nil {
		b.logger.Error("dropping callback frame",
			"source", source,
			"error", err,
		)
		b.count(func(s *Stats) { s.Malformed++; s.Dropped++ })
		b.publishDropped(source, Frame{Payload: string(raw)}, err)
		return
	}

	if err := b.forward(frame); err != nil {
		b.logger.Error("dropping callback frame",
			"source", source,
			"target", frame.Target,
			"command", frame.Command,
			"error", err,
		)
		b.count(func(s *Stats) { s.Dropped++ })
		b.publishDropped(source, frame, err)
		return
	}

	b.logger.Debug("callback frame routed",
		"source", source,
		"target", frame.Target,
		"command", frame.Command,
	)
	b.count(func(s *Stats) { s.Routed++ })

	e := events.New(events.KindFrameRouted)
	e.Source = source
	e.Target = frame.Target
	e.Command = frame.Command
	e.Payload = frame.Payload
	b.events.Publish(e)
}

func (b *Broker) forward(frame Frame) error {
	target, ok := b.dir.Lookup(frame.Target)
	if !ok {
		return fmt.Errorf("%w: %q", module.ErrUnknownModule, frame.Target)
	}
	if !target.Supports(frame.Command) {
		return fmt.Errorf("%w: %s does not support %q", module.ErrUnsupportedCommand, frame.Target, frame.Command)
	}

	payload, err := b.transforms.For(frame.Target).Apply(frame.Payload)
	if err != nil {
		if !errors.Is(err, ErrTransformFailed) {
			err = fmt.Errorf("%w: %w", ErrTransformFailed, err)
		}
		return err
	}

	return target.Send(frame.Command, payload)
}

func (b *Broker) publishDropped(source string, frame Frame, reason error) {
	e := events.New(events.KindFrameDropped)
	e.Source = source
	e.Target = frame.Target
	e.Command = frame.Command
	e.Payload = frame.Payload
	e.Reason = reason.Error()
	b.events.Publish(e)
}

func (b *Broker) count(f func(s *Stats)) {
	b.mu.Lock()
	f(&b.stats)
	b.mu.Unlock()
}

// Stats returns current broker counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}
