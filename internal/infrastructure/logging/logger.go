package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.uber.org/multierr"

	"github.com/nerrad567/controlroom/internal/infrastructure/config"
)

// serviceName is the value of the service field on every record.
const serviceName = "controlroom"

// Logger is an slog.Logger that may also own a sink connection.
// It is safe for concurrent use.
type Logger struct {
	*slog.Logger

	sink *SinkWriter
}

// New builds a Logger from the logging section of config.yaml.
// version is attached to every record.
func New(cfg config.LoggingConfig, version string) *Logger {
	var output io.Writer
	switch strings.ToLower(cfg.Output) {
	case "stderr":
		output = os.Stderr
	default:
		output = os.Stdout
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewJSONHandler(output, opts)
	}

	var sink *SinkWriter
	if cfg.Sink.Enabled && cfg.Sink.Address != "" {
		sink = NewSinkWriter(cfg.Sink.Address)
		// The sink always receives JSON so it can validate records.
		handler = fanout{handler, slog.NewJSONHandler(sink, opts)}
	}

	handler = handler.WithAttrs([]slog.Attr{
		slog.String("service", serviceName),
		slog.String("version", version),
	})

	return &Logger{
		Logger: slog.New(handler),
		sink:   sink,
	}
}

// parseLevel maps a config level name to slog, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// With returns a child logger sharing the parent's sink.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{
		Logger: l.Logger.With(args...),
		sink:   l.sink,
	}
}

// Close reports the sink delivery counts and releases the sink
// connection, if any. Records logged after Close still reach stdout.
func (l *Logger) Close() error {
	if l.sink == nil {
		return nil
	}
	l.Info("closing log sink connection",
		"forwarded", l.sink.Forwarded(),
		"dropped", l.sink.Dropped(),
	)
	return l.sink.Close()
}

// Default is the JSON info logger used until the config is loaded.
func Default() *Logger {
	return New(config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}, "dev")
}

// fanout sends each record to every handler that accepts its level.
type fanout []slog.Handler

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, h := range f {
		if h.Enabled(ctx, r.Level) {
			err = multierr.Append(err, h.Handle(ctx, r.Clone()))
		}
	}
	return err
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithAttrs(attrs)
	}
	return out
}

func (f fanout) WithGroup(name string) slog.Handler {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = h.WithGroup(name)
	}
	return out
}
