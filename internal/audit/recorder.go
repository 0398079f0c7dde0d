package audit

import (
	"context"
	"time"

	"github.com/nerrad567/controlroom/internal/events"
)

// writeTimeout bounds one command log insert.
const writeTimeout = 2 * time.Second

// Logger defines the logging interface for the recorder.
type Logger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// Recorder is an events.Observer that writes every event to the command log.
type Recorder struct {
	repo   Repository
	logger Logger
}

// NewRecorder creates a recorder for repo.
func NewRecorder(repo Repository, logger Logger) *Recorder {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Recorder{repo: repo, logger: logger}
}

// Observe stores e. Failures are logged and the event is lost.
func (r *Recorder) Observe(e events.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	entry := FromEvent(e)
	if err := r.repo.Create(ctx, &entry); err != nil {
		r.logger.Warn("command log write failed", "event_id", e.ID, "error", err)
	}
}

// FromEvent converts an event to a command log entry.
func FromEvent(e events.Event) Entry {
	return Entry{
		ID:        e.ID,
		Kind:      string(e.Kind),
		Source:    e.Source,
		Target:    e.Target,
		Command:   e.Command,
		Payload:   e.Payload,
		Reason:    e.Reason,
		CreatedAt: e.Time,
	}
}
