// Package events fans broker activity out to observers.
//
// The broker and the control surface publish an Event for every frame they
// route, drop or issue. A Dispatcher queues events and hands them to its
// observers on a small worker pool, so publishing never blocks the broker
// loop. When the queue is full the event is dropped and counted.
package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind names what happened to a frame.
type Kind string

const (
	// KindFrameRouted is a callback frame forwarded to its target.
	KindFrameRouted Kind = "frame.routed"

	// KindFrameDropped is a callback frame rejected by the broker.
	KindFrameDropped Kind = "frame.dropped"

	// KindCommandSent is a command issued through the control surface.
	KindCommandSent Kind = "command.sent"
)

// Event describes one frame outcome.
type Event struct {
	ID      string    `json:"id"`
	Time    time.Time `json:"time"`
	Kind    Kind      `json:"kind"`
	Source  string    `json:"source,omitempty"`
	Target  string    `json:"target,omitempty"`
	Command string    `json:"command,omitempty"`
	Payload string    `json:"payload,omitempty"`

	// Reason is set for dropped frames and failed commands.
	Reason string `json:"reason,omitempty"`
}

// New creates an event with a fresh ID and the current time.
func New(kind Kind) Event {
	return Event{
		ID:   uuid.NewString(),
		Time: time.Now().UTC(),
		Kind: kind,
	}
}

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(e Event)
}

// Observer receives dispatched events.
type Observer interface {
	Observe(e Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(e Event)

// Observe calls f(e).
func (f ObserverFunc) Observe(e Event) { f(e) }

// Discard is a Publisher that drops every event.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
