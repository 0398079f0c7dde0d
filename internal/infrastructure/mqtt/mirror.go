package mqtt

import (
	"encoding/json"
	"errors"
	"sync/atomic"

	"github.com/nerrad567/controlroom/internal/events"
)

// Publisher is the publishing half of a Client.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// Mirror is an events.Observer that republishes every event as JSON on
// its kind's event topic.
type Mirror struct {
	pub    Publisher
	topics Topics
	qos    byte
	logger Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewMirror creates a mirror publishing through pub.
func NewMirror(pub Publisher, topics Topics, qos byte, logger Logger) *Mirror {
	return &Mirror{pub: pub, topics: topics, qos: qos, logger: logger}
}

// Observe publishes e. While the broker is unreachable events are counted
// as failed and not logged individually.
func (m *Mirror) Observe(e events.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		m.failed.Add(1)
		return
	}

	if err := m.pub.Publish(m.topics.Event(string(e.Kind)), data, m.qos, false); err != nil {
		m.failed.Add(1)
		if !errors.Is(err, ErrNotConnected) && m.logger != nil {
			m.logger.Warn("mqtt event mirror publish failed", "kind", e.Kind, "error", err)
		}
		return
	}
	m.published.Add(1)
}

// Published returns the number of events mirrored.
func (m *Mirror) Published() uint64 { return m.published.Load() }

// Failed returns the number of events that could not be mirrored.
func (m *Mirror) Failed() uint64 { return m.failed.Load() }
