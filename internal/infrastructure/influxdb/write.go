package influxdb

import (
	"time"

	"github.com/nerrad567/controlroom/internal/events"
)

// MeasurementBrokerFrames holds one point per broker event.
const MeasurementBrokerFrames = "broker_frames"

// PointWriter queues a point. *Client satisfies it.
type PointWriter interface {
	WritePoint(measurement string, tags map[string]string, fields map[string]any, ts time.Time)
}

// Recorder is an events.Observer that writes broker_frames points.
type Recorder struct {
	w PointWriter
}

// NewRecorder creates a recorder writing through w.
func NewRecorder(w PointWriter) *Recorder {
	return &Recorder{w: w}
}

// Observe writes e as a point.
func (r *Recorder) Observe(e events.Event) {
	ts := e.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	r.w.WritePoint(MeasurementBrokerFrames, frameTags(e), map[string]any{
		"count":         1,
		"payload_bytes": len(e.Payload),
	}, ts)
}

// frameTags keeps tag cardinality to module names, commands and outcome.
func frameTags(e events.Event) map[string]string {
	tags := map[string]string{
		"outcome": outcome(e.Kind),
	}
	for k, v := range map[string]string{
		"source":  e.Source,
		"target":  e.Target,
		"command": e.Command,
	} {
		if v != "" {
			tags[k] = v
		}
	}
	return tags
}

func outcome(k events.Kind) string {
	switch k {
	case events.KindFrameRouted:
		return "routed"
	case events.KindFrameDropped:
		return "dropped"
	case events.KindCommandSent:
		return "sent"
	default:
		return string(k)
	}
}
