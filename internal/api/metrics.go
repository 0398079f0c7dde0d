package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/controlroom/internal/broker"
	"github.com/nerrad567/controlroom/internal/events"
	"github.com/nerrad567/controlroom/internal/process"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Modules       ModuleMetrics  `json:"modules"`
	Broker        *broker.Stats  `json:"broker,omitempty"`
	Events        *events.Stats  `json:"events,omitempty"`
	LogSink       *process.Stats `json:"log_sink,omitempty"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int    `json:"connected_clients"`
	DroppedEvents    uint64 `json:"dropped_events"`
}

// ModuleMetrics counts registered and connected modules.
type ModuleMetrics struct {
	Total     int `json:"total"`
	Connected int `json:"connected"`
}

// handleMetrics returns runtime, module and routing counters.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
			DroppedEvents:    s.hub.Dropped(),
		},
	}

	for _, c := range s.registry.Connections() {
		metrics.Modules.Total++
		if c.Connected() {
			metrics.Modules.Connected++
		}
	}

	if s.brokerStats != nil {
		if st, ok := s.brokerStats(); ok {
			metrics.Broker = &st
		}
	}
	if s.dispStats != nil {
		st := s.dispStats()
		metrics.Events = &st
	}
	if s.sinkStats != nil {
		st := s.sinkStats()
		metrics.LogSink = &st
	}

	writeJSON(w, http.StatusOK, metrics)
}
