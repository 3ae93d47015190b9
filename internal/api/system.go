package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	WebSocket     WSMetrics      `json:"websocket"`
	Devices       DeviceMetrics  `json:"devices"`
	Engine        EngineMetrics  `json:"engine"`
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
	ConnectedClients int `json:"connected_clients"`
}

// DeviceMetrics contains instrument registry statistics.
type DeviceMetrics struct {
	Total   int            `json:"total"`
	ByLabel map[string]int `json:"by_label"`
}

// EngineMetrics reports the scan engine's current state.
type EngineMetrics struct {
	State      string `json:"state"`
	CurrentRun string `json:"current_run,omitempty"`
	NumEvents  int    `json:"num_events"`
}

// handleMetrics returns comprehensive system metrics.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
	}

	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
	}

	// Instrument registry stats
	all := s.registry.All()
	metrics.Devices = DeviceMetrics{
		Total:   len(all),
		ByLabel: make(map[string]int),
	}
	for _, label := range s.registry.Labels() {
		metrics.Devices.ByLabel[label] = len(s.registry.FindLabel(label))
	}

	// Scan engine state
	status := s.engine.Status()
	metrics.Engine = EngineMetrics{
		State:      string(status.State),
		CurrentRun: status.UID,
		NumEvents:  status.NumEvents,
	}

	writeJSON(w, http.StatusOK, metrics)
}

// handleSystemInfo returns static deployment information: beamline
// identity, version, uptime, and the instrument inventory summary.
func (s *Server) handleSystemInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"beamline":       s.beamline,
		"version":        s.version,
		"started_at":     s.startedAt.UTC().Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(s.startedAt).Seconds()),
		"devices":        len(s.registry.All()),
		"labels":         s.registry.Labels(),
	})
}
