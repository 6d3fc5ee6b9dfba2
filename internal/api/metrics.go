package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the body of GET /api/v1/metrics.
type SystemMetrics struct {
	Timestamp     string           `json:"timestamp"`
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Runtime       RuntimeMetrics   `json:"runtime"`
	WebSocket     WSMetrics        `json:"websocket"`
	Discovery     DiscoveryMetrics `json:"discovery"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains websocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// DiscoveryMetrics summarises the device registry.
type DiscoveryMetrics struct {
	Role     string         `json:"role,omitempty"`
	Devices  int            `json:"devices"`
	BySource map[string]int `json:"by_source"`
	Selected string         `json:"selected,omitempty"`
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	devices := s.registry.Devices()
	m := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(mem.Alloc) / 1024 / 1024,
			NumGC:         mem.NumGC,
		},
		WebSocket: WSMetrics{ConnectedClients: s.hub.ClientCount()},
		Discovery: DiscoveryMetrics{
			Devices:  len(devices),
			BySource: make(map[string]int),
		},
	}
	for _, d := range devices {
		m.Discovery.BySource[string(d.Source)]++
	}
	if s.discovery != nil {
		m.Discovery.Role = s.discovery.Role().String()
	}
	if s.devices != nil {
		if cur, ok := s.devices.Current(); ok {
			m.Discovery.Selected = cur.UUID
		}
	}
	writeJSON(w, http.StatusOK, m)
}
