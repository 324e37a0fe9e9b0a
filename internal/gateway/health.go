package gateway

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// healthProbeTimeout bounds the bus and store probes so a wedged
// dependency cannot stall the health endpoint.
const healthProbeTimeout = 2 * time.Second

// HealthStatus is the GET /api/health response body.
type HealthStatus struct {
	Status         string        `json:"status"`
	Timestamp      time.Time     `json:"timestamp"`
	UptimeSeconds  float64       `json:"uptime_seconds"`
	Services       ServiceHealth `json:"services"`
	ResponseTimeMS float64       `json:"response_time_ms"`
}

// ServiceHealth reports per-dependency state.
type ServiceHealth struct {
	Bus       DependencyHealth `json:"bus"`
	LogStore  DependencyHealth `json:"log_store"`
	WebSocket SocketHealth     `json:"websocket"`
}

// DependencyHealth reports one dependency's reachability. LatencyMS is
// -1 when the dependency is unreachable.
type DependencyHealth struct {
	Connected bool    `json:"connected"`
	LatencyMS float64 `json:"latency_ms"`
}

// SocketHealth reports the WebSocket fan-out state.
type SocketHealth struct {
	Connections int `json:"connections"`
}

// handleHealth probes the bus and the log store and reports 200 when
// both are reachable, 503 otherwise.
func (s *Service) handleHealth(c *gin.Context) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	busHealth := DependencyHealth{Connected: true, LatencyMS: -1}
	if latency, err := s.bus.LatencyProbe(ctx); err != nil {
		busHealth.Connected = false
	} else {
		busHealth.LatencyMS = float64(latency.Microseconds()) / 1000.0
	}

	storeHealth := DependencyHealth{Connected: true, LatencyMS: -1}
	storeStart := time.Now()
	if err := s.store.Ping(ctx); err != nil {
		storeHealth.Connected = false
	} else {
		storeHealth.LatencyMS = float64(time.Since(storeStart).Microseconds()) / 1000.0
	}

	status := "healthy"
	code := http.StatusOK
	if !busHealth.Connected || !storeHealth.Connected {
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, HealthStatus{
		Status:        status,
		Timestamp:     time.Now().UTC(),
		UptimeSeconds: time.Since(s.started).Seconds(),
		Services: ServiceHealth{
			Bus:       busHealth,
			LogStore:  storeHealth,
			WebSocket: SocketHealth{Connections: s.hub.ClientCount()},
		},
		ResponseTimeMS: float64(time.Since(start).Microseconds()) / 1000.0,
	})
}
