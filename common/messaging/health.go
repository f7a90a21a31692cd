package messaging

import (
	"context"
	"time"
)

// HealthChecker can check the health of a messaging connection.
type HealthChecker interface {
	// CheckHealth returns nil if the connection is healthy, error otherwise.
	CheckHealth(ctx context.Context) error
}

// HealthStatus represents the health state of a messaging connection.
type HealthStatus struct {
	// Connected indicates if the transport is connected.
	Connected bool `json:"connected"`

	// Latency is the time taken by the health probe.
	Latency time.Duration `json:"latency_ms"`

	// Error contains any error message if unhealthy.
	Error string `json:"error,omitempty"`
}

// CheckHealth reports the health of a transport. Transports that implement
// HealthChecker are probed; others are judged by IsConnected alone.
func CheckHealth(ctx context.Context, t Transport) HealthStatus {
	status := HealthStatus{}

	if t == nil {
		status.Error = "transport is nil"
		return status
	}

	status.Connected = t.IsConnected()
	if !status.Connected {
		status.Error = ErrNotConnected.Error()
		return status
	}

	if hc, ok := t.(HealthChecker); ok {
		start := time.Now()
		err := hc.CheckHealth(ctx)
		status.Latency = time.Since(start)
		if err != nil {
			status.Error = "health check failed: " + err.Error()
		}
	}

	return status
}
