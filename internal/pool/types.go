package pool

import (
	"context"
	"time"

	"github.com/vyrodovalexey/avapool/internal/circuitbreaker"
	"github.com/vyrodovalexey/avapool/internal/config"
)

// HealthStatus is the probe-derived health of a server.
type HealthStatus string

// Health states.
const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// EventKind classifies an entry in a server's recent-events buffer.
type EventKind string

// Recent event kinds.
const (
	EventProbeSucceeded   EventKind = "probe_succeeded"
	EventProbeFailed      EventKind = "probe_failed"
	EventRequestSucceeded EventKind = "request_succeeded"
	EventRequestFailed    EventKind = "request_failed"
	EventStatusChanged    EventKind = "status_changed"
	EventCircuitChanged   EventKind = "circuit_changed"
	EventActivated        EventKind = "activated"
	EventDeactivated      EventKind = "deactivated"
	EventWeightChanged    EventKind = "weight_changed"
	EventUpdated          EventKind = "updated"
	EventCapacityReached  EventKind = "capacity_reached"
	EventRecoveryAttempt  EventKind = "recovery_attempted"
)

// ServerEvent is one entry of a server's recent history.
type ServerEvent struct {
	Time      time.Time `json:"timestamp"`
	Kind      EventKind `json:"type"`
	Message   string    `json:"message,omitempty"`
	LatencyMs float64   `json:"latencyMs,omitempty"`
}

// ServerSnapshot is a consistent, read-only copy of one pool entry.
type ServerSnapshot struct {
	ID                   string               `json:"id"`
	Name                 string               `json:"name"`
	Address              string               `json:"address"`
	Weight               int                  `json:"weight"`
	IsActive             bool                 `json:"isActive"`
	MaxConnections       int                  `json:"maxConnections"`
	CurrentConnections   int                  `json:"currentConnections"`
	HealthStatus         HealthStatus         `json:"healthStatus"`
	LastHealthCheckAt    *time.Time           `json:"lastHealthCheckAt,omitempty"`
	ConsecutiveFailures  int                  `json:"consecutiveFailures"`
	ConsecutiveSuccesses int                  `json:"consecutiveSuccesses"`
	TotalRequests        int64                `json:"totalRequests"`
	SuccessfulRequests   int64                `json:"successfulRequests"`
	FailedRequests       int64                `json:"failedRequests"`
	AverageLatencyMs     float64              `json:"averageLatencyMs"`
	LastError            string               `json:"lastError,omitempty"`
	CircuitState         circuitbreaker.State `json:"circuitState"`
	RecentEvents         []ServerEvent        `json:"recentEvents"`
	CreatedAt            time.Time            `json:"createdAt"`
}

// Stats aggregates the pool.
type Stats struct {
	TotalServers           int             `json:"totalServers"`
	ActiveServers          int             `json:"activeServers"`
	HealthyServers         int             `json:"healthyServers"`
	DegradedServers        int             `json:"degradedServers"`
	UnhealthyServers       int             `json:"unhealthyServers"`
	OpenCircuits           int             `json:"openCircuits"`
	TotalConnections       int             `json:"totalConnections"`
	WeightedAverageLatency float64         `json:"weightedAverageLatency"`
	ActiveStrategy         config.Strategy `json:"activeStrategy"`
}

// ServerUpdate is a partial update of a server's definition. Nil fields
// are left unchanged.
type ServerUpdate struct {
	Name           *string
	Address        *string
	Weight         *int
	MaxConnections *int
	IsActive       *bool
}

// Probe checks the liveness of one server address. It returns the
// observed latency, or an error if the server is not healthy. It must
// honour ctx cancellation.
type Probe interface {
	Probe(ctx context.Context, address string, timeout time.Duration) (time.Duration, error)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context, address string, timeout time.Duration) (time.Duration, error)

// Probe implements Probe.
func (f ProbeFunc) Probe(ctx context.Context, address string, timeout time.Duration) (time.Duration, error) {
	return f(ctx, address, timeout)
}

// ServerSource lists server definitions from an external store.
type ServerSource interface {
	ListServers(ctx context.Context) ([]config.ServerSpec, error)
}
