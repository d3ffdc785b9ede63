package pool

import (
	"time"

	"github.com/vyrodovalexey/avapool/internal/circuitbreaker"
	"github.com/vyrodovalexey/avapool/internal/config"
)

// Recorder receives pool measurements. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	ServerStatus(serverID string, status HealthStatus)
	CircuitState(serverID string, state circuitbreaker.State)
	Connections(serverID string, current int)
	ProbeResult(serverID string, latency time.Duration, err error)
	Selection(strategy config.Strategy, selected bool)
	CapacityRejected(serverID string)
	NotificationDropped(typ NotificationType)
	ServerRemoved(serverID string)
}

type nopRecorder struct{}

func (nopRecorder) ServerStatus(string, HealthStatus) {}
func (nopRecorder) CircuitState(string, circuitbreaker.State) {}
func (nopRecorder) Connections(string, int) {}
func (nopRecorder) ProbeResult(string, time.Duration, error) {}
func (nopRecorder) Selection(config.Strategy, bool) {}
func (nopRecorder) CapacityRejected(string) {}
func (nopRecorder) NotificationDropped(NotificationType) {}
func (nopRecorder) ServerRemoved(string) {}
