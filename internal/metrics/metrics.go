package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vyrodovalexey/avapool/internal/circuitbreaker"
	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/pool"
	"github.com/vyrodovalexey/avapool/internal/util"
)

const namespace = "avapool"

// Probe result label values.
const (
	resultSuccess = "success"
	resultFailure = "failure"
	resultTimeout = "timeout"
)

var healthStatuses = []pool.HealthStatus{pool.StatusHealthy, pool.StatusDegraded, pool.StatusUnhealthy}

// Metrics holds all Prometheus metrics for the pool daemon.
type Metrics struct {
	serverStatus        *prometheus.GaugeVec
	circuitState        *prometheus.GaugeVec
	connections         *prometheus.GaugeVec
	probeDuration       *prometheus.HistogramVec
	probesTotal         *prometheus.CounterVec
	selectionsTotal     *prometheus.CounterVec
	capacityRejections  *prometheus.CounterVec
	notificationDrops   *prometheus.CounterVec
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	buildInfo           *prometheus.GaugeVec
	startTime           prometheus.Gauge
	registry            *prometheus.Registry
}

var _ pool.Recorder = (*Metrics)(nil)

// New creates a Metrics instance with its own registry. Go runtime and
// process collectors are registered alongside the pool collectors.
//
//nolint:funlen // many metrics require many statements
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.serverStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "health_status",
			Help: "Server health status, 1 for the " +
				"current status and 0 otherwise",
		},
		[]string{"server", "status"},
	)

	m.circuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "circuit_breaker_state",
			Help: "Circuit breaker state " +
				"(0=closed, 1=open, 2=half-open)",
		},
		[]string{"server"},
	)

	m.connections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Connection slots currently held",
		},
		[]string{"server"},
	)

	m.probeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "duration_seconds",
			Help:      "Health probe duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5,
			},
		},
		[]string{"server"},
	)

	m.probesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "total",
			Help:      "Total number of health probes by result",
		},
		[]string{"server", "result"},
	)

	m.selectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "balancer",
			Name:      "selections_total",
			Help: "Total number of server selections " +
				"by strategy and outcome",
		},
		[]string{"strategy", "outcome"},
	)

	m.capacityRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "capacity_rejections_total",
			Help: "Total number of acquisitions rejected " +
				"at the connection limit",
		},
		[]string{"server"},
	)

	m.notificationDrops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "dropped_total",
			Help: "Total number of notifications dropped " +
				"because a subscriber queue was full",
		},
		[]string{"type"},
	)

	m.httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total number of admin API requests",
		},
		[]string{"method", "route", "status"},
	)

	m.httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds",
			Buckets: []float64{
				.001, .005, .01, .025, .05,
				.1, .25, .5, 1, 2.5, 5, 10,
			},
		},
		[]string{"method", "route", "status"},
	)

	m.buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build information for the pool daemon",
		},
		[]string{"version", "commit", "build_time"},
	)

	m.startTime = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "start_time_seconds",
			Help:      "Start time of the pool daemon in unix seconds",
		},
	)

	m.registry.MustRegister(
		m.serverStatus,
		m.circuitState,
		m.connections,
		m.probeDuration,
		m.probesTotal,
		m.selectionsTotal,
		m.capacityRejections,
		m.notificationDrops,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.buildInfo,
		m.startTime,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m.startTime.SetToCurrentTime()

	return m
}

// ServerStatus implements pool.Recorder.
func (m *Metrics) ServerStatus(serverID string, status pool.HealthStatus) {
	for _, s := range healthStatuses {
		value := 0.0
		if s == status {
			value = 1.0
		}
		m.serverStatus.WithLabelValues(serverID, string(s)).Set(value)
	}
}

// CircuitState implements pool.Recorder.
func (m *Metrics) CircuitState(serverID string, state circuitbreaker.State) {
	m.circuitState.WithLabelValues(serverID).Set(float64(state))
}

// Connections implements pool.Recorder.
func (m *Metrics) Connections(serverID string, current int) {
	m.connections.WithLabelValues(serverID).Set(float64(current))
}

// ProbeResult implements pool.Recorder.
func (m *Metrics) ProbeResult(serverID string, latency time.Duration, err error) {
	result := resultSuccess
	switch {
	case errors.Is(err, util.ErrProbeTimeout):
		result = resultTimeout
	case err != nil:
		result = resultFailure
	}
	m.probesTotal.WithLabelValues(serverID, result).Inc()
	m.probeDuration.WithLabelValues(serverID).Observe(latency.Seconds())
}

// Selection implements pool.Recorder.
func (m *Metrics) Selection(strategy config.Strategy, selected bool) {
	outcome := "selected"
	if !selected {
		outcome = "none_available"
	}
	m.selectionsTotal.WithLabelValues(string(strategy), outcome).Inc()
}

// CapacityRejected implements pool.Recorder.
func (m *Metrics) CapacityRejected(serverID string) {
	m.capacityRejections.WithLabelValues(serverID).Inc()
}

// NotificationDropped implements pool.Recorder.
func (m *Metrics) NotificationDropped(typ pool.NotificationType) {
	m.notificationDrops.WithLabelValues(string(typ)).Inc()
}

// ServerRemoved implements pool.Recorder. Per-server series are deleted
// so removed servers stop being exported.
func (m *Metrics) ServerRemoved(serverID string) {
	labels := prometheus.Labels{"server": serverID}
	m.serverStatus.DeletePartialMatch(labels)
	m.circuitState.DeletePartialMatch(labels)
	m.connections.DeletePartialMatch(labels)
	m.probeDuration.DeletePartialMatch(labels)
	m.probesTotal.DeletePartialMatch(labels)
	m.capacityRejections.DeletePartialMatch(labels)
}

// RecordRequest records a completed admin API request. route is the
// matched route pattern, not the raw path.
func (m *Metrics) RecordRequest(method, route string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, route, statusStr).Inc()
	m.httpRequestDuration.WithLabelValues(method, route, statusStr).Observe(duration.Seconds())
}

// SetBuildInfo sets the build information metric.
func (m *Metrics) SetBuildInfo(version, commit, buildTime string) {
	m.buildInfo.WithLabelValues(version, commit, buildTime).Set(1)
}

// Registerer returns the registry for collectors owned by other
// packages, such as audit metrics.
func (m *Metrics) Registerer() prometheus.Registerer {
	return m.registry
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(
		m.registry,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	)
}
