package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for health checks.
type Metrics struct {
	checksTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

// NewMetrics creates health metrics registered with registerer. A nil
// registerer leaves them unregistered.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "avapool",
				Subsystem: "health",
				Name:      "checks_total",
				Help: "Total number of " +
					"health checks performed",
			},
			[]string{"type"},
		),
		checkStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "avapool",
				Subsystem: "health",
				Name:      "check_status",
				Help: "Current health check " +
					"status (1=healthy, 0=unhealthy)",
			},
			[]string{"check"},
		),
	}
	if registerer != nil {
		registerer.MustRegister(m.checksTotal, m.checkStatus)
	}
	m.Init()
	return m
}

// Init pre-populates the probe types so the series exist from startup.
func (m *Metrics) Init() {
	for _, checkType := range []string{"liveness", "readiness"} {
		m.checksTotal.WithLabelValues(checkType)
	}
}

func (m *Metrics) recordCheck(checkType string) {
	m.checksTotal.WithLabelValues(checkType).Inc()
}

func (m *Metrics) setStatus(check string, healthy bool) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.checkStatus.WithLabelValues(check).Set(value)
}
