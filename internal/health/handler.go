package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avapool/internal/observability"
)

// DefaultReadinessProbeTimeout bounds one readiness evaluation.
const DefaultReadinessProbeTimeout = 5 * time.Second

// Check statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusError    = "error"
)

// HealthCheck defines the interface for health checks.
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

type criticalityReporter interface {
	IsCritical() bool
}

// Handler handles health check requests.
type Handler struct {
	checks    []HealthCheck
	logger    observability.Logger
	metrics   *Metrics
	mu        sync.RWMutex
	startTime time.Time
	timeout   time.Duration
	version   string
}

// HealthStatus represents the overall readiness status.
type HealthStatus struct {
	Status    string                  `json:"status"`
	Version   string                  `json:"version,omitempty"`
	Timestamp time.Time               `json:"timestamp"`
	Uptime    string                  `json:"uptime,omitempty"`
	Checks    map[string]*CheckResult `json:"checks,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Duration string `json:"duration,omitempty"`
	Critical bool   `json:"critical"`
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics sets the health metrics.
func WithMetrics(m *Metrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithTimeout bounds one readiness evaluation.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithVersion sets the version reported by readiness responses.
func WithVersion(version string) Option {
	return func(h *Handler) {
		h.version = version
	}
}

// NewHandler creates a new health handler.
func NewHandler(opts ...Option) *Handler {
	h := &Handler{
		logger:    observability.NopLogger(),
		startTime: time.Now(),
		timeout:   DefaultReadinessProbeTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.metrics == nil {
		h.metrics = NewMetrics(nil)
	}
	return h
}

// AddCheck registers a readiness check.
func (h *Handler) AddCheck(check HealthCheck) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, check)
}

// RemoveCheck removes a readiness check by name.
func (h *Handler) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, check := range h.checks {
		if check.Name() == name {
			h.checks = append(h.checks[:i], h.checks[i+1:]...)
			return
		}
	}
}

// LivenessHandler returns a handler for liveness probes.
func (h *Handler) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.metrics.recordCheck("liveness")
		c.JSON(http.StatusOK, gin.H{
			"status":    StatusOK,
			"timestamp": time.Now().UTC(),
		})
	}
}

// ReadinessHandler returns a handler for readiness probes.
func (h *Handler) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		h.metrics.recordCheck("readiness")

		ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
		defer cancel()

		status := h.RunChecks(ctx)

		statusCode := http.StatusOK
		if status.Status == StatusError {
			statusCode = http.StatusServiceUnavailable
		}
		c.JSON(statusCode, status)
	}
}

// RunChecks runs all checks concurrently and aggregates the result.
func (h *Handler) RunChecks(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checks := make([]HealthCheck, len(h.checks))
	copy(checks, h.checks)
	h.mu.RUnlock()

	status := &HealthStatus{
		Status:    StatusOK,
		Version:   h.version,
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Checks:    make(map[string]*CheckResult, len(checks)),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex

	for _, check := range checks {
		wg.Add(1)
		go func(c HealthCheck) {
			defer wg.Done()

			critical := true
			if cr, ok := c.(criticalityReporter); ok {
				critical = cr.IsCritical()
			}

			start := time.Now()
			err := c.Check(ctx)
			duration := time.Since(start)

			result := &CheckResult{
				Status:   StatusOK,
				Duration: duration.String(),
				Critical: critical,
			}
			h.metrics.setStatus(c.Name(), err == nil)

			mu.Lock()
			defer mu.Unlock()

			if err != nil {
				result.Status = StatusError
				result.Error = err.Error()

				switch {
				case critical:
					status.Status = StatusError
				case status.Status == StatusOK:
					status.Status = StatusDegraded
				}

				h.logger.Warn("health check failed",
					observability.String("check", c.Name()),
					observability.Bool("critical", critical),
					observability.Error(err),
					observability.Duration("duration", duration),
				)
			}
			status.Checks[c.Name()] = result
		}(check)
	}

	wg.Wait()
	return status
}

// RegisterRoutes registers health check routes on a Gin router.
func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/healthz", h.LivenessHandler())
	r.GET("/livez", h.LivenessHandler())
	r.GET("/readyz", h.ReadinessHandler())
}
