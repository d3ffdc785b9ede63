package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakePool struct {
	started  bool
	eligible int
}

func (p *fakePool) Started() bool      { return p.started }
func (p *fakePool) EligibleCount() int { return p.eligible }

func serve(t *testing.T, h *Handler, path string) (*httptest.ResponseRecorder, HealthStatus) {
	t.Helper()

	router := gin.New()
	h.RegisterRoutes(router)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestLiveness(t *testing.T) {
	t.Parallel()

	h := NewHandler()
	h.AddCheck(PoolCheck(&fakePool{}))

	rec, body := serve(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusOK, body.Status)
}

func TestReadiness(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		pool       *fakePool
		pingErr    error
		wantCode   int
		wantStatus string
	}{
		{
			name:       "ready",
			pool:       &fakePool{started: true, eligible: 2},
			wantCode:   http.StatusOK,
			wantStatus: StatusOK,
		},
		{
			name:       "not initialized",
			pool:       &fakePool{eligible: 2},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusError,
		},
		{
			name:       "no eligible server",
			pool:       &fakePool{started: true},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusError,
		},
		{
			name:       "source down is degraded",
			pool:       &fakePool{started: true, eligible: 1},
			pingErr:    errors.New("connection refused"),
			wantCode:   http.StatusOK,
			wantStatus: StatusDegraded,
		},
		{
			name:       "critical failure wins over degraded",
			pool:       &fakePool{started: true},
			pingErr:    errors.New("connection refused"),
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: StatusError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			h := NewHandler(WithVersion("test"))
			h.AddCheck(PoolCheck(tt.pool))
			h.AddCheck(PingCheck("redis", func(context.Context) error { return tt.pingErr }))

			rec, body := serve(t, h, "/readyz")
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, tt.wantStatus, body.Status)
			assert.Equal(t, "test", body.Version)
			require.Contains(t, body.Checks, "pool")
			require.Contains(t, body.Checks, "redis")
			assert.True(t, body.Checks["pool"].Critical)
			assert.False(t, body.Checks["redis"].Critical)
		})
	}
}

func TestRemoveCheck(t *testing.T) {
	t.Parallel()

	h := NewHandler()
	h.AddCheck(PoolCheck(&fakePool{}))
	h.RemoveCheck("pool")

	status := h.RunChecks(context.Background())
	assert.Equal(t, StatusOK, status.Status)
	assert.Empty(t, status.Checks)
}

func TestMetrics(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	h := NewHandler(WithMetrics(m))
	h.AddCheck(PoolCheck(&fakePool{started: true, eligible: 1}))

	serve(t, h, "/readyz")
	serve(t, h, "/healthz")
	serve(t, h, "/healthz")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.checksTotal.WithLabelValues("readiness")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.checksTotal.WithLabelValues("liveness")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.checkStatus.WithLabelValues("pool")))
}
