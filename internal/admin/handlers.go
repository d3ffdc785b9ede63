package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/pool"
	"github.com/vyrodovalexey/avapool/internal/util"
)

type handlers struct {
	pool Pool
}

// configView is PoolSettings with durations as integer milliseconds.
type configView struct {
	Strategy              config.Strategy `json:"strategy"`
	HealthCheckIntervalMs int64           `json:"healthCheckIntervalMs"`
	HealthCheckTimeoutMs  int64           `json:"healthCheckTimeoutMs"`
	FailureThreshold      int             `json:"failureThreshold"`
	RecoveryThreshold     int             `json:"recoveryThreshold"`
	DefaultMaxConnections int             `json:"defaultMaxConnections"`
	RetryBackoffMs        int64           `json:"retryBackoffMs"`
	MaxRetries            int             `json:"maxRetries"`
	CircuitResetTimeoutMs int64           `json:"circuitResetTimeoutMs"`
	MaxConcurrentProbes   int             `json:"maxConcurrentProbes"`
	HashReplicas          int             `json:"hashReplicas"`
}

func newConfigView(p config.PoolSettings) configView {
	return configView{
		Strategy:              p.Strategy,
		HealthCheckIntervalMs: p.HealthCheckInterval.Milliseconds(),
		HealthCheckTimeoutMs:  p.HealthCheckTimeout.Milliseconds(),
		FailureThreshold:      p.FailureThreshold,
		RecoveryThreshold:     p.RecoveryThreshold,
		DefaultMaxConnections: p.DefaultMaxConnections,
		RetryBackoffMs:        p.RetryBackoff.Milliseconds(),
		MaxRetries:            p.MaxRetries,
		CircuitResetTimeoutMs: p.EffectiveResetTimeout().Milliseconds(),
		MaxConcurrentProbes:   p.MaxConcurrentProbes,
		HashReplicas:          p.EffectiveHashReplicas(),
	}
}

// configRequest is a partial PoolSettings update.
type configRequest struct {
	Strategy              *string `json:"strategy"`
	HealthCheckIntervalMs *int64  `json:"healthCheckIntervalMs"`
	HealthCheckTimeoutMs  *int64  `json:"healthCheckTimeoutMs"`
	FailureThreshold      *int    `json:"failureThreshold"`
	RecoveryThreshold     *int    `json:"recoveryThreshold"`
	DefaultMaxConnections *int    `json:"defaultMaxConnections"`
	RetryBackoffMs        *int64  `json:"retryBackoffMs"`
	MaxRetries            *int    `json:"maxRetries"`
	CircuitResetTimeoutMs *int64  `json:"circuitResetTimeoutMs"`
	MaxConcurrentProbes   *int    `json:"maxConcurrentProbes"`
	HashReplicas          *int    `json:"hashReplicas"`
}

func millis(ms *int64) *time.Duration {
	if ms == nil {
		return nil
	}
	d := time.Duration(*ms) * time.Millisecond
	return &d
}

// patch converts the request. Only the strategy name can fail here;
// ranges are checked by the pool.
func (r configRequest) patch() (config.PoolSettingsPatch, error) {
	p := config.PoolSettingsPatch{
		HealthCheckInterval:   millis(r.HealthCheckIntervalMs),
		HealthCheckTimeout:    millis(r.HealthCheckTimeoutMs),
		FailureThreshold:      r.FailureThreshold,
		RecoveryThreshold:     r.RecoveryThreshold,
		DefaultMaxConnections: r.DefaultMaxConnections,
		RetryBackoff:          millis(r.RetryBackoffMs),
		MaxRetries:            r.MaxRetries,
		CircuitResetTimeout:   millis(r.CircuitResetTimeoutMs),
		MaxConcurrentProbes:   r.MaxConcurrentProbes,
		HashReplicas:          r.HashReplicas,
	}
	if r.Strategy != nil {
		s, err := parseStrategy(*r.Strategy)
		if err != nil {
			return p, err
		}
		p.Strategy = &s
	}
	return p, nil
}

func parseStrategy(name string) (config.Strategy, error) {
	s, err := config.ParseStrategy(name)
	if err != nil {
		v := util.NewValidationError("invalid load-balancing strategy")
		v.AddField("strategy", err.Error())
		return "", v
	}
	return s, nil
}

type poolResponse struct {
	Stats   pool.Stats            `json:"stats"`
	Servers []pool.ServerSnapshot `json:"servers"`
	Config  configView            `json:"config"`
}

func (h *handlers) getPool(c *gin.Context) {
	c.JSON(http.StatusOK, poolResponse{
		Stats:   h.pool.Stats(),
		Servers: h.pool.ListServers(c.Request.Context()),
		Config:  newConfigView(h.pool.Config()),
	})
}

func (h *handlers) updateConfig(c *gin.Context) {
	var req configRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	patch, err := req.patch()
	if err != nil {
		writeError(c, err)
		return
	}
	updated, err := h.pool.UpdateConfig(c.Request.Context(), patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, newConfigView(updated))
}

func (h *handlers) listServers(c *gin.Context) {
	c.JSON(http.StatusOK, h.pool.ListServers(c.Request.Context()))
}

func (h *handlers) getServer(c *gin.Context) {
	snap, err := h.pool.GetServer(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type addServerRequest struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Address        string `json:"address"`
	Weight         int    `json:"weight"`
	IsActive       *bool  `json:"isActive"`
	MaxConnections int    `json:"maxConnections"`
}

func (h *handlers) addServer(c *gin.Context) {
	var req addServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	snap, err := h.pool.AddServer(c.Request.Context(), config.ServerSpec{
		ID:             req.ID,
		Name:           req.Name,
		Address:        req.Address,
		Weight:         req.Weight,
		Active:         req.IsActive,
		MaxConnections: req.MaxConnections,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.Header("Location", "/pool/servers/"+snap.ID)
	c.JSON(http.StatusCreated, snap)
}

type updateServerRequest struct {
	Name           *string `json:"name"`
	Address        *string `json:"address"`
	Weight         *int    `json:"weight"`
	MaxConnections *int    `json:"maxConnections"`
	IsActive       *bool   `json:"isActive"`
}

func (h *handlers) updateServer(c *gin.Context) {
	var req updateServerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	snap, err := h.pool.UpdateServer(c.Request.Context(), c.Param("id"), pool.ServerUpdate{
		Name:           req.Name,
		Address:        req.Address,
		Weight:         req.Weight,
		MaxConnections: req.MaxConnections,
		IsActive:       req.IsActive,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *handlers) removeServer(c *gin.Context) {
	if err := h.pool.RemoveServer(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type toggleRequest struct {
	IsActive *bool `json:"isActive"`
}

func (h *handlers) toggleServer(c *gin.Context) {
	var req toggleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.IsActive == nil {
		v := util.NewValidationError("isActive is required")
		v.AddField("isActive", "is required")
		writeError(c, v)
		return
	}
	snap, err := h.pool.SetActive(c.Request.Context(), c.Param("id"), *req.IsActive)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type weightRequest struct {
	Weight *int `json:"weight"`
}

func (h *handlers) setWeight(c *gin.Context) {
	var req weightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if req.Weight == nil {
		v := util.NewValidationError("weight is required")
		v.AddField("weight", "is required")
		writeError(c, v)
		return
	}
	snap, err := h.pool.SetWeight(c.Request.Context(), c.Param("id"), *req.Weight)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

type healthCheckResponse struct {
	HealthStatus pool.HealthStatus   `json:"healthStatus"`
	Server       pool.ServerSnapshot `json:"server"`
}

func (h *handlers) checkServer(c *gin.Context) {
	snap, err := h.pool.CheckServer(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, healthCheckResponse{HealthStatus: snap.HealthStatus, Server: snap})
}

func (h *handlers) attemptRecovery(c *gin.Context) {
	ok, err := h.pool.AttemptRecovery(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": ok})
}

type nextServerResponse struct {
	Server   pool.ServerSnapshot `json:"server"`
	Strategy config.Strategy     `json:"strategy"`
}

func (h *handlers) nextServer(c *gin.Context) {
	var (
		snap pool.ServerSnapshot
		err  error
	)
	if key := c.Query("key"); key != "" {
		snap, err = h.pool.NextServerForKey(c.Request.Context(), key)
	} else {
		snap, err = h.pool.NextServer(c.Request.Context())
	}
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, nextServerResponse{Server: snap, Strategy: h.pool.Config().Strategy})
}

type strategyRequest struct {
	Strategy string `json:"strategy"`
}

func (h *handlers) setStrategy(c *gin.Context) {
	var req strategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	s, err := parseStrategy(req.Strategy)
	if err != nil {
		writeError(c, err)
		return
	}
	if err := h.pool.SetStrategy(c.Request.Context(), s); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"strategy": s})
}
