package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/health"
	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/pool"
)

// ginModeOnce ensures gin.SetMode is only called once.
var ginModeOnce sync.Once

// Pool is the pool service surface used by the API.
type Pool interface {
	Stats() pool.Stats
	Config() config.PoolSettings
	UpdateConfig(ctx context.Context, patch config.PoolSettingsPatch) (config.PoolSettings, error)
	SetStrategy(ctx context.Context, strategy config.Strategy) error
	ListServers(ctx context.Context) []pool.ServerSnapshot
	GetServer(ctx context.Context, id string) (pool.ServerSnapshot, error)
	AddServer(ctx context.Context, spec config.ServerSpec) (pool.ServerSnapshot, error)
	UpdateServer(ctx context.Context, id string, u pool.ServerUpdate) (pool.ServerSnapshot, error)
	RemoveServer(ctx context.Context, id string) error
	SetActive(ctx context.Context, id string, active bool) (pool.ServerSnapshot, error)
	SetWeight(ctx context.Context, id string, weight int) (pool.ServerSnapshot, error)
	CheckServer(ctx context.Context, id string) (pool.ServerSnapshot, error)
	AttemptRecovery(ctx context.Context, id string) (bool, error)
	NextServer(ctx context.Context) (pool.ServerSnapshot, error)
	NextServerForKey(ctx context.Context, key string) (pool.ServerSnapshot, error)
}

var _ Pool = (*pool.Service)(nil)

// Server is the management API server.
type Server struct {
	engine     *gin.Engine
	httpServer *http.Server
	pool       Pool
	logger     observability.Logger
	config     config.AdminConfig

	health      *health.Handler
	metrics     http.Handler
	metricsPath string
	recorder    RequestRecorder

	mu       sync.Mutex
	listener net.Listener
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealth mounts the liveness and readiness routes.
func WithHealth(h *health.Handler) Option {
	return func(s *Server) {
		s.health = h
	}
}

// WithMetricsHandler mounts handler at path.
func WithMetricsHandler(path string, handler http.Handler) Option {
	return func(s *Server) {
		s.metricsPath = path
		s.metrics = handler
	}
}

// WithRequestRecorder records request counts and durations.
func WithRequestRecorder(r RequestRecorder) Option {
	return func(s *Server) {
		s.recorder = r
	}
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg config.AdminConfig, p Pool, opts ...Option) *Server {
	ginModeOnce.Do(func() {
		gin.SetMode(gin.ReleaseMode)
	})

	s := &Server{
		engine: gin.New(),
		pool:   p,
		logger: observability.NopLogger(),
		config: cfg,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.engine.Use(
		requestContext(),
		recovery(s.logger),
		tracing(),
		accessLog(s.logger),
	)
	if s.recorder != nil {
		s.engine.Use(requestMetrics(s.recorder))
	}
	if cfg.RateLimit.Enabled {
		limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit.RequestsPerSecond), cfg.RateLimit.Burst)
		s.engine.Use(rateLimit(limiter, s.metricsPath, s.logger))
	}

	s.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: codeNotFound, Message: "route not found"})
	})

	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	if s.health != nil {
		s.health.RegisterRoutes(s.engine)
	}
	if s.metrics != nil && s.metricsPath != "" {
		s.engine.GET(s.metricsPath, gin.WrapH(s.metrics))
	}

	h := &handlers{pool: s.pool}
	g := s.engine.Group("/pool")
	g.GET("", h.getPool)
	g.PUT("/config", h.updateConfig)
	g.GET("/servers", h.listServers)
	g.POST("/servers", h.addServer)
	g.GET("/servers/:id", h.getServer)
	g.PUT("/servers/:id", h.updateServer)
	g.DELETE("/servers/:id", h.removeServer)
	g.POST("/servers/:id/toggle", h.toggleServer)
	g.PUT("/servers/:id/weight", h.setWeight)
	g.POST("/servers/:id/health-check", h.checkServer)
	g.POST("/servers/:id/recovery", h.attemptRecovery)
	g.GET("/next-server", h.nextServer)
	g.PUT("/load-balancing-strategy", h.setStrategy)
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start listens on the configured address and serves until Stop. It
// returns once the listener is bound; serve errors are sent on the
// returned channel.
func (s *Server) Start(ctx context.Context) (<-chan error, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		return nil, errors.New("admin server already running")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.engine,
		ReadTimeout:       s.config.ReadTimeout.Duration(),
		ReadHeaderTimeout: s.config.ReadTimeout.Duration(),
		WriteTimeout:      s.config.WriteTimeout.Duration(),
		IdleTimeout:       2 * time.Minute,
		MaxHeaderBytes:    1 << 20,
	}

	s.logger.Info("starting admin server",
		observability.String("address", ln.Addr().String()),
		observability.Duration("read_timeout", s.config.ReadTimeout.Duration()),
		observability.Duration("write_timeout", s.config.WriteTimeout.Duration()),
	)

	errCh := make(chan error, 1)
	srv := s.httpServer
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("admin server error: %w", err)
		}
		close(errCh)
	}()
	return errCh, nil
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.httpServer = nil
	s.listener = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	s.logger.Info("stopping admin server")
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown admin server: %w", err)
	}
	s.logger.Info("admin server stopped")
	return nil
}
