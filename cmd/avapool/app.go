package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vyrodovalexey/avapool/internal/admin"
	"github.com/vyrodovalexey/avapool/internal/audit"
	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/health"
	"github.com/vyrodovalexey/avapool/internal/metrics"
	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/pool"
	"github.com/vyrodovalexey/avapool/internal/probe"
	"github.com/vyrodovalexey/avapool/internal/source"
)

// application holds all application components.
type application struct {
	pool          *pool.Service
	source        source.Source
	static        *source.Static
	poller        *source.Poller
	probe         pool.Probe
	metrics       *metrics.Metrics
	tracer        *observability.Tracer
	auditLogger   *audit.AtomicLogger
	health        *health.Handler
	admin         *admin.Server
	reloadMetrics *reloadMetrics
	logger        observability.Logger
	unsubscribe   func()

	// levelPinned is set when the log level came from a flag, so reloads
	// leave it alone.
	levelPinned bool

	reloadMu sync.Mutex
	config   *config.Config
}

// initApplication builds every component from cfg. Nothing is started.
func initApplication(
	ctx context.Context,
	cfg *config.Config,
	logger observability.Logger,
	levelPinned bool,
) (*application, error) {
	m := metrics.New()
	m.SetBuildInfo(version, gitCommit, buildTime)

	tracer, err := initTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}

	auditLogger, err := initAuditLogger(cfg.Audit, logger, m)
	if err != nil {
		return nil, err
	}

	src, err := source.New(cfg, logger.With(observability.String("component", "source")))
	if err != nil {
		_ = auditLogger.Close()
		return nil, fmt.Errorf("failed to create server source: %w", err)
	}

	prb, err := probe.New(cfg.Probe, probe.WithLogger(logger))
	if err != nil {
		_ = auditLogger.Close()
		_ = src.Close()
		return nil, fmt.Errorf("failed to create health probe: %w", err)
	}

	svc, err := pool.NewService(cfg.Pool, prb,
		pool.WithLogger(logger.With(observability.String("component", "pool"))),
		pool.WithSource(src),
		pool.WithRecorder(m),
	)
	if err != nil {
		_ = auditLogger.Close()
		_ = src.Close()
		return nil, fmt.Errorf("failed to create pool service: %w", err)
	}
	unsubscribe := svc.Notifier().Subscribe(audit.NewPoolObserver(auditLogger))

	app := &application{
		pool:        svc,
		source:      src,
		probe:       prb,
		metrics:     m,
		tracer:      tracer,
		auditLogger: auditLogger,
		logger:      logger,
		unsubscribe: unsubscribe,
		levelPinned: levelPinned,
		config:      cfg,
	}
	app.reloadMetrics = newReloadMetrics(m)

	if static, ok := src.(*source.Static); ok {
		app.static = static
	}
	if cfg.Source.RefreshInterval > 0 {
		app.poller = source.NewPoller(src, svc, cfg.Source.RefreshInterval.Duration(),
			source.WithPollerLogger(logger.With(observability.String("component", "source"))),
		)
	}

	app.health = initHealth(app, logger)
	app.admin = initAdmin(app, cfg, logger)
	return app, nil
}

// initTracer initializes the tracer.
func initTracer(ctx context.Context, cfg config.TracingConfig) (*observability.Tracer, error) {
	tracerCfg := observability.TracerConfig{
		ServiceName:  cfg.ServiceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.SamplingRate,
		Enabled:      cfg.Enabled,
	}
	if tracerCfg.ServiceName == "" {
		tracerCfg.ServiceName = config.DefaultServiceName
	}
	return observability.NewTracer(ctx, tracerCfg)
}

// initAuditLogger creates the audit sink behind an AtomicLogger so a
// reload can replace it.
func initAuditLogger(
	cfg config.AuditConfig,
	logger observability.Logger,
	m *metrics.Metrics,
) (*audit.AtomicLogger, error) {
	inner, err := newAuditSink(cfg, logger, m)
	if err != nil {
		return nil, err
	}
	return audit.NewAtomicLogger(inner), nil
}

func newAuditSink(cfg config.AuditConfig, logger observability.Logger, m *metrics.Metrics) (audit.Logger, error) {
	sink, err := audit.NewLogger(audit.FromConfig(cfg),
		audit.WithLoggerLogger(logger),
		audit.WithLoggerRegisterer(m.Registerer()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create audit logger: %w", err)
	}
	return sink, nil
}

// initHealth wires readiness checks. The Redis source is checked but
// not critical: the pool keeps serving its last known servers.
func initHealth(app *application, logger observability.Logger) *health.Handler {
	h := health.NewHandler(
		health.WithLogger(logger),
		health.WithMetrics(health.NewMetrics(app.metrics.Registerer())),
		health.WithVersion(version),
	)
	h.AddCheck(health.PoolCheck(app.pool))

	if r, ok := app.source.(*source.Redis); ok {
		h.AddCheck(health.PingCheck("redis", r.Ping))
	}
	return h
}

func initAdmin(app *application, cfg *config.Config, logger observability.Logger) *admin.Server {
	opts := []admin.Option{
		admin.WithLogger(logger.With(observability.String("component", "admin"))),
		admin.WithHealth(app.health),
		admin.WithRequestRecorder(app.metrics),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, admin.WithMetricsHandler(cfg.Metrics.Path, app.metrics.Handler()))
	}
	return admin.NewServer(cfg.Admin, app.pool, opts...)
}

// start initializes the pool and starts the background loops and the
// admin listener. Serve errors arrive on the returned channel.
func (app *application) start(ctx context.Context) (<-chan error, error) {
	if err := app.pool.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize pool: %w", err)
	}
	if app.poller != nil {
		app.poller.Start(ctx)
	}
	return app.admin.Start(ctx)
}

// stop shuts components down in dependency order: intake first, then
// the pool (which drains pending notifications into the audit sink),
// then the sinks and clients.
func (app *application) stop(ctx context.Context) error {
	var errs []error

	if err := app.admin.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if app.poller != nil {
		app.poller.Stop()
	}
	if err := app.pool.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown pool: %w", err))
	}
	app.unsubscribe()

	if err := app.auditLogger.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close audit logger: %w", err))
	}
	if err := app.source.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close server source: %w", err))
	}
	if closer, ok := app.probe.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close health probe: %w", err))
		}
	}
	if err := app.tracer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shutdown tracer: %w", err))
	}
	return errors.Join(errs...)
}
