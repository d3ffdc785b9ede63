package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/util"
)

// monitorActor is recorded on notifications raised by background probes.
const monitorActor = "health-monitor"

var poolTracer = otel.Tracer("avapool/pool")

// monitor runs the periodic health sweep. Results are folded into pool
// state through the Service so that every mutation takes the same path.
type monitor struct {
	svc    *Service
	logger observability.Logger

	mu        sync.Mutex
	running   bool
	cancel    context.CancelFunc
	stoppedCh chan struct{}
	resetCh   chan time.Duration
}

func newMonitor(svc *Service, logger observability.Logger) *monitor {
	return &monitor{
		svc:     svc,
		logger:  logger,
		resetCh: make(chan time.Duration, 1),
	}
}

// start launches the sweep loop. The loop outlives ctx's deadline and
// cancellation but keeps its values; it ends on stop.
func (m *monitor) start(ctx context.Context, interval time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.stoppedCh = make(chan struct{})
	m.running = true

	go m.run(loopCtx, interval, m.stoppedCh)
}

// stop ends the loop and waits for an in-flight sweep to finish.
func (m *monitor) stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.cancel()
	stopped := m.stoppedCh
	m.mu.Unlock()

	<-stopped
}

// setInterval makes the loop adopt a new sweep interval. The latest value
// wins if several arrive before the loop reads them.
func (m *monitor) setInterval(d time.Duration) {
	for {
		select {
		case m.resetCh <- d:
			return
		default:
		}
		select {
		case <-m.resetCh:
		default:
		}
	}
}

func (m *monitor) run(ctx context.Context, interval time.Duration, stopped chan struct{}) {
	defer close(stopped)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.resetCh:
			ticker.Reset(d)
			m.logger.Info("health check interval changed",
				observability.Duration("interval", d),
			)
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

// sweep probes every registered server concurrently and waits for all of
// them. A failing probe never stops the others.
func (m *monitor) sweep(ctx context.Context) {
	entries := m.svc.registry.list()
	settings := m.svc.Config()

	ctx, span := poolTracer.Start(ctx, "pool.HealthSweep",
		trace.WithAttributes(attribute.Int("pool.servers", len(entries))),
	)
	defer span.End()
	ctx = observability.ContextWithActor(ctx, monitorActor)

	var g errgroup.Group
	if settings.MaxConcurrentProbes > 0 {
		g.SetLimit(settings.MaxConcurrentProbes)
	}
	for _, e := range entries {
		g.Go(func() error {
			m.check(ctx, e)
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Debug("health sweep completed",
		observability.Int("servers", len(entries)),
	)
}

// check probes one server and folds the result. It returns the probe
// error, if any.
func (m *monitor) check(ctx context.Context, e *entry) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	timeout := m.svc.Config().HealthCheckTimeout.Duration()
	address := e.probeAddress()

	latency, err := m.probe(ctx, address, timeout)
	if ctx.Err() != nil {
		// Cancelled by shutdown or the caller, not by the server.
		return ctx.Err()
	}
	m.svc.applyProbeResult(ctx, e, latency, err)
	return err
}

type probeResult struct {
	latency time.Duration
	err     error
}

// probe races the probe against timeout. A probe that ignores its
// context still counts as a timeout once the deadline passes.
func (m *monitor) probe(ctx context.Context, address string, timeout time.Duration) (time.Duration, error) {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resultCh := make(chan probeResult, 1)
	go func() {
		latency, err := m.svc.probe.Probe(probeCtx, address, timeout)
		resultCh <- probeResult{latency: latency, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil && errors.Is(r.err, context.DeadlineExceeded) {
			return 0, util.NewProbeTimeoutError(address, timeout, r.err)
		}
		return r.latency, r.err
	case <-probeCtx.Done():
		return 0, util.NewProbeTimeoutError(address, timeout, probeCtx.Err())
	}
}

// recover forces the breaker half-open and runs one out-of-cycle probe.
// It reports whether the server came back healthy.
func (m *monitor) recover(ctx context.Context, e *entry) bool {
	ctx, span := poolTracer.Start(ctx, "pool.AttemptRecovery",
		trace.WithAttributes(attribute.String("pool.server_id", e.id)),
	)
	defer span.End()

	e.breaker.ForceHalfOpen()
	e.record(m.svc.now(), EventRecoveryAttempt, "")

	if err := m.check(ctx, e); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "probe failed")
	}
	healthy := e.snapshot().HealthStatus == StatusHealthy
	span.SetAttributes(attribute.Bool("pool.recovered", healthy))
	return healthy
}
