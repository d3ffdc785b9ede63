package source

import (
	"context"
	"sync"
	"time"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/pool"
)

// Reconciler converges the pool onto a server list.
type Reconciler interface {
	Reconcile(ctx context.Context, specs []config.ServerSpec) (pool.ReconcileResult, error)
}

// Poller periodically reads a source and reconciles it into the pool.
type Poller struct {
	source   pool.ServerSource
	target   Reconciler
	interval time.Duration
	logger   observability.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollerLogger sets the logger.
func WithPollerLogger(logger observability.Logger) PollerOption {
	return func(p *Poller) {
		p.logger = logger
	}
}

// NewPoller creates a poller reading src every interval.
func NewPoller(src pool.ServerSource, target Reconciler, interval time.Duration, opts ...PollerOption) *Poller {
	p := &Poller{
		source:   src,
		target:   target,
		interval: interval,
		logger:   observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start begins polling. It is a no-op when already running or when the
// interval is not positive.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running || p.interval <= 0 {
		return
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.stoppedCh = make(chan struct{})

	go p.run(ctx, p.stopCh, p.stoppedCh)
}

// Stop halts polling and waits for an in-flight refresh to finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	stopCh, stoppedCh := p.stopCh, p.stoppedCh
	p.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

func (p *Poller) run(ctx context.Context, stopCh <-chan struct{}, stoppedCh chan<- struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			_ = p.Refresh(ctx)
		}
	}
}

// Refresh reads the source once and reconciles the result. A failed
// read leaves the pool unchanged.
func (p *Poller) Refresh(ctx context.Context) error {
	specs, err := p.source.ListServers(ctx)
	if err != nil {
		p.logger.Warn("server source refresh failed, keeping current servers",
			observability.Error(err),
		)
		return err
	}

	result, err := p.target.Reconcile(ctx, specs)
	if err != nil {
		p.logger.Warn("server source reconciled with errors", observability.Error(err))
	}
	if len(result.Added)+len(result.Updated)+len(result.Removed) > 0 {
		p.logger.Info("server source refreshed",
			observability.Int("added", len(result.Added)),
			observability.Int("updated", len(result.Updated)),
			observability.Int("removed", len(result.Removed)),
		)
	}
	return err
}
