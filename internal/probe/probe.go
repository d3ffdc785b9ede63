package probe

import (
	"fmt"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/pool"
	"github.com/vyrodovalexey/avapool/internal/util"
)

// Option configures a probe built by New.
type Option func(*options)

type options struct {
	logger observability.Logger
}

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New builds the probe selected by cfg.Type. An empty type means TCP.
func New(cfg config.ProbeConfig, opts ...Option) (pool.Probe, error) {
	o := &options{logger: observability.NopLogger()}
	for _, opt := range opts {
		opt(o)
	}

	switch cfg.Type {
	case "", config.ProbeTCP:
		return NewTCPProbe(), nil
	case config.ProbeHTTP:
		return NewHTTPProbe(cfg.Scheme, cfg.Path), nil
	case config.ProbeGRPC:
		return NewGRPCProbe(cfg.GRPCService, WithGRPCLogger(o.logger)), nil
	default:
		return nil, fmt.Errorf("%w: unknown probe type %q", util.ErrInvalidInput, cfg.Type)
	}
}
