package source

import (
	"fmt"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/pool"
	"github.com/vyrodovalexey/avapool/internal/util"
)

// Source is a pool.ServerSource that owns resources.
type Source interface {
	pool.ServerSource
	Close() error
}

// New builds the source selected by cfg.Source. A static source serves
// cfg.Servers.
func New(cfg *config.Config, logger observability.Logger) (Source, error) {
	switch cfg.Source.Type {
	case "", config.SourceStatic:
		return NewStatic(cfg.Servers), nil
	case config.SourceRedis:
		if cfg.Source.Redis == nil {
			return nil, util.NewConfigError("source.redis", "redis settings are required")
		}
		return NewRedis(*cfg.Source.Redis, WithLogger(logger))
	default:
		return nil, fmt.Errorf("%w: %q", util.ErrUnsupportedSource, cfg.Source.Type)
	}
}
