package source

import (
	"context"
	"slices"
	"sync"

	"github.com/vyrodovalexey/avapool/internal/config"
)

// Static serves a fixed server list that can be swapped on config reload.
type Static struct {
	mu    sync.RWMutex
	specs []config.ServerSpec
}

// NewStatic creates a static source.
func NewStatic(specs []config.ServerSpec) *Static {
	return &Static{specs: slices.Clone(specs)}
}

// ListServers implements pool.ServerSource.
func (s *Static) ListServers(context.Context) ([]config.ServerSpec, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.specs), nil
}

// Update replaces the server list.
func (s *Static) Update(specs []config.ServerSpec) {
	s.mu.Lock()
	s.specs = slices.Clone(specs)
	s.mu.Unlock()
}

// Close implements Source.
func (s *Static) Close() error {
	return nil
}
