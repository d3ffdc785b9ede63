package pool

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/observability"
)

// ReconcileResult lists the server ids touched by Reconcile.
type ReconcileResult struct {
	Added   []string `json:"added"`
	Updated []string `json:"updated"`
	Removed []string `json:"removed"`
}

// Reconcile converges the servers registered from a source onto specs.
// Servers are keyed by spec.EffectiveID(). Missing servers are added,
// existing ones updated in place (keeping their health and breaker state)
// and servers no longer listed are removed. Only fields whose source value
// changed since the last Reconcile are applied, so admin changes to a
// source server last until the source changes that field. Servers added through
// AddServer are never modified or removed; a spec colliding with one is
// skipped.
//
// Invalid specs are skipped and reported in the returned error while the
// rest of the list is still applied.
func (s *Service) Reconcile(ctx context.Context, specs []config.ServerSpec) (ReconcileResult, error) {
	var (
		result ReconcileResult
		errs   []error
	)

	desired := make(map[string]struct{}, len(specs))
	for _, spec := range specs {
		spec.ID = spec.EffectiveID()
		desired[spec.ID] = struct{}{}

		existing, ok := s.registry.get(spec.ID)
		switch {
		case !ok:
			if _, err := s.addServer(ctx, spec, originSource); err != nil {
				errs = append(errs, fmt.Errorf("server %q: %w", spec.ID, err))
				continue
			}
			result.Added = append(result.Added, spec.ID)
		case existing.origin != originSource:
			s.logger.Warn("source server collides with an API-managed server, skipping",
				observability.String("server_id", spec.ID),
			)
		default:
			changed, err := s.updateFromSpec(ctx, existing, spec)
			if err != nil {
				errs = append(errs, fmt.Errorf("server %q: %w", spec.ID, err))
				continue
			}
			if changed {
				result.Updated = append(result.Updated, spec.ID)
			}
		}
	}

	for _, e := range s.registry.list() {
		if e.origin != originSource {
			continue
		}
		if _, keep := desired[e.id]; keep {
			continue
		}
		if err := s.RemoveServer(ctx, e.id); err == nil {
			result.Removed = append(result.Removed, e.id)
		}
	}

	if len(result.Added)+len(result.Updated)+len(result.Removed) > 0 {
		s.logger.Info("server list reconciled",
			observability.Int("added", len(result.Added)),
			observability.Int("updated", len(result.Updated)),
			observability.Int("removed", len(result.Removed)),
		)
	}
	return result, errors.Join(errs...)
}

func (s *Service) updateFromSpec(ctx context.Context, e *entry, spec config.ServerSpec) (bool, error) {
	if err := config.ValidateServerSpec(spec); err != nil {
		return false, err
	}

	next := newSourceState(spec)
	prev := e.lastApplied()

	var u ServerUpdate
	if next.name != prev.name {
		u.Name = &spec.Name
	}
	if next.address != prev.address {
		u.Address = &spec.Address
	}
	if next.weight != prev.weight {
		weight := max(spec.Weight, 1)
		u.Weight = &weight
	}
	if next.maxConnections != prev.maxConnections {
		maxConns := spec.MaxConnections
		if maxConns < 1 {
			maxConns = s.Config().DefaultMaxConnections
		}
		u.MaxConnections = &maxConns
	}
	if next.active != prev.active {
		u.IsActive = &next.active
	}

	changes, err := s.updateServer(ctx, e, u)
	if err != nil {
		return false, err
	}
	e.setApplied(next)
	return len(changes) > 0, nil
}
