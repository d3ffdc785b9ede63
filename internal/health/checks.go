package health

import (
	"context"
	"errors"
	"fmt"

	"github.com/vyrodovalexey/avapool/internal/util"
)

var errNoEligible = errors.New("no eligible servers")

// PoolState is the part of the pool service readiness depends on.
type PoolState interface {
	Started() bool
	EligibleCount() int
}

// DependencyCheck is a named check with a criticality flag.
type DependencyCheck struct {
	name     string
	checkFn  func(ctx context.Context) error
	critical bool
}

// Name returns the name of the dependency check.
func (d *DependencyCheck) Name() string {
	return d.name
}

// Check performs the dependency health check.
func (d *DependencyCheck) Check(ctx context.Context) error {
	return d.checkFn(ctx)
}

// IsCritical returns true if a failure makes the daemon not ready.
func (d *DependencyCheck) IsCritical() bool {
	return d.critical
}

// DependencyCheckOption is a function that configures a DependencyCheck.
type DependencyCheckOption func(*DependencyCheck)

// WithCritical marks the dependency as critical.
func WithCritical(critical bool) DependencyCheckOption {
	return func(d *DependencyCheck) {
		d.critical = critical
	}
}

// NewDependencyCheck creates a new dependency check. Checks are
// critical unless WithCritical(false) is given.
func NewDependencyCheck(
	name string,
	checkFn func(ctx context.Context) error,
	opts ...DependencyCheckOption,
) *DependencyCheck {
	d := &DependencyCheck{
		name:     name,
		checkFn:  checkFn,
		critical: true,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// PoolCheck fails until the pool is initialized and while no server is
// eligible for selection.
func PoolCheck(pool PoolState) *DependencyCheck {
	return NewDependencyCheck("pool", func(_ context.Context) error {
		if !pool.Started() {
			return util.ErrServiceNotStarted
		}
		if n := pool.EligibleCount(); n < 1 {
			return errNoEligible
		}
		return nil
	})
}

// PingCheck wraps a ping function, such as the Redis source's, as a
// non-critical check. A failing source leaves the pool serving its last
// known servers, so the daemon stays ready.
func PingCheck(name string, ping func(ctx context.Context) error) *DependencyCheck {
	return NewDependencyCheck(name, func(ctx context.Context) error {
		if err := ping(ctx); err != nil {
			return fmt.Errorf("%s ping failed: %w", name, err)
		}
		return nil
	}, WithCritical(false))
}
