package pool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avapool/internal/config"
)

var errProbeDown = errors.New("connection refused")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeProbe answers from a per-address table. Unknown addresses are
// healthy with a 5ms latency.
type fakeProbe struct {
	mu      sync.Mutex
	failing map[string]error
	latency map[string]time.Duration
	calls   map[string]int
}

func newFakeProbe() *fakeProbe {
	return &fakeProbe{
		failing: make(map[string]error),
		latency: make(map[string]time.Duration),
		calls:   make(map[string]int),
	}
}

func (p *fakeProbe) Probe(_ context.Context, address string, _ time.Duration) (time.Duration, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.calls[address]++
	if err, ok := p.failing[address]; ok {
		return 0, err
	}
	if l, ok := p.latency[address]; ok {
		return l, nil
	}
	return 5 * time.Millisecond, nil
}

func (p *fakeProbe) setFailing(address string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.failing, address)
		return
	}
	p.failing[address] = err
}

func (p *fakeProbe) callCount(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[address]
}

type recordingObserver struct {
	mu  sync.Mutex
	got []Notification
}

func (o *recordingObserver) OnPoolNotification(n Notification) {
	o.mu.Lock()
	o.got = append(o.got, n)
	o.mu.Unlock()
}

func (o *recordingObserver) all() []Notification {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Notification, len(o.got))
	copy(out, o.got)
	return out
}

func (o *recordingObserver) find(typ NotificationType, serverID string) (Notification, bool) {
	for _, n := range o.all() {
		if n.Type == typ && n.ServerID == serverID {
			return n, true
		}
	}
	return Notification{}, false
}

func testSettings() config.PoolSettings {
	s := config.DefaultPoolSettings()
	s.HealthCheckInterval = config.Duration(time.Hour)
	s.HealthCheckTimeout = config.Duration(time.Second)
	s.RetryBackoff = 0
	return s
}

func newTestService(t *testing.T, mutate ...func(*config.PoolSettings)) (*Service, *fakeProbe, *fakeClock) {
	t.Helper()

	settings := testSettings()
	for _, m := range mutate {
		m(&settings)
	}
	probe := newFakeProbe()
	clock := newFakeClock()

	svc, err := NewService(settings, probe, WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = svc.Shutdown(context.Background())
	})
	return svc, probe, clock
}

func withStrategy(s config.Strategy) func(*config.PoolSettings) {
	return func(p *config.PoolSettings) {
		p.Strategy = s
	}
}

func mustAdd(t *testing.T, svc *Service, id string, weight int) ServerSnapshot {
	t.Helper()
	snap, err := svc.AddServer(context.Background(), config.ServerSpec{
		ID:      id,
		Name:    id,
		Address: id + ":80",
		Weight:  weight,
	})
	require.NoError(t, err)
	return snap
}

func pickN(t *testing.T, svc *Service, n int) map[string]int {
	t.Helper()
	seen := make(map[string]int)
	for i := 0; i < n; i++ {
		snap, err := svc.NextServer(context.Background())
		require.NoError(t, err)
		seen[snap.ID]++
	}
	return seen
}
