package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vyrodovalexey/avapool/internal/circuitbreaker"
	"github.com/vyrodovalexey/avapool/internal/config"
	"github.com/vyrodovalexey/avapool/internal/observability"
	"github.com/vyrodovalexey/avapool/internal/util"
)

func TestNewService_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewService(testSettings(), nil)
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	bad := testSettings()
	bad.FailureThreshold = 0
	_, err = NewService(bad, newFakeProbe())
	var verr *util.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "failureThreshold")
}

func TestNextServer_NoServers(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)

	_, err := svc.NextServer(context.Background())
	assert.ErrorIs(t, err, util.ErrNoAvailableServer)
}

func TestNextServer_SingleEligibleReturnedDirectly(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, withStrategy(config.StrategyConsistentHash))
	mustAdd(t, svc, "only", 1)

	for _, key := range []string{"", "x", "y"} {
		snap, err := svc.NextServerForKey(context.Background(), key)
		require.NoError(t, err)
		assert.Equal(t, "only", snap.ID)
	}
}

func TestNextServer_ExcludesUnhealthy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, probe, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)
	mustAdd(t, svc, "b", 1)

	probe.setFailing("a:80", errProbeDown)
	for i := 0; i < 3; i++ {
		_, err := svc.CheckServer(ctx, "a")
		require.NoError(t, err)
	}

	a, err := svc.GetServer(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusUnhealthy, a.HealthStatus)
	assert.Equal(t, circuitbreaker.StateOpen, a.CircuitState)
	assert.Equal(t, errProbeDown.Error(), a.LastError)

	seen := pickN(t, svc, 10)
	assert.Equal(t, map[string]int{"b": 10}, seen)
}

func TestCircuitBreaker_OpensAndIgnoresSuccessWhileOpen(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, clock := newTestService(t)
	mustAdd(t, svc, "a", 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.ReportFailure(ctx, "a", "boom"))
	}
	snap, err := svc.GetServer(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, snap.CircuitState)
	assert.Equal(t, "boom", snap.LastError)
	assert.Equal(t, int64(3), snap.FailedRequests)

	_, err = svc.NextServer(ctx)
	assert.ErrorIs(t, err, util.ErrNoAvailableServer)

	require.NoError(t, svc.ReportSuccess(ctx, "a", time.Millisecond))
	snap, _ = svc.GetServer(ctx, "a")
	assert.Equal(t, circuitbreaker.StateOpen, snap.CircuitState)

	// Reset timeout defaults to the health check interval.
	clock.Advance(time.Hour)
	snap, _ = svc.GetServer(ctx, "a")
	assert.Equal(t, circuitbreaker.StateHalfOpen, snap.CircuitState)

	_, err = svc.NextServer(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.ReportSuccess(ctx, "a", time.Millisecond))
	require.NoError(t, svc.ReportSuccess(ctx, "a", time.Millisecond))
	snap, _ = svc.GetServer(ctx, "a")
	assert.Equal(t, circuitbreaker.StateClosed, snap.CircuitState)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, clock := newTestService(t)
	mustAdd(t, svc, "a", 1)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.ReportFailure(ctx, "a", "boom"))
	}
	clock.Advance(time.Hour)
	require.NoError(t, svc.ReportFailure(ctx, "a", "again"))

	snap, err := svc.GetServer(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, circuitbreaker.StateOpen, snap.CircuitState)
}

func TestUpdateConfig_ThresholdAppliesWithoutResettingCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t, func(p *config.PoolSettings) { p.FailureThreshold = 5 })
	mustAdd(t, svc, "a", 1)

	require.NoError(t, svc.ReportFailure(ctx, "a", "x"))
	require.NoError(t, svc.ReportFailure(ctx, "a", "x"))

	three := 3
	_, err := svc.UpdateConfig(ctx, config.PoolSettingsPatch{FailureThreshold: &three})
	require.NoError(t, err)

	snap, _ := svc.GetServer(ctx, "a")
	assert.Equal(t, circuitbreaker.StateClosed, snap.CircuitState)

	require.NoError(t, svc.ReportFailure(ctx, "a", "x"))
	snap, _ = svc.GetServer(ctx, "a")
	assert.Equal(t, circuitbreaker.StateOpen, snap.CircuitState)
}

func TestUpdateConfig_InvalidLeavesConfigUntouched(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	before := svc.Config()

	zero := 0
	strategy := config.StrategyRandom
	_, err := svc.UpdateConfig(ctx, config.PoolSettingsPatch{
		Strategy:         &strategy,
		FailureThreshold: &zero,
	})
	var verr *util.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "failureThreshold")
	assert.Equal(t, before, svc.Config())

	replicas := config.MaxHashReplicas + 1
	_, err = svc.UpdateConfig(ctx, config.PoolSettingsPatch{HashReplicas: &replicas})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "must be at most 1000", verr.Fields["hashReplicas"])
	assert.Equal(t, before, svc.Config())
}

func TestUpdateConfig_PublishesChanges(t *testing.T) {
	t.Parallel()

	ctx := observability.ContextWithActor(context.Background(), "alice")
	svc, _, _ := newTestService(t)
	obs := &recordingObserver{}
	svc.Notifier().Subscribe(obs)

	interval := 30 * time.Second
	cfg, err := svc.UpdateConfig(ctx, config.PoolSettingsPatch{HealthCheckInterval: &interval})
	require.NoError(t, err)
	assert.Equal(t, interval, cfg.HealthCheckInterval.Duration())

	require.Eventually(t, func() bool {
		_, ok := obs.find(NotifyConfigUpdated, "")
		return ok
	}, time.Second, 5*time.Millisecond)
	n, _ := obs.find(NotifyConfigUpdated, "")
	assert.Equal(t, "alice", n.Actor)
	assert.Equal(t, int64(30000), n.Details["healthCheckInterval"])
}

func TestSetStrategy(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	err := svc.SetStrategy(ctx, "fastest")
	assert.ErrorIs(t, err, util.ErrInvalidInput)
	assert.Equal(t, config.StrategyRoundRobin, svc.Config().Strategy)

	require.NoError(t, svc.SetStrategy(ctx, config.StrategyLeastFailures))
	assert.Equal(t, config.StrategyLeastFailures, svc.Config().Strategy)
	assert.Equal(t, config.StrategyLeastFailures, svc.Stats().ActiveStrategy)
}

func TestAcquireRelease_Capacity(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.AddServer(ctx, config.ServerSpec{ID: "a", Name: "a", Address: "a:80", MaxConnections: 2})
	require.NoError(t, err)

	require.NoError(t, svc.Acquire(ctx, "a"))
	require.NoError(t, svc.Acquire(ctx, "a"))

	err = svc.Acquire(ctx, "a")
	var capErr *util.CapacityExceededError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, capErr.MaxConnections)

	_, err = svc.NextServer(ctx)
	assert.ErrorIs(t, err, util.ErrNoAvailableServer)

	require.NoError(t, svc.Release(ctx, "a"))
	_, err = svc.NextServer(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Release(ctx, "a"))
	require.NoError(t, svc.Release(ctx, "a"))
	snap, _ := svc.GetServer(ctx, "a")
	assert.Equal(t, 0, snap.CurrentConnections)
}

func TestAcquire_ConcurrentNeverExceedsLimit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	_, err := svc.AddServer(ctx, config.ServerSpec{ID: "a", Name: "a", Address: "a:80", MaxConnections: 10})
	require.NoError(t, err)

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if svc.Acquire(ctx, "a") == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(10), ok.Load())
	snap, _ := svc.GetServer(ctx, "a")
	assert.Equal(t, 10, snap.CurrentConnections)
}

func TestReportSuccess_LatencyAverage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)

	require.NoError(t, svc.ReportSuccess(ctx, "a", 100*time.Millisecond))
	snap, _ := svc.GetServer(ctx, "a")
	assert.InDelta(t, 100.0, snap.AverageLatencyMs, 0.001)

	require.NoError(t, svc.ReportSuccess(ctx, "a", 200*time.Millisecond))
	snap, _ = svc.GetServer(ctx, "a")
	assert.InDelta(t, 120.0, snap.AverageLatencyMs, 0.001)
	assert.Equal(t, int64(2), snap.TotalRequests)
	assert.Equal(t, int64(2), snap.SuccessfulRequests)
}

func TestStats(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, probe, _ := newTestService(t)
	mustAdd(t, svc, "a", 3)
	mustAdd(t, svc, "b", 1)
	mustAdd(t, svc, "c", 1)

	require.NoError(t, svc.ReportSuccess(ctx, "a", 100*time.Millisecond))
	require.NoError(t, svc.ReportSuccess(ctx, "b", 200*time.Millisecond))
	require.NoError(t, svc.Acquire(ctx, "a"))
	require.NoError(t, svc.Acquire(ctx, "b"))

	probe.setFailing("c:80", errProbeDown)
	_, err := svc.CheckServer(ctx, "c")
	require.NoError(t, err)
	_, err = svc.SetActive(ctx, "b", false)
	require.NoError(t, err)

	st := svc.Stats()
	assert.Equal(t, 3, st.TotalServers)
	assert.Equal(t, 2, st.ActiveServers)
	assert.Equal(t, 2, st.HealthyServers)
	assert.Equal(t, 1, st.DegradedServers)
	assert.Equal(t, 0, st.UnhealthyServers)
	assert.Equal(t, 0, st.OpenCircuits)
	assert.Equal(t, 2, st.TotalConnections)
	assert.InDelta(t, 125.0, st.WeightedAverageLatency, 0.001)
	assert.Equal(t, config.StrategyRoundRobin, st.ActiveStrategy)
}

func TestSetActive_ResetsProbeCounters(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, probe, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)

	probe.setFailing("a:80", errProbeDown)
	for i := 0; i < 2; i++ {
		_, err := svc.CheckServer(ctx, "a")
		require.NoError(t, err)
	}

	snap, err := svc.SetActive(ctx, "a", false)
	require.NoError(t, err)
	assert.False(t, snap.IsActive)
	assert.Equal(t, 2, snap.ConsecutiveFailures)

	snap, err = svc.SetActive(ctx, "a", true)
	require.NoError(t, err)
	assert.True(t, snap.IsActive)
	assert.Equal(t, 0, snap.ConsecutiveFailures)
	assert.Equal(t, 0, snap.ConsecutiveSuccesses)
}

func TestSetWeight(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)

	_, err := svc.SetWeight(ctx, "a", 0)
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	_, err = svc.SetWeight(ctx, "a", 1<<42)
	var verr *util.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "must be at most 10000", verr.Fields["weight"])

	_, err = svc.SetWeight(ctx, "missing", 2)
	assert.ErrorIs(t, err, util.ErrNotFound)

	snap, err := svc.SetWeight(ctx, "a", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Weight)
}

func TestAddServer(t *testing.T) {
	t.Parallel()

	ctx := observability.ContextWithActor(context.Background(), "ops")
	svc, _, _ := newTestService(t, func(p *config.PoolSettings) { p.DefaultMaxConnections = 7 })
	svc.newID = func() string { return "generated" }
	obs := &recordingObserver{}
	svc.Notifier().Subscribe(obs)

	snap, err := svc.AddServer(ctx, config.ServerSpec{Name: "web", Address: "10.0.0.1:80"})
	require.NoError(t, err)
	assert.Equal(t, "generated", snap.ID)
	assert.Equal(t, 1, snap.Weight)
	assert.Equal(t, 7, snap.MaxConnections)
	assert.True(t, snap.IsActive)
	assert.Equal(t, StatusHealthy, snap.HealthStatus)
	assert.Equal(t, circuitbreaker.StateClosed, snap.CircuitState)

	_, err = svc.AddServer(ctx, config.ServerSpec{ID: "generated", Name: "dup", Address: "x:1"})
	assert.ErrorIs(t, err, util.ErrAlreadyExists)

	_, err = svc.AddServer(ctx, config.ServerSpec{Name: "", Address: ""})
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	require.Eventually(t, func() bool {
		_, ok := obs.find(NotifyServerAdded, "generated")
		return ok
	}, time.Second, 5*time.Millisecond)
	n, _ := obs.find(NotifyServerAdded, "generated")
	assert.Equal(t, "ops", n.Actor)
	assert.Equal(t, "10.0.0.1:80", n.Details["address"])
}

func TestUpdateServer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)

	addr := "a:8080"
	weight := 4
	snap, err := svc.UpdateServer(ctx, "a", ServerUpdate{Address: &addr, Weight: &weight})
	require.NoError(t, err)
	assert.Equal(t, "a:8080", snap.Address)
	assert.Equal(t, 4, snap.Weight)

	zero := 0
	_, err = svc.UpdateServer(ctx, "a", ServerUpdate{Weight: &zero})
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	huge := config.MaxWeight + 1
	_, err = svc.UpdateServer(ctx, "a", ServerUpdate{Weight: &huge})
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	_, err = svc.AddServer(ctx, config.ServerSpec{Name: "heavy", Address: "h:1", Weight: huge})
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	require.NoError(t, svc.Acquire(ctx, "a"))
	require.NoError(t, svc.Acquire(ctx, "a"))
	one := 1
	_, err = svc.UpdateServer(ctx, "a", ServerUpdate{MaxConnections: &one})
	assert.ErrorIs(t, err, util.ErrInvalidInput)

	_, err = svc.UpdateServer(ctx, "missing", ServerUpdate{Weight: &weight})
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestRemoveServer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)
	mustAdd(t, svc, "b", 1)

	require.NoError(t, svc.RemoveServer(ctx, "a"))
	assert.ErrorIs(t, svc.RemoveServer(ctx, "a"), util.ErrNotFound)

	_, err := svc.GetServer(ctx, "a")
	assert.ErrorIs(t, err, util.ErrNotFound)
	assert.ErrorIs(t, svc.Acquire(ctx, "a"), util.ErrNotFound)
	assert.ErrorIs(t, svc.ReportFailure(ctx, "a", "x"), util.ErrNotFound)

	seen := pickN(t, svc, 3)
	assert.Equal(t, map[string]int{"b": 3}, seen)

	list := svc.ListServers(ctx)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].ID)
}

func TestAttemptRecovery(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, probe, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)
	obs := &recordingObserver{}
	svc.Notifier().Subscribe(obs)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.ReportFailure(ctx, "a", "boom"))
	}

	probe.setFailing("a:80", errProbeDown)
	ok, err := svc.AttemptRecovery(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	snap, _ := svc.GetServer(ctx, "a")
	assert.Equal(t, circuitbreaker.StateOpen, snap.CircuitState)

	probe.setFailing("a:80", nil)
	ok, err = svc.AttemptRecovery(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	snap, _ = svc.GetServer(ctx, "a")
	assert.Equal(t, circuitbreaker.StateHalfOpen, snap.CircuitState)
	assert.Equal(t, StatusHealthy, snap.HealthStatus)

	_, err = svc.NextServer(ctx)
	require.NoError(t, err)

	_, err = svc.AttemptRecovery(ctx, "missing")
	assert.ErrorIs(t, err, util.ErrNotFound)

	require.Eventually(t, func() bool {
		_, ok := obs.find(NotifyRecoveryAttempted, "a")
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestCheckServer_ProbeTimeout(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	hang := ProbeFunc(func(_ context.Context, _ string, _ time.Duration) (time.Duration, error) {
		<-block
		return 0, nil
	})

	settings := testSettings()
	settings.HealthCheckTimeout = config.Duration(20 * time.Millisecond)
	svc, err := NewService(settings, hang)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	mustAdd(t, svc, "a", 1)

	snap, err := svc.CheckServer(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, snap.HealthStatus)
	assert.Contains(t, snap.LastError, "timed out")
	require.NotNil(t, snap.LastHealthCheckAt)
}

func TestCheckServer_CancelledCallerIsNotAFailure(t *testing.T) {
	t.Parallel()

	wait := ProbeFunc(func(ctx context.Context, _ string, _ time.Duration) (time.Duration, error) {
		<-ctx.Done()
		return 0, ctx.Err()
	})
	svc, err := NewService(testSettings(), wait)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	mustAdd(t, svc, "a", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	snap, err := svc.CheckServer(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusHealthy, snap.HealthStatus)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Empty(t, snap.LastError)
	assert.Nil(t, snap.LastHealthCheckAt)
}

type countingRecorder struct {
	nopRecorder
	mu     sync.Mutex
	probes map[string]int
	status map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{probes: map[string]int{}, status: map[string]int{}}
}

func (r *countingRecorder) ProbeResult(id string, _ time.Duration, _ error) {
	r.mu.Lock()
	r.probes[id]++
	r.mu.Unlock()
}

func (r *countingRecorder) ServerStatus(id string, _ HealthStatus) {
	r.mu.Lock()
	r.status[id]++
	r.mu.Unlock()
}

func (r *countingRecorder) counts(id string) (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.probes[id], r.status[id]
}

func TestApplyProbeResult_IgnoresRemovedServer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	rec := newCountingRecorder()
	svc, err := NewService(testSettings(), newFakeProbe(), WithRecorder(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	obs := &recordingObserver{}
	svc.Notifier().Subscribe(obs)

	mustAdd(t, svc, "a", 1)
	e, ok := svc.registry.get("a")
	require.True(t, ok)
	require.NoError(t, svc.RemoveServer(ctx, "a"))
	probes, statuses := rec.counts("a")

	for i := 0; i < svc.Config().FailureThreshold+1; i++ {
		svc.applyProbeResult(ctx, e, 0, errProbeDown)
	}

	gotProbes, gotStatuses := rec.counts("a")
	assert.Equal(t, probes, gotProbes)
	assert.Equal(t, statuses, gotStatuses)

	mustAdd(t, svc, "b", 1)
	require.Eventually(t, func() bool {
		_, ok := obs.find(NotifyServerAdded, "b")
		return ok
	}, time.Second, 5*time.Millisecond)
	_, changed := obs.find(NotifyStatusChanged, "a")
	assert.False(t, changed)
}

type fakeSource struct {
	mu    sync.Mutex
	specs []config.ServerSpec
	err   error
	calls int
}

func (s *fakeSource) ListServers(context.Context) ([]config.ServerSpec, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.specs, s.err
}

func TestInitialize_LoadsSourceAndSweeps(t *testing.T) {
	t.Parallel()

	src := &fakeSource{specs: []config.ServerSpec{
		{Name: "a", Address: "a:80"},
		{ID: "b-id", Name: "b", Address: "b:80", Weight: 2},
	}}
	probe := newFakeProbe()
	svc, err := NewService(testSettings(), probe, WithSource(src))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	require.NoError(t, svc.Initialize(context.Background()))
	require.NoError(t, svc.Initialize(context.Background()))
	assert.True(t, svc.Started())
	assert.Equal(t, 1, src.calls)

	list := svc.ListServers(context.Background())
	require.Len(t, list, 2)
	assert.Equal(t, "a", list[0].ID)
	assert.Equal(t, "b-id", list[1].ID)
	for _, s := range list {
		assert.NotNil(t, s.LastHealthCheckAt, "server %s not probed", s.ID)
	}
	assert.Equal(t, 1, probe.callCount("a:80"))
	assert.Equal(t, 2, svc.EligibleCount())
}

func TestInitialize_SourceError(t *testing.T) {
	t.Parallel()

	src := &fakeSource{err: util.ErrSourceUnavailable}
	svc, err := NewService(testSettings(), newFakeProbe(), WithSource(src))
	require.NoError(t, err)

	err = svc.Initialize(context.Background())
	assert.ErrorIs(t, err, util.ErrSourceUnavailable)
	assert.False(t, svc.Started())
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t)
	require.NoError(t, svc.Initialize(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))
	require.NoError(t, svc.Shutdown(context.Background()))
	assert.False(t, svc.Started())
	assert.Error(t, svc.Initialize(context.Background()))
}

func TestMonitor_AdoptsNewInterval(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, probe, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)
	require.NoError(t, svc.Initialize(ctx))
	assert.Equal(t, 1, probe.callCount("a:80"))

	interval := 10 * time.Millisecond
	_, err := svc.UpdateConfig(ctx, config.PoolSettingsPatch{HealthCheckInterval: &interval})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return probe.callCount("a:80") >= 3
	}, 2*time.Second, 5*time.Millisecond)
}

func TestReconcile(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)

	res, err := svc.Reconcile(ctx, []config.ServerSpec{
		{Name: "a", Address: "a:80"},
		{Name: "b", Address: "b:80"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, res.Added)

	mustAdd(t, svc, "api", 1)

	res, err = svc.Reconcile(ctx, []config.ServerSpec{
		{Name: "a", Address: "a:80", Weight: 5},
		{Name: "d", Address: "d:80"},
		{Name: "api", Address: "elsewhere:80"},
		{Name: "", Address: "bad"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, util.ErrInvalidInput)
	assert.Equal(t, []string{"d"}, res.Added)
	assert.Equal(t, []string{"a"}, res.Updated)
	assert.Equal(t, []string{"b"}, res.Removed)

	a, err := svc.GetServer(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 5, a.Weight)

	api, err := svc.GetServer(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, "api:80", api.Address)

	_, err = svc.GetServer(ctx, "b")
	assert.ErrorIs(t, err, util.ErrNotFound)
}

func TestReconcile_KeepsAdminChangesUntilSourceChanges(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	specs := []config.ServerSpec{
		{Name: "a", Address: "a:80"},
		{Name: "b", Address: "b:80"},
	}

	_, err := svc.Reconcile(ctx, specs)
	require.NoError(t, err)

	_, err = svc.SetActive(ctx, "a", false)
	require.NoError(t, err)
	_, err = svc.SetWeight(ctx, "b", 7)
	require.NoError(t, err)

	res, err := svc.Reconcile(ctx, specs)
	require.NoError(t, err)
	assert.Empty(t, res.Updated)

	a, _ := svc.GetServer(ctx, "a")
	assert.False(t, a.IsActive)
	b, _ := svc.GetServer(ctx, "b")
	assert.Equal(t, 7, b.Weight)

	res, err = svc.Reconcile(ctx, []config.ServerSpec{
		{Name: "a", Address: "a:8080"},
		{Name: "b", Address: "b:80", Weight: 3},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, res.Updated)

	a, _ = svc.GetServer(ctx, "a")
	assert.Equal(t, "a:8080", a.Address)
	assert.False(t, a.IsActive)
	b, _ = svc.GetServer(ctx, "b")
	assert.Equal(t, 3, b.Weight)
}

func TestExecute_RetriesOnAnotherServer(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)
	mustAdd(t, svc, "b", 1)

	var visited []string
	err := svc.Execute(ctx, "", func(_ context.Context, s ServerSnapshot) error {
		visited = append(visited, s.ID)
		if s.ID == "a" {
			return errors.New("reset by peer")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, visited)

	a, _ := svc.GetServer(ctx, "a")
	b, _ := svc.GetServer(ctx, "b")
	assert.Equal(t, int64(1), a.FailedRequests)
	assert.Equal(t, int64(1), b.SuccessfulRequests)
	assert.Equal(t, 0, a.CurrentConnections)
	assert.Equal(t, 0, b.CurrentConnections)
}

func TestExecute_HoldsSlotDuringWork(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)

	err := svc.Execute(ctx, "", func(ctx context.Context, s ServerSnapshot) error {
		held, err := svc.GetServer(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, held.CurrentConnections)
		return nil
	})
	require.NoError(t, err)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t, func(p *config.PoolSettings) { p.FailureThreshold = 10 })
	mustAdd(t, svc, "a", 1)

	boom := errors.New("boom")
	attempts := 0
	err := svc.Execute(ctx, "", func(context.Context, ServerSnapshot) error {
		attempts++
		return boom
	})
	assert.ErrorIs(t, err, util.ErrRetriesExhausted)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, attempts)
}

func TestExecute_ClientErrorNotRetried(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)

	attempts := 0
	err := svc.Execute(ctx, "", func(context.Context, ServerSnapshot) error {
		attempts++
		return util.NewValidationError("bad payload")
	})
	assert.ErrorIs(t, err, util.ErrInvalidInput)
	assert.NotErrorIs(t, err, util.ErrRetriesExhausted)
	assert.Equal(t, 1, attempts)
}

func TestCircuitChange_Notified(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	svc, _, _ := newTestService(t)
	mustAdd(t, svc, "a", 1)
	obs := &recordingObserver{}
	svc.Notifier().Subscribe(obs)

	for i := 0; i < 3; i++ {
		require.NoError(t, svc.ReportFailure(ctx, "a", "boom"))
	}

	require.Eventually(t, func() bool {
		_, ok := obs.find(NotifyCircuitStateChanged, "a")
		return ok
	}, time.Second, 5*time.Millisecond)
	n, _ := obs.find(NotifyCircuitStateChanged, "a")
	assert.Equal(t, breakerActor, n.Actor)
	assert.Equal(t, "closed", n.Details["from"])
	assert.Equal(t, "open", n.Details["to"])

	snap, _ := svc.GetServer(ctx, "a")
	kinds := make([]EventKind, 0, len(snap.RecentEvents))
	for _, ev := range snap.RecentEvents {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, EventCircuitChanged)
}
