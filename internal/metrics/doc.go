// Package metrics exposes pool and admin API measurements as Prometheus
// collectors on a dedicated registry.
//
// Metrics implements pool.Recorder, so the pool reports health, breaker
// state, connections, probe outcomes and selections without importing
// Prometheus:
//
//	m := metrics.New()
//	svc, err := pool.NewService(settings, probe, pool.WithRecorder(m))
//
// Handler serves the registry in the Prometheus exposition format.
package metrics
