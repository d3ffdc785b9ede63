// Package health serves the daemon's liveness and readiness endpoints.
//
// Liveness only reports that the process answers. Readiness runs the
// registered checks concurrently: a failing critical check makes the
// daemon not ready (503), a failing non-critical check marks it
// degraded but still ready. PoolCheck is the critical check: the pool
// is ready once it is initialized and has at least one eligible server.
package health
