// Package probe provides the health probe adapters used by the pool's
// health monitor: a TCP dial, an HTTP GET and a gRPC health check.
package probe
