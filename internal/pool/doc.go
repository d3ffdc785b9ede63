// Package pool maintains the live set of backend servers and decides
// which one receives the next unit of work.
//
// The Service is the only entry point. It owns a registry of servers, a
// balancer implementing the selection strategies (round_robin,
// least_connections, least_failures, weighted_round_robin, random and
// consistent_hash), a per-server circuit breaker and a background health
// monitor that probes every server on a fixed interval.
//
// A server is eligible for selection when it is active, not unhealthy,
// below its connection limit and its breaker is not open.
//
// Every mutation publishes a Notification through the Service's Notifier.
// Delivery is asynchronous and never blocks the caller; a slow observer
// loses notifications rather than stalling the pool.
//
// Lock ordering: registry lock, then entry lock. Breaker methods are never
// called with an entry lock held.
package pool
