package pool

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/vyrodovalexey/avapool/internal/circuitbreaker"
	"github.com/vyrodovalexey/avapool/internal/config"
)

// balancer selects one server from the eligible set. The round-robin
// counter is shared by round_robin, weighted_round_robin and the
// consistent_hash fallback for requests without a key.
type balancer struct {
	counter atomic.Uint64

	ringMu  sync.Mutex
	ring    *hashRing
	ringSig uint64
}

func newBalancer() *balancer {
	return &balancer{}
}

// eligible filters entries down to the servers that may receive work:
// active, not unhealthy, below capacity and with a breaker that is not
// open. Registration order is preserved.
func eligible(entries []*entry) []candidate {
	out := make([]candidate, 0, len(entries))
	for _, e := range entries {
		c, ok := e.eligibility()
		if !ok {
			continue
		}
		if e.breaker.State() == circuitbreaker.StateOpen {
			continue
		}
		out = append(out, c)
	}
	return out
}

// pick applies strategy to a non-empty candidate list.
func (b *balancer) pick(strategy config.Strategy, cands []candidate, key string, replicas int) *entry {
	switch len(cands) {
	case 0:
		return nil
	case 1:
		return cands[0].e
	}

	switch strategy {
	case config.StrategyLeastConnections:
		return leastBy(cands, func(c candidate) int { return c.current })
	case config.StrategyLeastFailures:
		return leastBy(cands, func(c candidate) int { return c.failures })
	case config.StrategyWeightedRoundRobin:
		return b.weightedRoundRobin(cands)
	case config.StrategyRandom:
		return cands[secureRandomInt(len(cands))].e
	case config.StrategyConsistentHash:
		if key == "" {
			return b.roundRobin(cands)
		}
		return b.consistentHash(cands, key, replicas)
	default:
		return b.roundRobin(cands)
	}
}

func (b *balancer) next() uint64 {
	return b.counter.Add(1) - 1
}

func (b *balancer) roundRobin(cands []candidate) *entry {
	return cands[b.next()%uint64(len(cands))].e
}

// weightedRoundRobin walks the counter over the cumulative weights, which
// selects each server weight times per cycle of sum(weights) calls, as if
// the list had been expanded.
func (b *balancer) weightedRoundRobin(cands []candidate) *entry {
	cumulative := make([]uint64, len(cands))
	var total uint64
	for i, c := range cands {
		total += uint64(c.weight) //nolint:gosec // weight is clamped to >= 1
		cumulative[i] = total
	}

	slot := b.next() % total
	i := sort.Search(len(cumulative), func(i int) bool { return cumulative[i] > slot })
	return cands[i].e
}

func (b *balancer) consistentHash(cands []candidate, key string, replicas int) *entry {
	sig := ringSignature(cands, replicas)

	b.ringMu.Lock()
	if b.ring == nil || b.ringSig != sig {
		b.ring = newHashRing(cands, replicas)
		b.ringSig = sig
	}
	owner := b.ring.lookup(key)
	b.ringMu.Unlock()

	for _, c := range cands {
		if c.e.id == owner {
			return c.e
		}
	}
	return b.roundRobin(cands)
}

// leastBy returns the candidate with the smallest metric. Ties go to the
// earliest registered server.
func leastBy(cands []candidate, metric func(candidate) int) *entry {
	best := cands[0]
	bestVal := metric(best)
	for _, c := range cands[1:] {
		if v := metric(c); v < bestVal {
			best, bestVal = c, v
		}
	}
	return best.e
}

// secureRandomInt returns a uniform int in [0, n) using crypto/rand.
func secureRandomInt(n int) int {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return int(binary.LittleEndian.Uint64(b[:]) % uint64(n)) //nolint:gosec // bounds checked
}
