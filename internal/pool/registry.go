package pool

import (
	"sync"

	"github.com/vyrodovalexey/avapool/internal/util"
)

// registry is the in-memory map of server id to entry. It preserves
// registration order, which strategies use to break ties.
type registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   []*entry
}

func newRegistry() *registry {
	return &registry{
		entries: make(map[string]*entry),
	}
}

// add registers e. A duplicate id is rejected and the registry is left
// unchanged.
func (r *registry) add(e *entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.id]; exists {
		return util.NewServerExistsError(e.id)
	}
	r.entries[e.id] = e
	r.order = append(r.order, e)
	return nil
}

// remove unregisters id and marks the entry removed so that a selection
// racing with the removal never returns it.
func (r *registry) remove(id string) (*entry, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
		for i, o := range r.order {
			if o == e {
				r.order = append(r.order[:i:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		e.markRemoved()
	}
	return e, ok
}

func (r *registry) get(id string) (*entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	return e, ok
}

// list returns the entries in registration order.
func (r *registry) list() []*entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*entry, len(r.order))
	copy(out, r.order)
	return out
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
