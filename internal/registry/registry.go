// Package registry tracks which live connection cares about which slice
// of the event stream.
package registry

import (
	"sort"
	"sync"

	"kitsync/internal/entity"
	"kitsync/internal/eventlog"
)

// Registry maps connection ids to their filter sets. Lookups take a read
// lock only; nothing here is held across I/O, so slow consumers never
// block resolution for unrelated connections.
type Registry struct {
	mu      sync.RWMutex
	filters map[string][]eventlog.Filter
}

func New() *Registry {
	return &Registry{filters: make(map[string][]eventlog.Filter)}
}

// Register adds a filter to the connection's set. Only the connection's
// own read loop calls this, so no two writers race on one id.
func (r *Registry) Register(connID string, f eventlog.Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters[connID] = append(r.filters[connID], f)
}

// Unregister drops the connection and all its filters.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.filters, connID)
}

// Filters returns a copy of the connection's current filter set.
func (r *Registry) Filters(connID string) []eventlog.Filter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]eventlog.Filter(nil), r.filters[connID]...)
}

// Resolve returns the ids of every connection with at least one filter
// matching ev, sorted for deterministic fan-out.
func (r *Registry) Resolve(ev entity.MutationEvent) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, fs := range r.filters {
		for _, f := range fs {
			if f.Matches(ev) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

// Len reports the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.filters)
}
