package timer

import (
	"sort"
	"sync"
	"time"

	"thenmore/internal/store"
)

// Registry holds at most one Timer per entity
type Registry struct {
	mu     sync.RWMutex
	timers map[string]*Timer
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{timers: make(map[string]*Timer)}
}

// Get returns the timer for an entity
func (r *Registry) Get(entityID string) (*Timer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.timers[entityID]
	return t, ok
}

// Put stores t, replacing any timer for the same entity
func (r *Registry) Put(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.timers[t.EntityID] = t
}

// Remove deletes and returns the timer for an entity
func (r *Registry) Remove(entityID string) (*Timer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.timers[entityID]
	delete(r.timers, entityID)
	return t, ok
}

// All returns every timer sorted by entity ID
func (r *Registry) All() []*Timer {
	r.mu.RLock()
	all := make([]*Timer, 0, len(r.timers))
	for _, t := range r.timers {
		all = append(all, t)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].EntityID < all[j].EntityID })
	return all
}

// Len returns the number of timers
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.timers)
}

// Views returns the exported timer table keyed by entity ID
func (r *Registry) Views(now time.Time) map[string]View {
	views := make(map[string]View)
	for _, t := range r.All() {
		views[t.EntityID] = t.View(now)
	}
	return views
}

func (r *Registry) snapshot() []store.PersistedTimer {
	all := r.All()
	out := make([]store.PersistedTimer, 0, len(all))
	for _, t := range all {
		out = append(out, t.persisted())
	}
	return out
}
