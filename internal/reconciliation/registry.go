package reconciliation

import (
	"sort"
	"sync"
	"time"
)

// InFlight describes one outstanding settlement attempt.
type InFlight struct {
	EscrowID string    `json:"escrowId"`
	Since    time.Time `json:"since"`
}

// Registry is the set of escrow ids with an outstanding settlement attempt.
// An id is present from just before its task starts until the task ends.
type Registry struct {
	mu  sync.Mutex
	ids map[string]time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{ids: make(map[string]time.Time)}
}

// TryAcquire inserts id and reports whether it was absent. Only the caller
// that gets true may start a task for id.
func (r *Registry) TryAcquire(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; ok {
		return false
	}
	r.ids[id] = time.Now()
	inFlightGauge.Set(float64(len(r.ids)))
	return true
}

// Release removes id and reports whether it was present.
func (r *Registry) Release(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ids[id]; !ok {
		return false
	}
	delete(r.ids, id)
	inFlightGauge.Set(float64(len(r.ids)))
	return true
}

// Contains reports whether id has an outstanding attempt.
func (r *Registry) Contains(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.ids[id]
	return ok
}

// Len returns the number of outstanding attempts.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ids)
}

// Snapshot returns the outstanding attempts, oldest first.
func (r *Registry) Snapshot() []InFlight {
	r.mu.Lock()
	out := make([]InFlight, 0, len(r.ids))
	for id, since := range r.ids {
		out = append(out, InFlight{EscrowID: id, Since: since})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Since.Equal(out[j].Since) {
			return out[i].EscrowID < out[j].EscrowID
		}
		return out[i].Since.Before(out[j].Since)
	})
	return out
}
