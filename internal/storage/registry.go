package storage

import (
	"sort"
	"sync"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// Entry binds a backend adapter to its static placement attributes.
type Entry struct {
	Adapter       types.BackendAdapter
	CapacityBytes int64
	Priority      int
}

// Registry is the set of configured storage backends. Registration happens
// at startup; lookups are concurrent and cheap.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.BackendID]Entry
}

// NewRegistry creates an empty backend registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[types.BackendID]Entry)}
}

// Register adds a backend. Registering the same id twice is a
// configuration error.
func (r *Registry) Register(id types.BackendID, entry Entry) error {
	if id == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "backend id must not be empty")
	}
	if entry.Adapter == nil {
		return errors.Newf(errors.ErrCodeInvalidConfig, "backend %s has no adapter", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[id]; exists {
		return errors.Newf(errors.ErrCodeInvalidConfig, "backend %s registered twice", id)
	}
	r.entries[id] = entry
	return nil
}

// Get returns the adapter for the backend id.
func (r *Registry) Get(id types.BackendID) (types.BackendAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeBackendUnknown, "no backend registered as %s", id)
	}
	return entry.Adapter, nil
}

// Entry returns the full registration for the backend id.
func (r *Registry) Entry(id types.BackendID) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[id]
	return entry, ok
}

// IDs returns all registered backend ids in sorted order.
func (r *Registry) IDs() []types.BackendID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]types.BackendID, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Len returns the number of registered backends.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
