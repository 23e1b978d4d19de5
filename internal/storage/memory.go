package storage

import (
	"context"
	"sync"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// MemoryBackend is an in-process backend for tests and single-node setups.
// Failures and health states can be injected to exercise the coordinator's
// degraded paths.
type MemoryBackend struct {
	mu      sync.RWMutex
	objects map[types.ContentID][]byte
	health  types.BackendHealth
	failure error
}

// NewMemoryBackend creates an empty, healthy in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		objects: make(map[types.ContentID][]byte),
		health:  types.HealthHealthy,
	}
}

// FailWith makes every subsequent operation return err. Pass nil to heal.
func (m *MemoryBackend) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failure = err
}

// SetHealth overrides the reported health.
func (m *MemoryBackend) SetHealth(h types.BackendHealth) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = h
}

// Len returns the number of stored objects.
func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemoryBackend) Put(_ context.Context, id types.ContentID, payload []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	m.objects[id] = append([]byte(nil), payload...)
	return nil
}

func (m *MemoryBackend) Get(_ context.Context, id types.ContentID) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return nil, m.failure
	}
	payload, ok := m.objects[id]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeObjectNotFound, "object %s not found", id)
	}
	return append([]byte(nil), payload...), nil
}

func (m *MemoryBackend) Delete(_ context.Context, id types.ContentID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failure != nil {
		return m.failure
	}
	delete(m.objects, id)
	return nil
}

func (m *MemoryBackend) Stat(_ context.Context, id types.ContentID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return 0, m.failure
	}
	payload, ok := m.objects[id]
	if !ok {
		return 0, errors.Newf(errors.ErrCodeObjectNotFound, "object %s not found", id)
	}
	return int64(len(payload)), nil
}

func (m *MemoryBackend) Health(_ context.Context) types.BackendHealth {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failure != nil {
		return types.HealthUnreachable
	}
	return m.health
}
