package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/storage"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/logging"
	"github.com/pinstack/pinstack/pkg/types"
)

const defaultProbeInterval = 15 * time.Second

// Config represents health monitor configuration
type Config struct {
	ProbeInterval time.Duration `yaml:"probe_interval"`
	Registry      *storage.Registry
	Logger        *zap.Logger

	// OnUnreachable fires once per transition into the unreachable state.
	OnUnreachable func(types.BackendID) `yaml:"-"`
}

// Monitor owns the backend descriptors: static placement attributes seeded
// from the registry plus the latest health observation per backend. Every
// other component works from snapshots, never from the live descriptors.
type Monitor struct {
	mu          sync.RWMutex
	registry    *storage.Registry
	interval    time.Duration
	logger      *zap.Logger
	onUnreach   func(types.BackendID)
	descriptors map[types.BackendID]*types.BackendDescriptor

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewMonitor seeds descriptors from the registry. Backends start healthy
// and are corrected by the first probe.
func NewMonitor(cfg Config) (*Monitor, error) {
	if cfg.Registry == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "health monitor requires a registry")
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = defaultProbeInterval
	}

	m := &Monitor{
		registry:    cfg.Registry,
		interval:    cfg.ProbeInterval,
		logger:      logging.OrNop(cfg.Logger).Named("health"),
		onUnreach:   cfg.OnUnreachable,
		descriptors: make(map[types.BackendID]*types.BackendDescriptor),
	}
	for _, id := range cfg.Registry.IDs() {
		entry, _ := cfg.Registry.Entry(id)
		m.descriptors[id] = &types.BackendDescriptor{
			ID:            id,
			CapacityBytes: entry.CapacityBytes,
			Priority:      entry.Priority,
			Health:        types.HealthHealthy,
		}
	}
	return m, nil
}

// Start launches the periodic probe loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New(errors.ErrCodeAlreadyStarted, "health monitor already started")
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.loop(ctx)
	return nil
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	cancel()
	<-done
}

// ProbeAll checks every backend once, synchronously. The startup path uses
// this so the first replication cycle sees real health.
func (m *Monitor) ProbeAll(ctx context.Context) {
	for _, id := range m.registry.IDs() {
		m.probe(ctx, id)
	}
}

// Snapshot returns a copy of all descriptors.
func (m *Monitor) Snapshot() map[types.BackendID]types.BackendDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[types.BackendID]types.BackendDescriptor, len(m.descriptors))
	for id, d := range m.descriptors {
		out[id] = *d
	}
	return out
}

// Describe returns one backend's descriptor.
func (m *Monitor) Describe(id types.BackendID) (types.BackendDescriptor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[id]
	if !ok {
		return types.BackendDescriptor{}, false
	}
	return *d, true
}

// RecordUsage adjusts a backend's used byte counter after a replica is
// written or deleted.
func (m *Monitor) RecordUsage(id types.BackendID, deltaBytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.descriptors[id]
	if !ok {
		return
	}
	d.UsedBytes += deltaBytes
	if d.UsedBytes < 0 {
		d.UsedBytes = 0
	}
}

func (m *Monitor) loop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.ProbeAll(ctx)
		}
	}
}

func (m *Monitor) probe(ctx context.Context, id types.BackendID) {
	adapter, err := m.registry.Get(id)
	if err != nil {
		return
	}
	observed := adapter.Health(ctx)

	m.mu.Lock()
	d, ok := m.descriptors[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	previous := d.Health
	d.Health = observed
	d.LastChecked = time.Now()
	m.mu.Unlock()

	if previous != observed {
		m.logger.Warn("backend health changed",
			zap.String("backend", string(id)),
			zap.String("from", string(previous)),
			zap.String("to", string(observed)))
	}
	if observed == types.HealthUnreachable && previous != types.HealthUnreachable && m.onUnreach != nil {
		m.onUnreach(id)
	}
}
