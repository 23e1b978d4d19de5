package storage

import (
	"context"
	"sync"
	"time"

	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// BreakerState represents the circuit breaker state
type BreakerState int

const (
	// BreakerClosed - requests pass through
	BreakerClosed BreakerState = iota
	// BreakerOpen - requests are rejected without touching the backend
	BreakerOpen
	// BreakerHalfOpen - a probe request is allowed to test recovery
	BreakerHalfOpen
)

// String returns string representation of the state
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig contains circuit breaker configuration
type BreakerConfig struct {
	// Consecutive failures in the closed state that trip the breaker.
	TripThreshold uint32 `yaml:"trip_threshold"`

	// Period of the open state before a probe is allowed.
	Cooldown time.Duration `yaml:"cooldown"`

	// Function called when the state changes.
	OnStateChange func(id types.BackendID, from, to BreakerState) `yaml:"-"`
}

// BreakerBackend wraps a backend adapter with a circuit breaker. A backend
// that keeps failing is cut off for the cooldown period so replication
// cycles fail fast instead of stacking timeouts. Lookups that answer
// "object not found" are successes; the backend responded.
type BreakerBackend struct {
	id    types.BackendID
	inner types.BackendAdapter
	cfg   BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	consecutive   uint32
	openedAt      time.Time
	probeInFlight bool
}

// NewBreakerBackend wraps inner with a circuit breaker.
func NewBreakerBackend(id types.BackendID, inner types.BackendAdapter, cfg BreakerConfig) *BreakerBackend {
	if cfg.TripThreshold == 0 {
		cfg.TripThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &BreakerBackend{id: id, inner: inner, cfg: cfg}
}

func (b *BreakerBackend) Put(ctx context.Context, id types.ContentID, payload []byte) error {
	if err := b.before(); err != nil {
		return err
	}
	err := b.inner.Put(ctx, id, payload)
	b.after(err)
	return err
}

func (b *BreakerBackend) Get(ctx context.Context, id types.ContentID) ([]byte, error) {
	if err := b.before(); err != nil {
		return nil, err
	}
	data, err := b.inner.Get(ctx, id)
	b.after(err)
	return data, err
}

func (b *BreakerBackend) Delete(ctx context.Context, id types.ContentID) error {
	if err := b.before(); err != nil {
		return err
	}
	err := b.inner.Delete(ctx, id)
	b.after(err)
	return err
}

func (b *BreakerBackend) Stat(ctx context.Context, id types.ContentID) (int64, error) {
	if err := b.before(); err != nil {
		return 0, err
	}
	size, err := b.inner.Stat(ctx, id)
	b.after(err)
	return size, err
}

// Health reports unreachable while the breaker is open, without probing
// the backend; half-open probes happen through normal operations.
func (b *BreakerBackend) Health(ctx context.Context) types.BackendHealth {
	b.mu.Lock()
	state := b.currentState(time.Now())
	b.mu.Unlock()

	if state == BreakerOpen {
		return types.HealthUnreachable
	}
	return b.inner.Health(ctx)
}

// State returns the current breaker state.
func (b *BreakerBackend) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

func (b *BreakerBackend) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState(time.Now()) {
	case BreakerOpen:
		return errors.Newf(errors.ErrCodeBreakerOpen, "backend %s circuit open", b.id).
			WithComponent("storage")
	case BreakerHalfOpen:
		if b.probeInFlight {
			return errors.Newf(errors.ErrCodeBreakerOpen, "backend %s probe in flight", b.id).
				WithComponent("storage")
		}
		b.probeInFlight = true
	}
	return nil
}

func (b *BreakerBackend) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)
	failed := err != nil && !errors.IsCode(err, errors.ErrCodeObjectNotFound)

	if state == BreakerHalfOpen {
		b.probeInFlight = false
		if failed {
			b.setState(BreakerOpen, now)
		} else {
			b.setState(BreakerClosed, now)
		}
		return
	}

	if failed {
		b.consecutive++
		if b.consecutive >= b.cfg.TripThreshold {
			b.setState(BreakerOpen, now)
		}
	} else {
		b.consecutive = 0
	}
}

func (b *BreakerBackend) currentState(now time.Time) BreakerState {
	if b.state == BreakerOpen && now.Sub(b.openedAt) >= b.cfg.Cooldown {
		b.setState(BreakerHalfOpen, now)
	}
	return b.state
}

func (b *BreakerBackend) setState(state BreakerState, now time.Time) {
	if b.state == state {
		return
	}
	prev := b.state
	b.state = state
	b.consecutive = 0
	b.probeInFlight = false
	if state == BreakerOpen {
		b.openedAt = now
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.id, prev, state)
	}
}
