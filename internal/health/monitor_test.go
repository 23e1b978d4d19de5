package health

import (
	"context"
	"testing"
	"time"

	"github.com/pinstack/pinstack/internal/storage"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

func newTestRegistry(t *testing.T) (*storage.Registry, *storage.MemoryBackend, *storage.MemoryBackend) {
	t.Helper()
	r := storage.NewRegistry()
	a := storage.NewMemoryBackend()
	b := storage.NewMemoryBackend()
	if err := r.Register("backend-a", storage.Entry{Adapter: a, CapacityBytes: 1000, Priority: 1}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("backend-b", storage.Entry{Adapter: b, CapacityBytes: 2000, Priority: 2}); err != nil {
		t.Fatal(err)
	}
	return r, a, b
}

func TestSnapshotSeedsFromRegistry(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	m, err := NewMonitor(Config{Registry: r})
	if err != nil {
		t.Fatalf("NewMonitor: %v", err)
	}

	snap := m.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("snapshot size = %d, want 2", len(snap))
	}
	d := snap["backend-a"]
	if d.CapacityBytes != 1000 || d.Priority != 1 || d.Health != types.HealthHealthy {
		t.Errorf("descriptor = %+v", d)
	}

	// Snapshots are copies; mutating one never reaches the monitor.
	d.UsedBytes = 999
	if fresh, _ := m.Describe("backend-a"); fresh.UsedBytes != 0 {
		t.Error("snapshot mutation leaked into monitor")
	}
}

func TestProbeDetectsUnreachable(t *testing.T) {
	r, a, _ := newTestRegistry(t)

	var unreachable []types.BackendID
	m, err := NewMonitor(Config{
		Registry:      r,
		OnUnreachable: func(id types.BackendID) { unreachable = append(unreachable, id) },
	})
	if err != nil {
		t.Fatal(err)
	}

	a.FailWith(errors.New(errors.ErrCodeBackendFault, "down"))
	m.ProbeAll(context.Background())

	d, _ := m.Describe("backend-a")
	if d.Health != types.HealthUnreachable {
		t.Errorf("health = %s, want unreachable", d.Health)
	}
	if d.LastChecked.IsZero() {
		t.Error("last checked not recorded")
	}
	if len(unreachable) != 1 || unreachable[0] != "backend-a" {
		t.Errorf("unreachable callbacks = %v", unreachable)
	}

	// Still unreachable: the callback fires only on the transition.
	m.ProbeAll(context.Background())
	if len(unreachable) != 1 {
		t.Errorf("callback fired again without a transition: %v", unreachable)
	}

	// Recovery flips health back without a callback.
	a.FailWith(nil)
	m.ProbeAll(context.Background())
	d, _ = m.Describe("backend-a")
	if d.Health != types.HealthHealthy {
		t.Errorf("health after recovery = %s", d.Health)
	}
	if len(unreachable) != 1 {
		t.Errorf("recovery fired the unreachable callback")
	}
}

func TestRecordUsage(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	m, err := NewMonitor(Config{Registry: r})
	if err != nil {
		t.Fatal(err)
	}

	m.RecordUsage("backend-a", 600)
	d, _ := m.Describe("backend-a")
	if d.UsedBytes != 600 || d.RemainingBytes() != 400 {
		t.Errorf("used = %d remaining = %d", d.UsedBytes, d.RemainingBytes())
	}

	m.RecordUsage("backend-a", -1000)
	d, _ = m.Describe("backend-a")
	if d.UsedBytes != 0 {
		t.Errorf("used went negative: %d", d.UsedBytes)
	}

	// Unknown backends are ignored.
	m.RecordUsage("ghost", 5)
}

func TestStartStop(t *testing.T) {
	r, a, _ := newTestRegistry(t)
	m, err := NewMonitor(Config{Registry: r, ProbeInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := m.Start(context.Background()); !errors.IsCode(err, errors.ErrCodeAlreadyStarted) {
		t.Errorf("second start: %v", err)
	}

	a.FailWith(errors.New(errors.ErrCodeBackendFault, "down"))
	deadline := time.Now().Add(time.Second)
	for {
		if d, _ := m.Describe("backend-a"); d.Health == types.HealthUnreachable {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("probe loop never observed the failure")
		}
		time.Sleep(2 * time.Millisecond)
	}

	m.Stop()
	m.Stop()
}
