package daemon

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/config"
	"github.com/pinstack/pinstack/internal/wal"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

func testConfig(dataDir string, backends ...config.BackendConfig) *config.Configuration {
	cfg := config.NewDefault()
	cfg.DataDir = dataDir
	cfg.WAL.Dir = filepath.Join(dataDir, "wal")
	cfg.Index.Dir = filepath.Join(dataDir, "index")
	cfg.Cache.OverflowDir = filepath.Join(dataDir, "cache")
	cfg.Metrics.Enabled = false
	cfg.Backends = backends
	return cfg
}

func memBackends(ids ...string) []config.BackendConfig {
	var out []config.BackendConfig
	for i, id := range ids {
		out = append(out, config.BackendConfig{
			ID:            id,
			Type:          "memory",
			CapacityBytes: 1 << 30,
			Priority:      i + 1,
		})
	}
	return out
}

func startCore(t *testing.T, cfg *config.Configuration) *Core {
	t.Helper()
	core, err := New(context.Background(), cfg, zap.NewNop())
	if err != nil {
		t.Fatalf("new core: %v", err)
	}
	if err := core.Start(context.Background()); err != nil {
		t.Fatalf("start core: %v", err)
	}
	return core
}

func TestPinFetchRoundTrip(t *testing.T) {
	cfg := testConfig(t.TempDir(), memBackends("backend-a", "backend-b")...)
	core := startCore(t, cfg)
	defer core.Stop()

	ctx := context.Background()
	payload := []byte("pinned content")
	if err := core.Pin(ctx, "bafy-1", payload); err != nil {
		t.Fatalf("pin: %v", err)
	}

	got, err := core.Fetch(ctx, "bafy-1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("fetch = %q, want %q", got, payload)
	}

	rec, err := core.GetPin("bafy-1")
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if rec.SizeBytes != int64(len(payload)) {
		t.Errorf("size = %d, want %d", rec.SizeBytes, len(payload))
	}
	if core.PinCount() != 1 {
		t.Errorf("pin count = %d", core.PinCount())
	}
}

func TestStartTwiceFails(t *testing.T) {
	cfg := testConfig(t.TempDir(), memBackends("backend-a")...)
	core := startCore(t, cfg)
	defer core.Stop()

	err := core.Start(context.Background())
	if !errors.IsCode(err, errors.ErrCodeAlreadyStarted) {
		t.Fatalf("second start error = %v", err)
	}
}

func TestCycleReplicatesPinnedContent(t *testing.T) {
	cfg := testConfig(t.TempDir(), memBackends("backend-a", "backend-b")...)
	core := startCore(t, cfg)
	defer core.Stop()

	ctx := context.Background()
	if err := core.Pin(ctx, "bafy-1", []byte("replicate me")); err != nil {
		t.Fatalf("pin: %v", err)
	}

	stats, err := core.TriggerCycle(ctx)
	if err != nil {
		t.Fatalf("cycle: %v", err)
	}
	if stats.Replicated != 2 {
		t.Errorf("replicated = %d, want 2", stats.Replicated)
	}

	rec, err := core.GetPin("bafy-1")
	if err != nil {
		t.Fatalf("get pin: %v", err)
	}
	if rec.PresentCount() != 2 {
		t.Errorf("present = %d, want 2", rec.PresentCount())
	}

	status := core.ReplicationStatus()
	if status.Satisfied != 1 || status.Total != 1 {
		t.Errorf("status = %+v", status)
	}
}

func TestUnpinRemovesRow(t *testing.T) {
	cfg := testConfig(t.TempDir(), memBackends("backend-a", "backend-b")...)
	core := startCore(t, cfg)
	defer core.Stop()

	ctx := context.Background()
	if err := core.Pin(ctx, "bafy-1", []byte("short-lived")); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if _, err := core.TriggerCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	if err := core.Unpin(ctx, "bafy-1"); err != nil {
		t.Fatalf("unpin: %v", err)
	}
	if _, err := core.GetPin("bafy-1"); !errors.IsCode(err, errors.ErrCodePinNotFound) {
		t.Fatalf("get after unpin = %v", err)
	}
	if _, err := core.Fetch(ctx, "bafy-1"); !errors.IsCode(err, errors.ErrCodePinNotFound) {
		t.Fatalf("fetch after unpin = %v", err)
	}

	if err := core.Unpin(ctx, "bafy-1"); !errors.IsCode(err, errors.ErrCodePinNotFound) {
		t.Fatalf("double unpin = %v", err)
	}
}

func TestRecoveryReplaysLog(t *testing.T) {
	dataDir := t.TempDir()
	cfg := testConfig(dataDir, memBackends("backend-a")...)

	// Seed a log the way a crashed node would leave it: acknowledged
	// records, no checkpoint.
	log, err := wal.Open(wal.Config{Dir: cfg.WAL.Dir})
	if err != nil {
		t.Fatalf("open wal: %v", err)
	}
	if _, err := log.Append(wal.OpPinAdd, "bafy-1", "", wal.SizePayload(42)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := log.Append(wal.OpReplicaAdd, "bafy-1", "backend-a", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := log.Append(wal.OpPinAdd, "bafy-2", "", wal.SizePayload(7)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := log.Append(wal.OpPinRemove, "bafy-2", "", nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := log.Close(); err != nil {
		t.Fatalf("close wal: %v", err)
	}

	core := startCore(t, cfg)
	defer core.Stop()

	rec, err := core.GetPin("bafy-1")
	if err != nil {
		t.Fatalf("get replayed pin: %v", err)
	}
	if rec.SizeBytes != 42 || !rec.HasBackend("backend-a") {
		t.Errorf("replayed record = %+v", rec)
	}
	if _, err := core.GetPin("bafy-2"); !errors.IsCode(err, errors.ErrCodePinNotFound) {
		t.Fatalf("removed pin after replay = %v", err)
	}
	if core.PinCount() != 1 {
		t.Errorf("pin count = %d", core.PinCount())
	}
}

func TestRestartPreservesState(t *testing.T) {
	dataDir := t.TempDir()
	backendDir := filepath.Join(dataDir, "backend-a")
	cfg := testConfig(dataDir, config.BackendConfig{
		ID:            "backend-a",
		Type:          "local",
		Path:          backendDir,
		CapacityBytes: 1 << 30,
		Priority:      1,
	})
	cfg.Replication.Policy = types.ReplicationPolicy{
		Version:        1,
		MinReplicas:    1,
		TargetReplicas: 1,
		MaxReplicas:    1,
		Strategy:       types.StrategyBalanced,
	}

	ctx := context.Background()
	payload := []byte("survives restart")

	core := startCore(t, cfg)
	if err := core.Pin(ctx, "bafy-1", payload); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if _, err := core.TriggerCycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	core.Stop()

	core = startCore(t, cfg)
	defer core.Stop()

	rec, err := core.GetPin("bafy-1")
	if err != nil {
		t.Fatalf("get pin after restart: %v", err)
	}
	if rec.PresentCount() != 1 {
		t.Errorf("present after restart = %d", rec.PresentCount())
	}

	got, err := core.Fetch(ctx, "bafy-1")
	if err != nil {
		t.Fatalf("fetch after restart: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("fetch = %q, want %q", got, payload)
	}
}

func TestPolicyUpdateVersioning(t *testing.T) {
	cfg := testConfig(t.TempDir(), memBackends("backend-a")...)
	core := startCore(t, cfg)
	defer core.Stop()

	next := cfg.Replication.Policy
	next.Version = 2
	next.TargetReplicas = 3
	next.MaxReplicas = 3
	if err := core.UpdatePolicy(next); err != nil {
		t.Fatalf("update: %v", err)
	}

	stale := next
	stale.Version = 1
	if err := core.UpdatePolicy(stale); !errors.IsCode(err, errors.ErrCodeInvalidConfig) {
		t.Fatalf("stale policy error = %v", err)
	}
}

func TestSnapshotTransfersPins(t *testing.T) {
	ctx := context.Background()

	source := startCore(t, testConfig(t.TempDir(), memBackends("backend-a")...))
	defer source.Stop()
	if err := source.Pin(ctx, "bafy-1", []byte("one")); err != nil {
		t.Fatalf("pin: %v", err)
	}
	if err := source.Pin(ctx, "bafy-2", []byte("two")); err != nil {
		t.Fatalf("pin: %v", err)
	}

	var buf bytes.Buffer
	if err := source.ExportSnapshot(&buf, ""); err != nil {
		t.Fatalf("export: %v", err)
	}

	target := startCore(t, testConfig(t.TempDir(), memBackends("backend-a")...))
	defer target.Stop()
	imported, err := target.ImportSnapshot(ctx, &buf, "")
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if imported != 2 {
		t.Errorf("imported = %d, want 2", imported)
	}
	if target.PinCount() != 2 {
		t.Errorf("target pin count = %d", target.PinCount())
	}
}
