package cache

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/wal"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// fakeLog stands in for the write-ahead log so tests can observe what got
// logged and inject durability failures.
type fakeLog struct {
	seq  uint64
	ops  []wal.OpKind
	fail bool
}

func (f *fakeLog) Append(op wal.OpKind, id types.ContentID, backend types.BackendID, payload []byte) (uint64, error) {
	if f.fail {
		return 0, errors.New(errors.ErrCodeDurabilityFault, "log unavailable")
	}
	f.seq++
	f.ops = append(f.ops, op)
	return f.seq, nil
}

func nopLogger() *zap.Logger { return zap.NewNop() }

func newTestCache(t *testing.T, hotEntries int, log IntentLog) *TieredCache {
	t.Helper()
	c, err := New(Config{
		MaxHotEntries: hotEntries,
		OverflowDir:   t.TempDir(),
		Log:           log,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return c
}

func TestPutGetRoundTrip(t *testing.T) {
	log := &fakeLog{}
	c := newTestCache(t, 8, log)
	defer func() { _ = c.Close() }()

	payload := []byte("block-bytes")
	if err := c.Put(context.Background(), "c1", payload); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, ok := c.Get("c1")
	if !ok || !bytes.Equal(got, payload) {
		t.Fatalf("get = %q, %v; want %q, true", got, ok, payload)
	}
	if len(log.ops) != 1 || log.ops[0] != wal.OpCacheWrite {
		t.Errorf("logged ops = %v, want [cache_write]", log.ops)
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 0 {
		t.Errorf("stats = %+v, want 1 hit 0 misses", stats)
	}
}

func TestLogFailureLeavesCacheUnchanged(t *testing.T) {
	log := &fakeLog{fail: true}
	c := newTestCache(t, 8, log)
	defer func() { _ = c.Close() }()

	err := c.Put(context.Background(), "c1", []byte("data"))
	if !errors.IsCode(err, errors.ErrCodeDurabilityFault) {
		t.Fatalf("expected DURABILITY_FAULT, got %v", err)
	}
	if _, ok := c.Get("c1"); ok {
		t.Error("entry visible despite failed log append")
	}
	if err := c.Invalidate(context.Background(), "c1"); !errors.IsCode(err, errors.ErrCodeDurabilityFault) {
		t.Fatalf("invalidate: expected DURABILITY_FAULT, got %v", err)
	}
}

func TestEvictionDemotesToDisk(t *testing.T) {
	c := newTestCache(t, 2, &fakeLog{})
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	for _, id := range []types.ContentID{"c1", "c2", "c3"} {
		if err := c.Put(ctx, id, []byte("payload-"+string(id))); err != nil {
			t.Fatalf("put %s: %v", id, err)
		}
	}

	stats := c.Stats()
	if stats.HotEntries != 2 {
		t.Errorf("hot entries = %d, want 2", stats.HotEntries)
	}
	if stats.Demotions != 1 || stats.DiskEntries != 1 {
		t.Errorf("demotions = %d disk entries = %d, want 1 and 1", stats.Demotions, stats.DiskEntries)
	}

	// The displaced entry is still served, now from disk, and promotes.
	got, ok := c.Get("c1")
	if !ok || string(got) != "payload-c1" {
		t.Fatalf("demoted entry lost: %q, %v", got, ok)
	}
	if c.Stats().Promotions != 1 {
		t.Errorf("promotions = %d, want 1", c.Stats().Promotions)
	}
	if tier, ok := c.Tier("c1"); !ok || tier == types.TierOnDisk {
		t.Errorf("promoted entry tier = %v, %v; want memory", tier, ok)
	}
}

func TestGhostHitAdaptsSplit(t *testing.T) {
	c := newTestCache(t, 2, &fakeLog{})
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	if err := c.Put(ctx, "a", []byte("A")); err != nil {
		t.Fatal(err)
	}
	if err := c.Put(ctx, "b", []byte("B")); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.Get("a"); !ok {
		t.Fatal("warm-up read missed")
	}
	// "b" is now the recency-side victim; inserting "c" ghosts it.
	if err := c.Put(ctx, "c", []byte("C")); err != nil {
		t.Fatal(err)
	}
	// Re-inserting "b" hits its ghost, which grows the recency side.
	if err := c.Put(ctx, "b", []byte("B2")); err != nil {
		t.Fatal(err)
	}

	stats := c.Stats()
	if stats.GhostHits != 1 {
		t.Errorf("ghost hits = %d, want 1", stats.GhostHits)
	}
	if got, ok := c.Get("b"); !ok || string(got) != "B2" {
		t.Errorf("re-inserted entry = %q, %v", got, ok)
	}
}

func TestOverflowDiscardLeavesGhost(t *testing.T) {
	c, err := New(Config{
		MaxHotEntries:    2,
		OverflowDir:      t.TempDir(),
		MaxOverflowBytes: 5,
		Log:              &fakeLog{},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	// Build a frequency-side resident so demotions ghost their victims,
	// then push enough entries through that the overflow tier discards
	// "b" after its ghost has already cycled out of the memory tier.
	if err := c.Put(ctx, "a", []byte("pa")); err != nil {
		t.Fatal(err)
	}
	c.Get("a")
	for _, id := range []types.ContentID{"b", "c", "d", "e"} {
		if err := c.Put(ctx, id, []byte("p"+string(id))); err != nil {
			t.Fatal(err)
		}
	}
	if _, ok := c.Tier("b"); ok {
		t.Fatal("discarded entry still resident somewhere")
	}

	// The discarded key must have returned to a ghost list: re-inserting
	// it is a ghost hit, not a cold insert.
	before := c.Stats().GhostHits
	if err := c.Put(ctx, "b", []byte("pb")); err != nil {
		t.Fatal(err)
	}
	if got := c.Stats().GhostHits; got != before+1 {
		t.Errorf("ghost hits = %d, want %d", got, before+1)
	}
}

func TestInvalidateRemovesAllTiers(t *testing.T) {
	log := &fakeLog{}
	c := newTestCache(t, 2, log)
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	for _, id := range []types.ContentID{"c1", "c2", "c3"} {
		if err := c.Put(ctx, id, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	// c1 was demoted; invalidating must reach the disk tier too.
	if err := c.Invalidate(ctx, "c1"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := c.Get("c1"); ok {
		t.Error("invalidated entry still served")
	}
	if _, ok := c.Tier("c1"); ok {
		t.Error("invalidated entry still has a tier")
	}
	if log.ops[len(log.ops)-1] != wal.OpCacheEvict {
		t.Errorf("last logged op = %v, want cache_evict", log.ops[len(log.ops)-1])
	}
}

func TestApplyPathsDoNotLog(t *testing.T) {
	log := &fakeLog{}
	c := newTestCache(t, 4, log)
	defer func() { _ = c.Close() }()

	c.ApplyWrite("c1", []byte("recovered"))
	c.ApplyEvict("c1")
	if len(log.ops) != 0 {
		t.Errorf("replay paths logged %v", log.ops)
	}
}

func TestTouchCallbackOnHits(t *testing.T) {
	var touched []types.ContentID
	c, err := New(Config{
		MaxHotEntries: 4,
		OverflowDir:   t.TempDir(),
		Log:           &fakeLog{},
		OnTouch:       func(id types.ContentID, _ time.Time) { touched = append(touched, id) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer func() { _ = c.Close() }()

	if err := c.Put(context.Background(), "c1", []byte("x")); err != nil {
		t.Fatal(err)
	}
	c.Get("c1")
	c.Get("missing")
	c.Get("c1")

	if len(touched) != 2 {
		t.Errorf("touched = %v, want two c1 touches", touched)
	}
}

func TestResidentSetNeverExceedsCapacity(t *testing.T) {
	c := newTestCache(t, 4, &fakeLog{})
	defer func() { _ = c.Close() }()
	ctx := context.Background()

	ids := []types.ContentID{"a", "b", "c", "d", "e", "f", "g", "h"}
	for round := 0; round < 3; round++ {
		for _, id := range ids {
			if err := c.Put(ctx, id, []byte("v")); err != nil {
				t.Fatal(err)
			}
			if n := c.Stats().HotEntries; n > 4 {
				t.Fatalf("resident entries = %d, exceeds capacity 4", n)
			}
			c.Get(ids[round%len(ids)])
		}
	}
}

func TestDiskTierDropsCorruptBlob(t *testing.T) {
	dir := t.TempDir()
	d, err := newDiskTier(dir, 1<<20, nopLogger())
	if err != nil {
		t.Fatalf("newDiskTier: %v", err)
	}

	if _, err := d.put("c1", []byte("intact"), listT1); err != nil {
		t.Fatalf("put: %v", err)
	}
	// Corrupt the blob on disk.
	path := d.blobPath("c1")
	if err := os.WriteFile(path, []byte("tampered"), 0600); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	if _, ok := d.get("c1"); ok {
		t.Error("corrupt blob served")
	}
	if d.contains("c1") {
		t.Error("corrupt entry kept in index")
	}
}

func TestDiskTierDiscardsOldestOverBudget(t *testing.T) {
	d, err := newDiskTier(t.TempDir(), 10, nopLogger())
	if err != nil {
		t.Fatalf("newDiskTier: %v", err)
	}

	if _, err := d.put("old", []byte("123456"), listT1); err != nil {
		t.Fatal(err)
	}
	discarded, err := d.put("new", []byte("789012"), listT2)
	if err != nil {
		t.Fatal(err)
	}
	if len(discarded) != 1 || discarded[0].id != "old" || discarded[0].origin != listT1 {
		t.Errorf("discarded = %+v, want old off the recency list", discarded)
	}
	if d.contains("old") {
		t.Error("oldest entry survived over-budget put")
	}
	if !d.contains("new") {
		t.Error("newest entry discarded")
	}
}

func TestDiskTierSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	d, err := newDiskTier(dir, 1<<20, nopLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := d.put("c1", []byte("persisted"), listT1); err != nil {
		t.Fatal(err)
	}
	if err := d.close(); err != nil {
		t.Fatal(err)
	}

	d2, err := newDiskTier(dir, 1<<20, nopLogger())
	if err != nil {
		t.Fatal(err)
	}
	got, ok := d2.get("c1")
	if !ok || string(got) != "persisted" {
		t.Fatalf("reopened tier lost entry: %q, %v", got, ok)
	}
	if _, err := os.Stat(filepath.Join(dir, diskIndexFile)); err != nil {
		t.Errorf("index file missing: %v", err)
	}
}
