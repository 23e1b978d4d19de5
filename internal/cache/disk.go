package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/pinstack/pinstack/pkg/types"
)

const diskIndexFile = "tier-index.json"

// diskEntry describes one demoted payload in the overflow tier index.
// Origin is the resident list the payload was evicted off, kept so a
// discarded key can return to the matching ghost list.
type diskEntry struct {
	ID       types.ContentID `json:"id"`
	FilePath string          `json:"file_path"`
	Size     int64           `json:"size"`
	Checksum uint64          `json:"checksum"`
	StoredAt time.Time       `json:"stored_at"`
	AccessAt time.Time       `json:"access_at"`
	Origin   arcList         `json:"origin"`
}

// discardedKey is a key the overflow tier pushed out over budget, with the
// resident list its payload originally came from.
type discardedKey struct {
	id     types.ContentID
	origin arcList
}

// diskTier is the capacity-bounded overflow level below the adaptive
// in-memory tier. Payloads demoted out of memory land here as one file per
// entry with an xxhash checksum; reads that fail verification are treated
// as misses and the entry is dropped. When the byte budget is exceeded the
// least recently accessed entries are discarded, which is safe because the
// cache is never the only durable copy of anything.
type diskTier struct {
	mu       sync.Mutex
	dir      string
	maxBytes int64
	curBytes int64
	index    map[types.ContentID]*diskEntry
	logger   *zap.Logger
}

func newDiskTier(dir string, maxBytes int64, logger *zap.Logger) (*diskTier, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create overflow dir: %w", err)
	}
	d := &diskTier{
		dir:      dir,
		maxBytes: maxBytes,
		index:    make(map[types.ContentID]*diskEntry),
		logger:   logger,
	}
	if err := d.loadIndex(); err != nil {
		return nil, fmt.Errorf("failed to load overflow index: %w", err)
	}
	return d, nil
}

// get returns the payload if present and intact, updating its access time.
func (d *diskTier) get(id types.ContentID) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.index[id]
	if !ok {
		return nil, false
	}
	data, err := os.ReadFile(entry.FilePath)
	if err != nil || xxhash.Sum64(data) != entry.Checksum {
		// Missing or corrupt blob; a stale read must never be served.
		d.logger.Warn("overflow entry unreadable, dropping",
			zap.String("content_id", string(id)))
		d.removeLocked(entry)
		return nil, false
	}
	entry.AccessAt = time.Now()
	return data, true
}

// put stores a demoted payload, discarding least recently accessed entries
// if the byte budget overflows. Returns the keys of discarded entries so
// the caller can move them to ghost bookkeeping.
func (d *diskTier) put(id types.ContentID, payload []byte, origin arcList) ([]discardedKey, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if int64(len(payload)) > d.maxBytes {
		d.logger.Debug("payload exceeds overflow tier budget, not demoting",
			zap.String("content_id", string(id)),
			zap.Int("size", len(payload)))
		return nil, nil
	}

	if old, ok := d.index[id]; ok {
		d.removeLocked(old)
	}

	entry := &diskEntry{
		ID:       id,
		FilePath: d.blobPath(id),
		Size:     int64(len(payload)),
		Checksum: xxhash.Sum64(payload),
		StoredAt: time.Now(),
		AccessAt: time.Now(),
		Origin:   origin,
	}
	if err := os.WriteFile(entry.FilePath, payload, 0600); err != nil {
		return nil, fmt.Errorf("failed to write overflow blob: %w", err)
	}
	d.index[id] = entry
	d.curBytes += entry.Size

	var discarded []discardedKey
	for d.curBytes > d.maxBytes {
		victim := d.oldestLocked(id)
		if victim == nil {
			break
		}
		d.removeLocked(victim)
		discarded = append(discarded, discardedKey{id: victim.ID, origin: victim.Origin})
	}

	d.saveIndex()
	return discarded, nil
}

// contains reports presence without reading the blob.
func (d *diskTier) contains(id types.ContentID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.index[id]
	return ok
}

// remove drops the entry if present.
func (d *diskTier) remove(id types.ContentID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, ok := d.index[id]
	if !ok {
		return false
	}
	d.removeLocked(entry)
	d.saveIndex()
	return true
}

func (d *diskTier) stats() (entries int, bytes int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.index), d.curBytes
}

// close persists the index so a restart resumes with a warm overflow tier.
func (d *diskTier) close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writeIndex()
}

func (d *diskTier) removeLocked(entry *diskEntry) {
	_ = os.Remove(entry.FilePath)
	delete(d.index, entry.ID)
	d.curBytes -= entry.Size
}

// oldestLocked finds the least recently accessed entry, never the one
// being protected.
func (d *diskTier) oldestLocked(protect types.ContentID) *diskEntry {
	var oldest *diskEntry
	for id, entry := range d.index {
		if id == protect {
			continue
		}
		if oldest == nil || entry.AccessAt.Before(oldest.AccessAt) {
			oldest = entry
		}
	}
	return oldest
}

func (d *diskTier) blobPath(id types.ContentID) string {
	return filepath.Join(d.dir, fmt.Sprintf("%016x.blob", xxhash.Sum64String(string(id))))
}

func (d *diskTier) loadIndex() error {
	f, err := os.Open(filepath.Join(d.dir, diskIndexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	var entries map[types.ContentID]*diskEntry
	if err := json.NewDecoder(f).Decode(&entries); err != nil {
		return err
	}
	for id, entry := range entries {
		if _, err := os.Stat(entry.FilePath); os.IsNotExist(err) {
			continue
		}
		d.index[id] = entry
		d.curBytes += entry.Size
	}
	return nil
}

func (d *diskTier) saveIndex() {
	if err := d.writeIndex(); err != nil {
		d.logger.Warn("overflow index save failed", zap.Error(err))
	}
}

func (d *diskTier) writeIndex() error {
	path := filepath.Join(d.dir, diskIndexFile)
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(d.index); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
