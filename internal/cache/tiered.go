package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/wal"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/logging"
	"github.com/pinstack/pinstack/pkg/types"
)

const (
	defaultMaxHotEntries    = 4096
	defaultMaxOverflowBytes = 1 * 1024 * 1024 * 1024
)

// IntentLog is the slice of the write-ahead log the cache needs: durable
// recording of an intent before it takes effect.
type IntentLog interface {
	Append(op wal.OpKind, id types.ContentID, backend types.BackendID, payload []byte) (uint64, error)
}

// Config represents tiered cache configuration
type Config struct {
	MaxHotEntries    int         `yaml:"max_hot_entries"`
	OverflowDir      string      `yaml:"overflow_dir"`
	MaxOverflowBytes int64       `yaml:"max_overflow_bytes"`
	Log              IntentLog   `yaml:"-"`
	Logger           *zap.Logger `yaml:"-"`

	// OnTouch, when set, receives every cache read hit so access
	// statistics can be mirrored into the metadata index.
	OnTouch func(types.ContentID, time.Time) `yaml:"-"`
}

// TieredCache is the two-level content cache: an adaptive in-memory tier
// whose evictions demote to a disk overflow tier. Writes and invalidations
// are logged before they take effect; a logging failure leaves the cache
// exactly as it was. Reads never touch the log.
type TieredCache struct {
	mu     sync.Mutex
	hot    *arc
	disk   *diskTier
	log    IntentLog
	logger *zap.Logger
	touch  func(types.ContentID, time.Time)

	hits       uint64
	misses     uint64
	ghostHits  uint64
	demotions  uint64
	promotions uint64
	evictions  uint64
}

// New creates a tiered cache.
func New(cfg Config) (*TieredCache, error) {
	if cfg.Log == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "cache requires an intent log")
	}
	if cfg.OverflowDir == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "cache overflow dir must be set")
	}
	if cfg.MaxHotEntries <= 0 {
		cfg.MaxHotEntries = defaultMaxHotEntries
	}
	if cfg.MaxOverflowBytes <= 0 {
		cfg.MaxOverflowBytes = defaultMaxOverflowBytes
	}

	logger := logging.OrNop(cfg.Logger).Named("cache")
	disk, err := newDiskTier(cfg.OverflowDir, cfg.MaxOverflowBytes, logger)
	if err != nil {
		return nil, errors.New(errors.ErrCodeConfigLoad, "overflow tier init failed").WithCause(err)
	}

	return &TieredCache{
		hot:    newARC(cfg.MaxHotEntries),
		disk:   disk,
		log:    cfg.Log,
		logger: logger,
		touch:  cfg.OnTouch,
	}, nil
}

// Get returns the cached payload, or false on a miss. A disk hit promotes
// the entry back into the memory tier.
func (c *TieredCache) Get(id types.ContentID) ([]byte, bool) {
	c.mu.Lock()

	if payload, ok := c.hot.get(id); ok {
		c.hits++
		c.mu.Unlock()
		c.notifyTouch(id)
		return payload, true
	}

	if payload, ok := c.disk.get(id); ok {
		c.hits++
		c.promotions++
		c.disk.remove(id)
		c.admitLocked(id, payload)
		c.mu.Unlock()
		c.notifyTouch(id)
		return payload, true
	}

	c.misses++
	c.mu.Unlock()
	return nil, false
}

// Put caches a payload. The intent is durably logged first; if logging
// fails the cache state is unchanged and the error is returned.
func (c *TieredCache) Put(ctx context.Context, id types.ContentID, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return errors.New(errors.ErrCodeShuttingDown, "put canceled").WithCause(err)
	}
	if _, err := c.log.Append(wal.OpCacheWrite, id, "", payload); err != nil {
		return err
	}
	c.ApplyWrite(id, payload)
	return nil
}

// Invalidate removes the payload from every tier. The intent is durably
// logged first.
func (c *TieredCache) Invalidate(ctx context.Context, id types.ContentID) error {
	if err := ctx.Err(); err != nil {
		return errors.New(errors.ErrCodeShuttingDown, "invalidate canceled").WithCause(err)
	}
	if _, err := c.log.Append(wal.OpCacheEvict, id, "", nil); err != nil {
		return err
	}
	c.ApplyEvict(id)
	return nil
}

// ApplyWrite admits a payload without logging. This is the recovery path;
// the record being replayed was already logged in a previous run.
func (c *TieredCache) ApplyWrite(id types.ContentID, payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.admitLocked(id, payload)
}

// ApplyEvict removes an entry without logging, for recovery replay.
func (c *TieredCache) ApplyEvict(id types.ContentID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, resident := c.hot.remove(id)
	onDisk := c.disk.remove(id)
	if resident || onDisk {
		c.evictions++
	}
}

// Tier reports where an entry currently resides. Entries seen only once
// sit in the warm portion of the memory tier.
func (c *TieredCache) Tier(id types.ContentID) (types.CacheTier, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.hot.items[id]; ok {
		switch it.where {
		case listT2:
			return types.TierHot, true
		case listT1:
			return types.TierWarm, true
		}
	}
	if c.disk.contains(id) {
		return types.TierOnDisk, true
	}
	return 0, false
}

// Stats returns cache statistics.
func (c *TieredCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	diskEntries, diskBytes := c.disk.stats()
	stats := types.CacheStats{
		Hits:        c.hits,
		Misses:      c.misses,
		GhostHits:   c.ghostHits,
		Demotions:   c.demotions,
		Promotions:  c.promotions,
		Evictions:   c.evictions,
		HotEntries:  c.hot.residentLen(),
		DiskEntries: diskEntries,
		DiskBytes:   diskBytes,
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close persists the overflow tier index.
func (c *TieredCache) Close() error {
	return c.disk.close()
}

// admitLocked runs the adaptive admission and demotes displaced payloads
// to the overflow tier. A payload the overflow tier in turn discards loses
// its bytes, but its key returns to the matching ghost list; the cache
// never holds the only copy of anything.
func (c *TieredCache) admitLocked(id types.ContentID, payload []byte) {
	displaced, ghostHit := c.hot.request(id, payload)
	if ghostHit {
		c.ghostHits++
	}
	for _, ev := range displaced {
		discarded, err := c.disk.put(ev.id, ev.payload, ev.where)
		if err != nil {
			// Demotion failure only loses cached bytes, never durable state.
			c.logger.Warn("demotion to overflow tier failed",
				zap.String("content_id", string(ev.id)),
				zap.Error(err))
			c.evictions++
			continue
		}
		c.demotions++
		for _, dk := range discarded {
			c.hot.remember(dk.id, dk.origin)
			c.evictions++
		}
	}
}

func (c *TieredCache) notifyTouch(id types.ContentID) {
	if c.touch != nil {
		c.touch(id, time.Now())
	}
}
