package daemon

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/cache"
	"github.com/pinstack/pinstack/internal/config"
	"github.com/pinstack/pinstack/internal/health"
	"github.com/pinstack/pinstack/internal/index"
	"github.com/pinstack/pinstack/internal/metrics"
	"github.com/pinstack/pinstack/internal/replication"
	"github.com/pinstack/pinstack/internal/storage"
	s3adapter "github.com/pinstack/pinstack/internal/storage/s3"
	"github.com/pinstack/pinstack/internal/wal"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/logging"
	"github.com/pinstack/pinstack/pkg/types"
)

const maintenanceInterval = 30 * time.Second

// Core owns every component of the pinning node and the wiring between
// them: the write-ahead log, the metadata index, the tiered cache, the
// backend registry, the health monitor and the replication coordinator.
// All mutating operations flow through Core so that the log append and the
// index apply happen in the same order everywhere.
type Core struct {
	cfg       *config.Configuration
	logger    *zap.Logger
	collector *metrics.Collector

	log      *wal.Log
	idx      *index.Index
	cache    *cache.TieredCache
	registry *storage.Registry
	monitor  *health.Monitor
	coord    *replication.Coordinator

	// applyMu serializes each log append with the index apply that follows
	// it. Without it two writers could apply out of sequence order and one
	// of them would be rejected despite holding a durable log entry.
	applyMu sync.Mutex

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// New builds and wires all components from the configuration. The write
// path is not recovered yet; call Start to replay the log and launch the
// background loops.
func New(ctx context.Context, cfg *config.Configuration, logger *zap.Logger) (*Core, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "daemon requires a configuration")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger = logging.OrNop(logger)

	collector, err := metrics.NewCollector(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Port:    cfg.Metrics.Port,
		Path:    cfg.Metrics.Path,
	})
	if err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "metrics init failed").WithCause(err)
	}

	c := &Core{cfg: cfg, logger: logger, collector: collector}

	c.log, err = wal.Open(wal.Config{
		Dir:             cfg.WAL.Dir,
		MaxSegmentBytes: cfg.WAL.MaxSegmentBytes,
		Logger:          logger,
		OnAppend:        collector.ObserveWALAppend,
	})
	if err != nil {
		return nil, err
	}

	c.idx, err = index.Open(index.Config{
		Dir:              cfg.Index.Dir,
		CompactThreshold: cfg.Index.CompactThreshold,
		Logger:           logger,
		OnCompaction:     collector.ObserveCompaction,
	})
	if err != nil {
		_ = c.log.Close()
		return nil, err
	}

	c.cache, err = cache.New(cache.Config{
		MaxHotEntries:    cfg.Cache.MaxHotEntries,
		OverflowDir:      cfg.Cache.OverflowDir,
		MaxOverflowBytes: cfg.Cache.MaxOverflowBytes,
		Log:              c.log,
		Logger:           logger,
		OnTouch:          c.idx.TouchAccess,
	})
	if err != nil {
		c.teardown()
		return nil, err
	}

	c.registry, err = buildRegistry(ctx, cfg.Backends, logger)
	if err != nil {
		c.teardown()
		return nil, err
	}

	c.monitor, err = health.NewMonitor(health.Config{
		ProbeInterval: cfg.Health.ProbeInterval,
		Registry:      c.registry,
		Logger:        logger,
		OnUnreachable: c.onBackendUnreachable,
	})
	if err != nil {
		c.teardown()
		return nil, err
	}

	c.coord, err = replication.NewCoordinator(replication.Config{
		Interval:  cfg.Replication.Interval,
		Policy:    cfg.Replication.Policy,
		Index:     c.idx,
		Log:       c.log,
		Cache:     c.cache,
		Registry:  c.registry,
		Monitor:   c.monitor,
		Logger:    logger,
		ApplyLock: &c.applyMu,
		OnCycle:   c.onCycle,
	})
	if err != nil {
		c.teardown()
		return nil, err
	}

	return c, nil
}

// Start replays the log into the index and cache, then launches the
// health, replication, metrics and maintenance loops.
func (c *Core) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeAlreadyStarted, "daemon already started")
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	abort := func(err error) error {
		cancel()
		close(c.done)
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	if err := c.recover(); err != nil {
		return abort(err)
	}

	c.monitor.ProbeAll(ctx)
	if err := c.monitor.Start(loopCtx); err != nil {
		return abort(err)
	}
	if err := c.coord.Start(loopCtx); err != nil {
		c.monitor.Stop()
		return abort(err)
	}
	if err := c.collector.Start(loopCtx); err != nil {
		c.coord.Stop()
		c.monitor.Stop()
		return abort(err)
	}

	go c.maintenanceLoop(loopCtx)

	c.logger.Info("daemon started",
		zap.Int("backends", c.registry.Len()),
		zap.Int("pins", c.idx.Count()))
	return nil
}

// Stop drains the background loops, takes a final checkpoint and closes
// every component. Safe to call more than once.
func (c *Core) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	c.coord.Stop()
	c.monitor.Stop()
	cancel()
	<-done

	if err := c.Checkpoint(); err != nil {
		c.logger.Warn("final checkpoint failed", zap.Error(err))
	}
	c.teardown()
	c.logger.Info("daemon stopped")
}

// Checkpoint flushes the index, advances the log checkpoint to the last
// applied sequence and removes segments the checkpoint covers.
func (c *Core) Checkpoint() error {
	if err := c.idx.Flush(); err != nil {
		return err
	}
	seq := c.idx.LastApplied()
	if err := c.log.Checkpoint(seq); err != nil {
		return err
	}
	if _, err := c.log.TruncateObsolete(); err != nil {
		return err
	}
	c.collector.SetCheckpointSeq(seq)
	return nil
}

func (c *Core) maintenanceLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Checkpoint(); err != nil {
				c.logger.Warn("periodic checkpoint failed", zap.Error(err))
			}
			c.collector.ObserveCacheStats(c.cache.Stats())
			c.collector.SetIndexRows(c.idx.Count())
		}
	}
}

// onBackendUnreachable marks every replica on the backend missing. The
// index keeps the membership; the next cycle re-replicates elsewhere and
// verification adopts the replicas back when the backend returns.
func (c *Core) onBackendUnreachable(id types.BackendID) {
	touched := c.idx.MarkBackendMissing(id)
	c.logger.Warn("backend unreachable, replicas marked missing",
		zap.String("backend", string(id)),
		zap.Int("pins_affected", touched))
}

func (c *Core) onCycle(stats replication.CycleStats) {
	c.collector.ObserveCycle(stats.Duration, stats.Replicated, stats.Pruned, c.coord.Status())
}

func (c *Core) teardown() {
	if c.cache != nil {
		if err := c.cache.Close(); err != nil {
			c.logger.Warn("cache close failed", zap.Error(err))
		}
	}
	if c.idx != nil {
		if err := c.idx.Close(); err != nil {
			c.logger.Warn("index close failed", zap.Error(err))
		}
	}
	if c.log != nil {
		if err := c.log.Close(); err != nil {
			c.logger.Warn("log close failed", zap.Error(err))
		}
	}
}

// buildRegistry constructs one adapter per configured backend, each behind
// a circuit breaker so a dead backend fails fast instead of stalling
// replication cycles.
func buildRegistry(ctx context.Context, backends []config.BackendConfig, logger *zap.Logger) (*storage.Registry, error) {
	registry := storage.NewRegistry()
	for _, bc := range backends {
		var (
			adapter types.BackendAdapter
			err     error
		)
		switch bc.Type {
		case "memory":
			adapter = storage.NewMemoryBackend()
		case "local":
			adapter, err = storage.NewLocalBackend(bc.Path)
		case "s3":
			adapter, err = s3adapter.New(ctx, bc.S3)
		default:
			err = errors.Newf(errors.ErrCodeInvalidConfig, "backend %s has unknown type %q", bc.ID, bc.Type)
		}
		if err != nil {
			return nil, err
		}

		id := types.BackendID(bc.ID)
		wrapped := storage.NewBreakerBackend(id, adapter, storage.BreakerConfig{
			OnStateChange: func(id types.BackendID, from, to storage.BreakerState) {
				logger.Warn("backend breaker state changed",
					zap.String("backend", string(id)),
					zap.String("from", from.String()),
					zap.String("to", to.String()))
			},
		})
		if err := registry.Register(id, storage.Entry{
			Adapter:       wrapped,
			CapacityBytes: bc.CapacityBytes,
			Priority:      bc.Priority,
		}); err != nil {
			return nil, err
		}
	}
	return registry, nil
}
