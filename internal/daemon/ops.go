package daemon

import (
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/index"
	"github.com/pinstack/pinstack/internal/replication"
	"github.com/pinstack/pinstack/internal/wal"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// Pin records the content as pinned and caches its payload so the next
// replication cycle has a local source to copy from. Pinning the same
// content again refreshes the row and the cached bytes.
func (c *Core) Pin(ctx context.Context, id types.ContentID, payload []byte) error {
	if id == "" {
		return errors.New(errors.ErrCodeInvalidConfig, "content id must not be empty")
	}

	// Cache first: a durable pin without any payload source would wait on
	// a manual re-pin, while cached unpinned bytes merely age out.
	if err := c.cache.Put(ctx, id, payload); err != nil {
		return err
	}

	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	seq, err := c.log.Append(wal.OpPinAdd, id, "", wal.SizePayload(int64(len(payload))))
	if err != nil {
		return err
	}
	return c.idx.UpsertPin(seq, id, int64(len(payload)))
}

// Unpin removes the pin row and evicts the payload from the cache. Replica
// objects on the backends are deleted best-effort; a backend that cannot
// be reached right now keeps an orphan object.
func (c *Core) Unpin(ctx context.Context, id types.ContentID) error {
	rec, err := c.idx.GetPin(id)
	if err != nil {
		return err
	}

	c.applyMu.Lock()
	seq, err := c.log.Append(wal.OpPinRemove, id, "", nil)
	if err == nil {
		err = c.idx.RemovePin(seq, id)
	}
	c.applyMu.Unlock()
	if err != nil {
		return err
	}

	if err := c.cache.Invalidate(ctx, id); err != nil {
		c.logger.Warn("cache invalidation failed after unpin",
			zap.String("content_id", string(id)), zap.Error(err))
	}

	for _, backendID := range rec.Backends {
		if rec.ReplicaHealth[backendID] != types.ReplicaPresent {
			continue
		}
		adapter, err := c.registry.Get(backendID)
		if err != nil {
			continue
		}
		if err := adapter.Delete(ctx, id); err != nil {
			c.logger.Warn("orphaned object after unpin",
				zap.String("content_id", string(id)),
				zap.String("backend", string(backendID)),
				zap.Error(err))
			continue
		}
		c.monitor.RecordUsage(backendID, -rec.SizeBytes)
	}
	return nil
}

// GetPin returns the metadata row for a pinned content identifier.
func (c *Core) GetPin(id types.ContentID) (*types.PinRecord, error) {
	return c.idx.GetPin(id)
}

// ListPins returns every pin row.
func (c *Core) ListPins() []*types.PinRecord {
	return c.idx.ListPins(index.All())
}

// Fetch returns the payload for a pinned content identifier, from the
// cache when possible and otherwise from the first backend holding a
// present replica. A backend fetch warms the cache on the way out.
func (c *Core) Fetch(ctx context.Context, id types.ContentID) ([]byte, error) {
	if payload, ok := c.cache.Get(id); ok {
		c.collector.ObserveCacheRequest(true)
		return payload, nil
	}
	c.collector.ObserveCacheRequest(false)

	rec, err := c.idx.GetPin(id)
	if err != nil {
		return nil, err
	}

	for _, backendID := range rec.Backends {
		if rec.ReplicaHealth[backendID] != types.ReplicaPresent {
			continue
		}
		adapter, err := c.registry.Get(backendID)
		if err != nil {
			continue
		}
		payload, err := adapter.Get(ctx, id)
		if err != nil {
			if errors.IsCode(err, errors.ErrCodeObjectNotFound) {
				_ = c.idx.MarkReplicaState(id, backendID, types.ReplicaMissing)
			}
			continue
		}
		if err := c.cache.Put(ctx, id, payload); err != nil {
			c.logger.Warn("cache warm after fetch failed",
				zap.String("content_id", string(id)), zap.Error(err))
		}
		return payload, nil
	}

	return nil, errors.Newf(errors.ErrCodeObjectNotFound,
		"no reachable replica for %s", id).WithComponent("daemon")
}

// ReplicationStatus reports convergence as of the last completed cycle.
func (c *Core) ReplicationStatus() types.ReplicationStatus {
	return c.coord.Status()
}

// UpdatePolicy stages a new replication policy for the next cycle.
func (c *Core) UpdatePolicy(p types.ReplicationPolicy) error {
	return c.coord.UpdatePolicy(p)
}

// TriggerCycle runs one replication convergence cycle immediately.
func (c *Core) TriggerCycle(ctx context.Context) (replication.CycleStats, error) {
	return c.coord.RunCycle(ctx)
}

// ExportSnapshot writes the pin set and policy to w. A non-empty backend
// limits the export to pins with a replica on that backend.
func (c *Core) ExportSnapshot(w io.Writer, backend types.BackendID) error {
	return c.coord.ExportSnapshot(w, backend)
}

// ImportSnapshot merges an exported pin set into this node. A non-empty
// target records every imported replica against that backend.
func (c *Core) ImportSnapshot(ctx context.Context, r io.Reader, target types.BackendID) (int, error) {
	return c.coord.ImportSnapshot(ctx, r, target)
}

// CacheStats returns tiered cache statistics.
func (c *Core) CacheStats() types.CacheStats {
	return c.cache.Stats()
}

// PinCount returns the number of live pin rows.
func (c *Core) PinCount() int {
	return c.idx.Count()
}
