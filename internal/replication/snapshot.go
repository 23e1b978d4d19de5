package replication

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/index"
	"github.com/pinstack/pinstack/internal/wal"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/types"
)

// Snapshot is the portable export of the pin set: metadata index rows plus
// the policy in force, for migrating a node or seeding a replica. Backend
// records the scope of a per-backend export. Cache contents are
// deliberately absent; a cache rebuilds itself.
type Snapshot struct {
	ExportedAt time.Time               `json:"exported_at"`
	Backend    types.BackendID         `json:"backend,omitempty"`
	Policy     types.ReplicationPolicy `json:"policy"`
	Records    []*types.PinRecord      `json:"records"`
}

// ExportSnapshot writes the pin set to w as JSON. A non-empty backend
// restricts the export to pins carrying a replica on that backend.
func (c *Coordinator) ExportSnapshot(w io.Writer, backend types.BackendID) error {
	pred := index.All()
	if backend != "" {
		if _, err := c.registry.Get(backend); err != nil {
			return err
		}
		pred = index.OnBackend(backend)
	}

	snap := Snapshot{
		ExportedAt: time.Now(),
		Backend:    backend,
		Policy:     c.Policy(),
		Records:    c.idx.ListPins(pred),
	}
	if err := json.NewEncoder(w).Encode(&snap); err != nil {
		return errors.New(errors.ErrCodeInternalError, "snapshot encode failed").WithCause(err)
	}
	c.logger.Info("snapshot exported",
		zap.Int("records", len(snap.Records)),
		zap.String("backend", string(backend)))
	return nil
}

// ImportSnapshot merges a snapshot into the index. Every imported row goes
// through the write-ahead log like any other mutation, so an import that
// crashes halfway replays cleanly. Rows already present locally keep their
// local state; import only adds what is missing. A non-empty target
// records each imported pin as a single replica expected on that backend;
// otherwise the snapshot's own backend set is kept. Returns the number of
// records imported.
func (c *Coordinator) ImportSnapshot(ctx context.Context, r io.Reader, target types.BackendID) (int, error) {
	if target != "" {
		if _, err := c.registry.Get(target); err != nil {
			return 0, err
		}
	}

	var snap Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return 0, errors.New(errors.ErrCodeSnapshotDecode, "unreadable snapshot").WithCause(err)
	}

	imported := 0
	for _, rec := range snap.Records {
		if err := ctx.Err(); err != nil {
			return imported, errors.New(errors.ErrCodeShuttingDown, "import interrupted").WithCause(err)
		}
		if rec == nil || rec.ContentID == "" {
			return imported, errors.New(errors.ErrCodeSnapshotDecode, "snapshot record missing content id")
		}

		if _, err := c.idx.GetPin(rec.ContentID); err == nil {
			continue
		}

		if err := c.importRecord(rec, target); err != nil {
			return imported, err
		}
		imported++
	}

	if snap.Policy.Version > c.Policy().Version {
		if err := c.UpdatePolicy(snap.Policy); err != nil {
			c.logger.Warn("snapshot policy rejected", zap.Error(err))
		}
	}

	c.logger.Info("snapshot imported",
		zap.Int("records", imported),
		zap.Int("skipped", len(snap.Records)-imported),
		zap.String("target", string(target)))
	return imported, nil
}

// importRecord logs and applies one snapshot row under the apply lock.
func (c *Coordinator) importRecord(rec *types.PinRecord, target types.BackendID) error {
	c.applyMu.Lock()
	defer c.applyMu.Unlock()

	seq, err := c.log.Append(wal.OpPinAdd, rec.ContentID, "", wal.SizePayload(rec.SizeBytes))
	if err != nil {
		return err
	}
	if err := c.idx.UpsertPin(seq, rec.ContentID, rec.SizeBytes); err != nil {
		return err
	}

	backendIDs := rec.Backends
	if target != "" {
		// Placement on the source node does not transfer; the row is
		// expected on the target backend and nowhere else.
		backendIDs = []types.BackendID{target}
	}
	for _, backendID := range backendIDs {
		seq, err := c.log.Append(wal.OpReplicaAdd, rec.ContentID, backendID, nil)
		if err != nil {
			return err
		}
		if err := c.idx.AddReplica(seq, rec.ContentID, backendID); err != nil {
			return err
		}
		// Imported replicas start unverified on this node; the next
		// cycle's probe confirms or refutes them.
		state := types.ReplicaVerifying
		if target == "" {
			if s := rec.ReplicaHealth[backendID]; s != types.ReplicaPresent {
				state = s
			}
		}
		_ = c.idx.MarkReplicaState(rec.ContentID, backendID, state)
	}
	return nil
}
