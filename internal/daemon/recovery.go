package daemon

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/wal"
	"github.com/pinstack/pinstack/pkg/errors"
)

// recover replays log records past the index's last applied sequence. Pin
// and replica records rebuild index state; cache records rebuild the warm
// set on a best-effort basis. Per-segment corruption truncates that
// segment's replay and surfaces as a status warning, never as a startup
// failure. Finishes with a checkpoint so the next start replays less.
func (c *Core) recover() error {
	from := c.idx.LastApplied() + 1
	replayer, err := c.log.Replay(from)
	if err != nil {
		return err
	}
	defer func() { _ = replayer.Close() }()

	applied := 0
	for replayer.Next() {
		rec := replayer.Record()
		if err := c.applyRecord(rec); err != nil {
			// A record the index already reflects is not a replay fault;
			// the checkpoint just lagged behind the append buffer.
			if errors.IsCode(err, errors.ErrCodeOutOfOrderMutation) {
				continue
			}
			// A replica record can reference a pin whose add was lost to
			// a truncated segment. The pin was never acknowledged, so the
			// dangling replica record is dropped with it.
			if errors.IsCode(err, errors.ErrCodePinNotFound) {
				c.logger.Warn("dropping replayed record for unknown pin",
					zap.Uint64("seq", rec.Seq),
					zap.String("content_id", string(rec.ContentID)))
				continue
			}
			return errors.Newf(errors.ErrCodeIndexCorrupt,
				"replay of record %d failed", rec.Seq).WithCause(err)
		}
		applied++
	}
	if err := replayer.Err(); err != nil {
		return errors.New(errors.ErrCodeTruncatedLog, "log replay failed").WithCause(err)
	}

	var warnings []string
	for _, w := range replayer.Warnings() {
		warnings = append(warnings, fmt.Sprintf(
			"segment %s truncated after seq %d: %s", w.Segment, w.LastGoodSeq, w.Reason))
	}
	c.coord.SetRecoveryWarnings(warnings)

	c.logger.Info("recovery complete",
		zap.Uint64("from_seq", from),
		zap.Int("applied", applied),
		zap.Int("warnings", len(warnings)))

	return c.Checkpoint()
}

// applyRecord dispatches one replayed record to the component it mutates.
func (c *Core) applyRecord(rec *wal.Record) error {
	switch rec.Op {
	case wal.OpPinAdd:
		size, err := wal.ParseSizePayload(rec.Payload)
		if err != nil {
			return err
		}
		return c.idx.UpsertPin(rec.Seq, rec.ContentID, size)
	case wal.OpPinRemove:
		return c.idx.RemovePin(rec.Seq, rec.ContentID)
	case wal.OpReplicaAdd:
		return c.idx.AddReplica(rec.Seq, rec.ContentID, rec.Backend)
	case wal.OpReplicaRemove:
		return c.idx.RemoveReplica(rec.Seq, rec.ContentID, rec.Backend)
	case wal.OpCacheWrite:
		c.cache.ApplyWrite(rec.ContentID, rec.Payload)
		return nil
	case wal.OpCacheEvict:
		c.cache.ApplyEvict(rec.ContentID)
		return nil
	default:
		// Unknown operations come from a newer version's log; skipping
		// them is safer than refusing to start.
		c.logger.Warn("skipping unknown log operation",
			zap.Uint64("seq", rec.Seq),
			zap.Uint8("op", uint8(rec.Op)))
		return nil
	}
}
