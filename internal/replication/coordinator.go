package replication

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pinstack/pinstack/internal/health"
	"github.com/pinstack/pinstack/internal/index"
	"github.com/pinstack/pinstack/internal/storage"
	"github.com/pinstack/pinstack/internal/wal"
	"github.com/pinstack/pinstack/pkg/errors"
	"github.com/pinstack/pinstack/pkg/logging"
	"github.com/pinstack/pinstack/pkg/retry"
	"github.com/pinstack/pinstack/pkg/types"
)

const defaultCycleInterval = 30 * time.Second

// PayloadCache is the read side of the content cache the coordinator uses
// as its first payload source.
type PayloadCache interface {
	Get(id types.ContentID) ([]byte, bool)
}

// Config represents replication coordinator configuration
type Config struct {
	Interval time.Duration `yaml:"interval"`
	Policy   types.ReplicationPolicy

	Index    *index.Index
	Log      *wal.Log
	Cache    PayloadCache
	Registry *storage.Registry
	Monitor  *health.Monitor
	Retry    retry.Config
	Logger   *zap.Logger

	// ApplyLock, when set, is held across each log append and the index
	// apply that follows it, so sequence order matches application order
	// even when other writers share the log.
	ApplyLock sync.Locker

	// OnCycle, when set, observes every completed cycle.
	OnCycle func(CycleStats) `yaml:"-"`
}

// CycleStats summarizes one convergence cycle.
type CycleStats struct {
	Scanned    int
	Replicated int
	Pruned     int
	Verified   int
	Failed     int
	Duration   time.Duration
}

// Coordinator drives every pin toward its replication policy. Each cycle
// scans the index, classifies pins against the policy in force, copies
// payloads to under-replicated backends, prunes over-replicated ones, and
// re-verifies replicas marked missing. Policy changes apply at the next
// cycle boundary, never mid-cycle. A cycle that cannot finish its work
// leaves the remainder for the next one; convergence is eventual.
type Coordinator struct {
	idx      *index.Index
	log      *wal.Log
	cache    PayloadCache
	registry *storage.Registry
	monitor  *health.Monitor
	retryer  *retry.Retryer
	logger   *zap.Logger
	interval time.Duration
	onCycle  func(CycleStats)
	applyMu  sync.Locker

	mu            sync.Mutex
	policy        types.ReplicationPolicy
	pendingPolicy *types.ReplicationPolicy
	status        types.ReplicationStatus
	warnings      []string

	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewCoordinator validates the policy and wires the coordinator.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Index == nil || cfg.Log == nil || cfg.Registry == nil || cfg.Monitor == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "coordinator requires index, log, registry and monitor")
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "replication policy rejected").WithCause(err)
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultCycleInterval
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.ApplyLock == nil {
		cfg.ApplyLock = noopLocker{}
	}

	return &Coordinator{
		idx:      cfg.Index,
		log:      cfg.Log,
		cache:    cfg.Cache,
		registry: cfg.Registry,
		monitor:  cfg.Monitor,
		retryer:  retry.New(cfg.Retry),
		logger:   logging.OrNop(cfg.Logger).Named("replication"),
		interval: cfg.Interval,
		onCycle:  cfg.OnCycle,
		applyMu:  cfg.ApplyLock,
		policy:   cfg.Policy,
	}, nil
}

type noopLocker struct{}

func (noopLocker) Lock()   {}
func (noopLocker) Unlock() {}

// Start launches the periodic convergence loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New(errors.ErrCodeAlreadyStarted, "coordinator already started")
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(ctx)
	return nil
}

// Stop terminates the loop and waits for any in-flight cycle to finish.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	cancel()
	<-done
}

// UpdatePolicy stages a new policy for the next cycle. The version must
// move forward; replays of older policies are rejected.
func (c *Coordinator) UpdatePolicy(p types.ReplicationPolicy) error {
	if err := p.Validate(); err != nil {
		return errors.New(errors.ErrCodeInvalidConfig, "replication policy rejected").WithCause(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	current := c.policy.Version
	if c.pendingPolicy != nil && c.pendingPolicy.Version > current {
		current = c.pendingPolicy.Version
	}
	if p.Version <= current {
		return errors.Newf(errors.ErrCodeInvalidConfig,
			"policy version %d not after current %d", p.Version, current)
	}
	c.pendingPolicy = &p
	c.logger.Info("replication policy staged",
		zap.Int("version", p.Version),
		zap.Int("target_replicas", p.TargetReplicas))
	return nil
}

// Policy returns the policy currently in force.
func (c *Coordinator) Policy() types.ReplicationPolicy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// SetRecoveryWarnings attaches startup recovery warnings to status reports.
func (c *Coordinator) SetRecoveryWarnings(warnings []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warnings = append([]string(nil), warnings...)
}

// Status reports convergence as of the last completed cycle. Degraded
// backends and missing replicas are ordinary state here, never an error.
func (c *Coordinator) Status() types.ReplicationStatus {
	c.mu.Lock()
	defer c.mu.Unlock()

	status := c.status
	status.Backends = c.monitor.Snapshot()
	status.PolicyVersion = c.policy.Version
	status.RecoveryWarnings = append([]string(nil), c.warnings...)
	return status
}

// RunCycle performs one full convergence pass.
func (c *Coordinator) RunCycle(ctx context.Context) (CycleStats, error) {
	start := time.Now()

	c.mu.Lock()
	if c.pendingPolicy != nil {
		c.policy = *c.pendingPolicy
		c.pendingPolicy = nil
		c.logger.Info("replication policy now in force", zap.Int("version", c.policy.Version))
	}
	policy := c.policy
	c.mu.Unlock()

	backends := c.monitor.Snapshot()
	var stats CycleStats
	var status types.ReplicationStatus

	scanner := c.idx.Scan(index.All())
	for scanner.Next() {
		if err := ctx.Err(); err != nil {
			return stats, errors.New(errors.ErrCodeShuttingDown, "cycle interrupted").WithCause(err)
		}
		rec := scanner.Record()
		stats.Scanned++
		status.Total++

		verified := c.verifyMissing(ctx, rec, backends)
		stats.Verified += verified
		if verified > 0 {
			// Re-read so the classification sees verification results.
			if fresh, err := c.idx.GetPin(rec.ContentID); err == nil {
				rec = fresh
			}
		}

		present := rec.PresentCount()
		degraded := rec.DegradedCount()
		switch {
		case present < policy.TargetReplicas || degraded > 0:
			// Below target, or carrying a missing or unverified replica;
			// either way the pin is not satisfied yet.
			var added, failed int
			if present < policy.TargetReplicas {
				added, failed = c.replicateUp(ctx, rec, backends, policy)
				stats.Replicated += added
				stats.Failed += failed
			}
			switch {
			case present+added >= policy.TargetReplicas && degraded == 0:
				status.Satisfied++
			case added > 0:
				status.Replicating++
			default:
				status.UnderReplicated++
			}
		case present > policy.MaxReplicas:
			pruned, failed := c.pruneDown(ctx, rec, backends, policy)
			stats.Pruned += pruned
			stats.Failed += failed
			switch {
			case present-pruned <= policy.MaxReplicas:
				status.Satisfied++
			case pruned > 0:
				status.Pruning++
			default:
				status.OverReplicated++
			}
		default:
			status.Satisfied++
		}
	}

	stats.Duration = time.Since(start)
	status.LastCycleAt = time.Now()

	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.logger.Info("replication cycle complete",
		zap.Int("scanned", stats.Scanned),
		zap.Int("replicated", stats.Replicated),
		zap.Int("pruned", stats.Pruned),
		zap.Int("verified", stats.Verified),
		zap.Int("failed", stats.Failed),
		zap.Duration("duration", stats.Duration))

	if c.onCycle != nil {
		c.onCycle(stats)
	}
	return stats, nil
}

func (c *Coordinator) loop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := c.RunCycle(ctx); err != nil && ctx.Err() == nil {
				c.logger.Error("replication cycle failed", zap.Error(err))
			}
		}
	}
}

// verifyMissing probes replicas marked missing or verifying on reachable
// backends. A replica found by the probe flips back to present; one the
// backend denies stays missing with its membership intact, so history
// survives backend recovery.
func (c *Coordinator) verifyMissing(ctx context.Context, rec *types.PinRecord, backends map[types.BackendID]types.BackendDescriptor) int {
	verified := 0
	for _, backendID := range rec.Backends {
		state := rec.ReplicaHealth[backendID]
		if state == types.ReplicaPresent {
			continue
		}
		d, ok := backends[backendID]
		if !ok || d.Health == types.HealthUnreachable {
			continue
		}
		adapter, err := c.registry.Get(backendID)
		if err != nil {
			continue
		}

		_, err = adapter.Stat(ctx, rec.ContentID)
		switch {
		case err == nil:
			if err := c.idx.MarkReplicaState(rec.ContentID, backendID, types.ReplicaPresent); err == nil {
				verified++
			}
		case errors.IsCode(err, errors.ErrCodeObjectNotFound):
			_ = c.idx.MarkReplicaState(rec.ContentID, backendID, types.ReplicaMissing)
		}
	}
	return verified
}

// replicateUp copies the payload to the best candidate backends until the
// pin reaches the target count or candidates run out. Failures leave the
// pin for the next cycle.
func (c *Coordinator) replicateUp(ctx context.Context, rec *types.PinRecord, backends map[types.BackendID]types.BackendDescriptor, policy types.ReplicationPolicy) (added, failed int) {
	payload, ok := c.fetchPayload(ctx, rec)
	if !ok {
		c.logger.Warn("no payload source for under-replicated pin",
			zap.String("content_id", string(rec.ContentID)),
			zap.Int("present", rec.PresentCount()))
		return 0, 0
	}

	need := policy.TargetReplicas - rec.PresentCount()
	for _, target := range selectTargets(rec, backends, policy) {
		if need <= 0 {
			break
		}
		if err := c.addReplica(ctx, rec, target, payload); err != nil {
			c.logger.Warn("replica copy failed, will retry next cycle",
				zap.String("content_id", string(rec.ContentID)),
				zap.String("backend", string(target)),
				zap.Error(err))
			failed++
			continue
		}
		added++
		need--
	}
	return added, failed
}

// addReplica writes the payload to the backend, then records the replica
// durably. The object write happens first: content-addressed writes are
// idempotent, so a crash between the write and the log entry only leaves
// an orphan object for verification to adopt later.
func (c *Coordinator) addReplica(ctx context.Context, rec *types.PinRecord, target types.BackendID, payload []byte) error {
	adapter, err := c.registry.Get(target)
	if err != nil {
		return err
	}
	if err := c.retryer.Do(ctx, func(ctx context.Context) error {
		return adapter.Put(ctx, rec.ContentID, payload)
	}); err != nil {
		return err
	}

	c.applyMu.Lock()
	seq, err := c.log.Append(wal.OpReplicaAdd, rec.ContentID, target, nil)
	if err == nil {
		err = c.idx.AddReplica(seq, rec.ContentID, target)
	}
	c.applyMu.Unlock()
	if err != nil {
		return err
	}
	c.monitor.RecordUsage(target, rec.SizeBytes)
	return nil
}

// pruneDown removes the worst-placed replicas until the pin is back at the
// target count. Removal never goes below the minimum even if the policy
// shrank mid-flight.
func (c *Coordinator) pruneDown(ctx context.Context, rec *types.PinRecord, backends map[types.BackendID]types.BackendDescriptor, policy types.ReplicationPolicy) (pruned, failed int) {
	excess := rec.PresentCount() - policy.TargetReplicas
	for _, victim := range selectPruneVictims(rec, backends, policy) {
		if excess <= 0 {
			break
		}
		if rec.PresentCount()-pruned <= policy.MinReplicas {
			break
		}
		if err := c.removeReplica(ctx, rec, victim); err != nil {
			c.logger.Warn("replica prune failed, will retry next cycle",
				zap.String("content_id", string(rec.ContentID)),
				zap.String("backend", string(victim)),
				zap.Error(err))
			failed++
			continue
		}
		pruned++
		excess--
	}
	return pruned, failed
}

// removeReplica records the removal durably, then deletes the object. A
// failed delete only leaves an orphan object; the index is already
// correct.
func (c *Coordinator) removeReplica(ctx context.Context, rec *types.PinRecord, victim types.BackendID) error {
	c.applyMu.Lock()
	seq, err := c.log.Append(wal.OpReplicaRemove, rec.ContentID, victim, nil)
	if err == nil {
		err = c.idx.RemoveReplica(seq, rec.ContentID, victim)
	}
	c.applyMu.Unlock()
	if err != nil {
		return err
	}

	if adapter, err := c.registry.Get(victim); err == nil {
		if err := adapter.Delete(ctx, rec.ContentID); err != nil {
			c.logger.Warn("orphaned object after prune",
				zap.String("content_id", string(rec.ContentID)),
				zap.String("backend", string(victim)),
				zap.Error(err))
		}
	}
	c.monitor.RecordUsage(victim, -rec.SizeBytes)
	return nil
}

// fetchPayload finds the bytes to replicate: the cache first, then any
// backend whose replica is present.
func (c *Coordinator) fetchPayload(ctx context.Context, rec *types.PinRecord) ([]byte, bool) {
	if c.cache != nil {
		if payload, ok := c.cache.Get(rec.ContentID); ok {
			return payload, true
		}
	}
	for _, backendID := range rec.Backends {
		if rec.ReplicaHealth[backendID] != types.ReplicaPresent {
			continue
		}
		adapter, err := c.registry.Get(backendID)
		if err != nil {
			continue
		}
		var payload []byte
		err = c.retryer.Do(ctx, func(ctx context.Context) error {
			var getErr error
			payload, getErr = adapter.Get(ctx, rec.ContentID)
			return getErr
		})
		if err == nil {
			return payload, true
		}
		if errors.IsCode(err, errors.ErrCodeObjectNotFound) {
			// The replica the index believed in is gone.
			_ = c.idx.MarkReplicaState(rec.ContentID, backendID, types.ReplicaMissing)
		}
	}
	return nil, false
}
