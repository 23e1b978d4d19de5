package types

import (
	"sort"
	"time"
)

// ContentID is the content hash used as the universal key across all
// components. It is opaque to the core; equality is byte equality.
type ContentID string

// String returns the raw content identifier.
func (c ContentID) String() string { return string(c) }

// BackendID identifies one configured storage backend.
type BackendID string

// CacheTier represents the residency level of a cache entry.
type CacheTier int

const (
	// TierHot - entry is resident in the in-memory adaptive tier
	TierHot CacheTier = iota
	// TierWarm - entry is memory-resident but queued for demotion
	TierWarm
	// TierOnDisk - entry has been demoted to the disk overflow tier
	TierOnDisk
)

// String returns string representation of the tier
func (t CacheTier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	case TierOnDisk:
		return "on_disk"
	default:
		return "unknown"
	}
}

// ReplicaState represents the health of one replica of a pin on one backend.
type ReplicaState string

const (
	ReplicaPresent   ReplicaState = "present"
	ReplicaMissing   ReplicaState = "missing"
	ReplicaVerifying ReplicaState = "verifying"
)

// BackendHealth represents the availability of a storage backend.
type BackendHealth string

const (
	HealthHealthy     BackendHealth = "healthy"
	HealthDegraded    BackendHealth = "degraded"
	HealthUnreachable BackendHealth = "unreachable"
)

// PinRecord is one row of the metadata index: everything the system knows
// about a pinned content identifier. An empty backend set is a replication
// fault waiting for the coordinator, never a logical deletion; rows are
// removed only by an explicit unpin.
type PinRecord struct {
	ContentID      ContentID                  `json:"content_id"`
	SizeBytes      int64                      `json:"size_bytes"`
	CreatedAt      time.Time                  `json:"created_at"`
	Backends       []BackendID                `json:"backends"`
	ReplicaHealth  map[BackendID]ReplicaState `json:"replica_health"`
	LastVerifiedAt time.Time                  `json:"last_verified_at"`
	LastAccessTime time.Time                  `json:"last_access_time"`
	AccessCount    int64                      `json:"access_count"`
}

// Clone returns a deep copy of the record. Index reads hand out clones so
// callers can never mutate indexed state.
func (p *PinRecord) Clone() *PinRecord {
	cp := *p
	cp.Backends = append([]BackendID(nil), p.Backends...)
	cp.ReplicaHealth = make(map[BackendID]ReplicaState, len(p.ReplicaHealth))
	for id, st := range p.ReplicaHealth {
		cp.ReplicaHealth[id] = st
	}
	return &cp
}

// HasBackend reports whether the backend currently holds a durable copy.
func (p *PinRecord) HasBackend(id BackendID) bool {
	for _, b := range p.Backends {
		if b == id {
			return true
		}
	}
	return false
}

// AddBackend inserts the backend into the sorted backend set.
func (p *PinRecord) AddBackend(id BackendID, state ReplicaState) {
	if !p.HasBackend(id) {
		p.Backends = append(p.Backends, id)
		sort.Slice(p.Backends, func(i, j int) bool { return p.Backends[i] < p.Backends[j] })
	}
	if p.ReplicaHealth == nil {
		p.ReplicaHealth = make(map[BackendID]ReplicaState)
	}
	p.ReplicaHealth[id] = state
}

// RemoveBackend drops the backend from the set and its health entry.
func (p *PinRecord) RemoveBackend(id BackendID) {
	for i, b := range p.Backends {
		if b == id {
			p.Backends = append(p.Backends[:i], p.Backends[i+1:]...)
			break
		}
	}
	delete(p.ReplicaHealth, id)
}

// PresentCount returns the number of backends whose replica is marked present.
func (p *PinRecord) PresentCount() int {
	n := 0
	for _, b := range p.Backends {
		if p.ReplicaHealth[b] == ReplicaPresent {
			n++
		}
	}
	return n
}

// DegradedCount returns the number of replicas not marked present: missing
// copies and copies still awaiting verification.
func (p *PinRecord) DegradedCount() int {
	n := 0
	for _, b := range p.Backends {
		if p.ReplicaHealth[b] != ReplicaPresent {
			n++
		}
	}
	return n
}

// BackendDescriptor describes one configured backend: static placement
// attributes plus the health monitor's latest observation. Descriptors are
// owned by the health monitor; every other component works from snapshots.
type BackendDescriptor struct {
	ID            BackendID     `json:"id"`
	CapacityBytes int64         `json:"capacity_bytes"`
	UsedBytes     int64         `json:"used_bytes"`
	Priority      int           `json:"priority"`
	Health        BackendHealth `json:"health"`
	LastChecked   time.Time     `json:"last_checked"`
}

// RemainingBytes returns free capacity, never negative.
func (d *BackendDescriptor) RemainingBytes() int64 {
	if d.UsedBytes >= d.CapacityBytes {
		return 0
	}
	return d.CapacityBytes - d.UsedBytes
}

// PlacementStrategy selects how candidate backends are ranked for new replicas.
type PlacementStrategy string

const (
	// StrategyBalanced ranks by fill ratio ascending
	StrategyBalanced PlacementStrategy = "balanced"
	// StrategyPriorityOrdered ranks by configured priority
	StrategyPriorityOrdered PlacementStrategy = "priority_ordered"
	// StrategySizeAware ranks like balanced but excludes backends without
	// room for the payload
	StrategySizeAware PlacementStrategy = "size_aware"
)

// ReplicationPolicy is the global, versioned replication configuration.
// Changes take effect on the coordinator's next cycle, never mid-cycle.
type ReplicationPolicy struct {
	Version            int               `yaml:"version" json:"version"`
	MinReplicas        int               `yaml:"min_replicas" json:"min_replicas"`
	TargetReplicas     int               `yaml:"target_replicas" json:"target_replicas"`
	MaxReplicas        int               `yaml:"max_replicas" json:"max_replicas"`
	MaxBytesPerBackend int64             `yaml:"max_bytes_per_backend" json:"max_bytes_per_backend"`
	Strategy           PlacementStrategy `yaml:"strategy" json:"strategy"`
}

// Validate checks policy consistency.
func (p ReplicationPolicy) Validate() error {
	if p.MinReplicas < 1 {
		return errPolicy("min_replicas must be at least 1")
	}
	if p.TargetReplicas < p.MinReplicas {
		return errPolicy("target_replicas must be >= min_replicas")
	}
	if p.MaxReplicas < p.TargetReplicas {
		return errPolicy("max_replicas must be >= target_replicas")
	}
	switch p.Strategy {
	case StrategyBalanced, StrategyPriorityOrdered, StrategySizeAware:
	default:
		return errPolicy("unknown placement strategy: " + string(p.Strategy))
	}
	return nil
}

type policyError string

func errPolicy(msg string) error    { return policyError(msg) }
func (e policyError) Error() string { return "invalid replication policy: " + string(e) }

// PinState is the coordinator's view of one pin in its convergence machine.
type PinState string

const (
	PinSatisfied       PinState = "satisfied"
	PinUnderReplicated PinState = "under_replicated"
	PinReplicating     PinState = "replicating"
	PinOverReplicated  PinState = "over_replicated"
	PinPruning         PinState = "pruning"
)

// ReplicationStatus summarizes convergence across all pins. It is always
// reportable; unreachable backends and missing replicas appear here as
// normal state, not as errors.
type ReplicationStatus struct {
	Total            int                             `json:"total"`
	Satisfied        int                             `json:"satisfied"`
	UnderReplicated  int                             `json:"under_replicated"`
	OverReplicated   int                             `json:"over_replicated"`
	Replicating      int                             `json:"replicating"`
	Pruning          int                             `json:"pruning"`
	Backends         map[BackendID]BackendDescriptor `json:"backends"`
	PolicyVersion    int                             `json:"policy_version"`
	LastCycleAt      time.Time                       `json:"last_cycle_at"`
	RecoveryWarnings []string                        `json:"recovery_warnings,omitempty"`
}

// CacheStats represents tiered cache performance statistics.
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	GhostHits   uint64  `json:"ghost_hits"`
	Demotions   uint64  `json:"demotions"`
	Promotions  uint64  `json:"promotions"`
	Evictions   uint64  `json:"evictions"`
	HotEntries  int     `json:"hot_entries"`
	DiskEntries int     `json:"disk_entries"`
	DiskBytes   int64   `json:"disk_bytes"`
	HitRate     float64 `json:"hit_rate"`
}
