package replication

import (
	"sort"

	"github.com/pinstack/pinstack/pkg/types"
)

// selectTargets ranks the backends eligible to receive a new replica of a
// pin, best candidate first. Backends already holding the pin, unreachable
// backends, and backends over the per-backend byte ceiling are never
// candidates. The strategy decides the order among the rest.
func selectTargets(
	rec *types.PinRecord,
	backends map[types.BackendID]types.BackendDescriptor,
	policy types.ReplicationPolicy,
) []types.BackendID {
	candidates := make([]types.BackendDescriptor, 0, len(backends))
	for id, d := range backends {
		if rec.HasBackend(id) {
			continue
		}
		if d.Health == types.HealthUnreachable {
			continue
		}
		if policy.MaxBytesPerBackend > 0 && d.UsedBytes+rec.SizeBytes > policy.MaxBytesPerBackend {
			continue
		}
		if policy.Strategy == types.StrategySizeAware && d.RemainingBytes() < rec.SizeBytes {
			continue
		}
		candidates = append(candidates, d)
	}

	switch policy.Strategy {
	case types.StrategyPriorityOrdered:
		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].Priority != candidates[j].Priority {
				return candidates[i].Priority < candidates[j].Priority
			}
			return candidates[i].ID < candidates[j].ID
		})
	default:
		// Balanced and size-aware both rank by fill ratio ascending.
		sort.Slice(candidates, func(i, j int) bool {
			fi, fj := fillRatio(candidates[i]), fillRatio(candidates[j])
			if fi != fj {
				return fi < fj
			}
			return candidates[i].ID < candidates[j].ID
		})
	}

	ids := make([]types.BackendID, len(candidates))
	for i, d := range candidates {
		ids[i] = d.ID
	}
	return ids
}

// selectPruneVictims ranks a pin's present replicas for removal, worst
// placement first, which is the reverse of the target ranking.
func selectPruneVictims(
	rec *types.PinRecord,
	backends map[types.BackendID]types.BackendDescriptor,
	policy types.ReplicationPolicy,
) []types.BackendID {
	holders := make([]types.BackendDescriptor, 0, len(rec.Backends))
	for _, id := range rec.Backends {
		if rec.ReplicaHealth[id] != types.ReplicaPresent {
			continue
		}
		d, ok := backends[id]
		if !ok {
			continue
		}
		holders = append(holders, d)
	}

	switch policy.Strategy {
	case types.StrategyPriorityOrdered:
		sort.Slice(holders, func(i, j int) bool {
			if holders[i].Priority != holders[j].Priority {
				return holders[i].Priority > holders[j].Priority
			}
			return holders[i].ID > holders[j].ID
		})
	default:
		sort.Slice(holders, func(i, j int) bool {
			fi, fj := fillRatio(holders[i]), fillRatio(holders[j])
			if fi != fj {
				return fi > fj
			}
			return holders[i].ID > holders[j].ID
		})
	}

	ids := make([]types.BackendID, len(holders))
	for i, d := range holders {
		ids[i] = d.ID
	}
	return ids
}

func fillRatio(d types.BackendDescriptor) float64 {
	if d.CapacityBytes <= 0 {
		return 0
	}
	return float64(d.UsedBytes) / float64(d.CapacityBytes)
}
