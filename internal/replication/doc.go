// Package replication drives every pin toward its replication policy.
//
// The coordinator runs periodic convergence cycles: scan the metadata
// index, classify each pin against the policy in force, copy payloads to
// under-replicated backends, prune over-replicated ones, and re-probe
// replicas marked missing. Placement strategies rank candidate backends by
// fill ratio, configured priority, or fill ratio with a free-space filter.
//
// Failures are ordinary state. A backend that cannot take a copy leaves
// the pin for the next cycle; an unreachable backend's replicas are marked
// missing but keep their membership so a recovered backend is re-verified
// instead of re-copied. Snapshot export and import move the whole pin set
// between nodes through the same write-ahead logged mutation paths as
// everything else.
package replication
