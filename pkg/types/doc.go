/*
Package types defines the shared data model of the pinning core: content
identifiers, pin records, backend descriptors, the replication policy, and
the capability interfaces the components exchange.

Ownership rules matter more than the shapes here:

  - PinRecord rows are owned by the metadata index; reads hand out clones.
  - BackendDescriptor values are owned by the health monitor; everything
    else consumes immutable snapshots taken at cycle start.
  - ReplicationPolicy is global and versioned; the coordinator applies a
    staged policy only at the start of its next cycle.

The BackendAdapter interface is the entire dependency the core takes on a
storage target. Adapters for S3, local disk, and in-memory fakes live in
internal/storage; anything that satisfies the five-method contract can be
registered.
*/
package types
