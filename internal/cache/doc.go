// Package cache implements the two-level content cache.
//
// The hot tier is an adaptive replacement cache: two resident lists split
// recency from frequency, and two ghost lists remember recent evictions so
// the split can adapt to the workload instead of being tuned by hand.
// Payloads displaced from memory demote to a disk overflow tier with
// per-entry checksums; payloads the overflow tier discards are simply
// gone, because replicas on storage backends are the durable copies.
//
// Every write and invalidation is recorded in the write-ahead log before
// the cache changes. If the log rejects the record, the mutation does not
// happen. The ApplyWrite and ApplyEvict paths exist for recovery replay,
// where the intent was logged by a previous run.
package cache
