// Package index implements the content-addressed metadata table that backs
// pin tracking and replication decisions.
//
// The layout is a small LSM: a mutable in-memory table mirrored to a
// JSON-lines append buffer, in front of immutable columnar segment files.
// Compaction merges everything into a single fresh segment and resets the
// buffer. Point reads consult the memtable first and fall back to segments
// newest-first; scans merge both sides in content id order.
//
// Durability is split with the write-ahead log. Every mutation arrives
// tagged with the WAL sequence number that recorded it, and the index
// rejects anything at or below its high-water mark, so replaying the log
// from the last checkpoint is idempotent. The WAL checkpoint advances only
// after Flush has fsynced the applied state here.
package index
