// Package daemon assembles the pinning node. Core wires the write-ahead
// log, metadata index, tiered cache, backend registry, health monitor and
// replication coordinator into one object, replays the log on startup and
// runs the periodic checkpoint.
//
// Core is also where the write ordering contract lives: every mutation
// appends to the log and applies to the index under a single lock, so the
// sequence numbers the index sees are the order the log assigned them.
package daemon
