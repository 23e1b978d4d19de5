// Package storage provides the backend adapters replicas are written to,
// behind a small registry keyed by backend id.
//
// Adapters treat the content id as an opaque key and return typed errors:
// a missing object is OBJECT_NOT_FOUND, everything else a retryable
// BACKEND_FAULT. The BreakerBackend wrapper adds a circuit breaker so a
// backend that keeps failing is cut off for a cooldown instead of slowing
// every replication cycle down.
package storage
