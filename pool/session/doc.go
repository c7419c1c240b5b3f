// Package session maps callers to workers and bounds the pool.
//
// Manager.GetOrCreate returns the caller's worker, spawning one when the
// session has none. When the pool is full the least recently used worker is
// killed first; equal timestamps evict the lowest port. Concurrent calls for
// one session share a single spawn.
//
// With a SessionPersistence attached, the manager writes its pid and its
// workers' pids after every change so PruneOrphans can clean up after a
// manager that died without running Shutdown.
package session
