// Package chat owns the authoritative in-memory conversation table.
//
// # Model
//
// One Conversation exists per (gateway instance, contact) pair, holding an
// ordered message log and the denormalized fields list views need. The
// lifecycle is queued -> assigned -> closed, with assigned conversations able
// to return to the queue.
//
// # Concurrency
//
// Every conversation carries its own mutex. All mutation happens under that
// lock, and the resulting broadcast event is published before the lock is
// released, so per-conversation event order always matches mutation order.
// Transition() exposes the same lock to the assignment engine, which is what
// makes competing claims single-winner.
//
// # Persistence
//
// The in-memory table is the source of truth. Writes go through a
// store.Persister with a short detached timeout; a persistence failure is
// logged and dispatch continues. Load() rebuilds the table at startup.
package chat
