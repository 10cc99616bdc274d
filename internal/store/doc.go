// Package store defines the core data types and the Persister interface,
// with a SQLite implementation used for restart recovery. In-memory state
// owned by the chat and presence packages is authoritative; this layer is
// write-through.
package store
