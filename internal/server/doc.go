// Package server wires the dispatch components behind a single HTTP
// listener.
//
// # Endpoints
//
//   - POST /webhook - inbound gateway message intake (validated,
//     deduplicated, then ingested; optionally auto-assigned)
//   - GET /ws - authenticated attendant WebSocket sessions
//   - GET /health - liveness check
//   - GET /health/ready - readiness plus live session count
//
// # Lifecycle
//
// New() constructs and wires every component; Run() restores persisted
// state, serves until the context is canceled, and shuts down gracefully.
package server
