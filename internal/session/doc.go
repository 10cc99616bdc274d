// Package session manages WebSocket sessions for connected attendants.
//
// # Protocol
//
// Frames are JSON envelopes {"type": ..., "data": ...} in both directions.
// Inbound: agent-online, agent-offline, send-message, assign-chat,
// release-chat, close-chat, mark-read, snapshot, heartbeat. Outbound:
// snapshot, new-message, chat-assigned, chat-returned-to-queue,
// auto-assigned-chat, conversation-updated, delivery-failed,
// presence-updated, error.
//
// # Delivery
//
// Each session subscribes to the broadcaster with a role-based visibility
// filter and receives events in global publish order. A single writer
// goroutine owns the connection; a session that cannot keep up is closed
// with StatusTryAgainLater and reconciles from a fresh snapshot on
// reconnect.
//
// # Lifecycle
//
// The Hub tracks sessions per actor. An actor may hold several concurrent
// sessions; when an agent's last session disconnects the hub marks them
// offline in the presence registry.
package session
