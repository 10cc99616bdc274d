// ABOUTME: Event types carried by the fan-out broadcaster
// ABOUTME: Each event holds the minimal delta plus the full list-row summary

package broadcast

import (
	"github.com/rafaellewezukprestus/prestus-connect/internal/store"
)

// Kind discriminates broadcast events.
type Kind string

const (
	KindConversationCreated Kind = "conversation-created"
	KindMessageAppended     Kind = "message-appended"
	KindAssignmentChanged   Kind = "assignment-changed"
	KindConversationUpdated Kind = "conversation-updated"
	KindDeliveryFailed      Kind = "delivery-failed"
	KindPresenceChanged     Kind = "presence-changed"
)

// AssignmentDelta describes a transition of a conversation's assignment.
type AssignmentDelta struct {
	ConversationID string
	AgentID        string
	AgentName      string
	Auto           bool
	Released       bool
}

// Event is a single state-change notification. Seq is assigned by the
// broadcaster at publish time and is globally monotonic.
type Event struct {
	Seq  uint64
	Kind Kind

	// Conversation is the denormalized summary of the affected
	// conversation. Nil for presence events.
	Conversation *store.Summary

	// Message is set for message-appended, conversation-created and
	// delivery-failed events.
	Message *store.Message

	// Assignment is set for assignment-changed events.
	Assignment *AssignmentDelta

	// Presence is the full ordered online list, set for presence events.
	Presence []store.PresenceEntry
}
