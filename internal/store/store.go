// ABOUTME: Data types and persistence interface for prestus-connect
// ABOUTME: Defines Conversation, Message, PresenceEntry and the Persister interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateConversation is returned when a conversation already exists
// for the same (instance, contact) pair
var ErrDuplicateConversation = errors.New("conversation already exists")

// Status is the lifecycle state of a conversation
type Status string

const (
	StatusQueued   Status = "queued"
	StatusAssigned Status = "assigned"
	StatusClosed   Status = "closed"
)

// Message kinds, matching the gateway content types
const (
	KindText     = "text"
	KindImage    = "image"
	KindDocument = "document"
	KindAudio    = "audio"
)

// Message is a single immutable entry in a conversation's log.
// Ordering within a conversation is insertion order; Timestamp is
// informational only.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"chatId"`
	InstanceID     string    `json:"instanceId"`
	From           string    `json:"from"`
	To             string    `json:"to"`
	Body           string    `json:"message"`
	Kind           string    `json:"type"`
	Timestamp      time.Time `json:"timestamp"`
	DeliveryFailed bool      `json:"deliveryFailed,omitempty"`
}

// Conversation is the central aggregate: one dialogue with one external
// contact on one gateway instance.
type Conversation struct {
	ID           string
	InstanceID   string
	ContactID    string
	ContactName  string
	LastMessage  string
	LastActivity time.Time
	Unread       int
	AssigneeID   string
	AssigneeName string
	Status       Status
	Messages     []*Message
	CreatedAt    time.Time
}

// Summary is the denormalized row needed to render a conversation in a list
// without a follow-up fetch.
type Summary struct {
	ID           string    `json:"id"`
	InstanceID   string    `json:"instanceId"`
	ContactID    string    `json:"from"`
	ContactName  string    `json:"contactName"`
	LastMessage  string    `json:"lastMessage"`
	LastActivity time.Time `json:"lastActivity"`
	Unread       int       `json:"unreadCount"`
	AssigneeID   string    `json:"assignedTo,omitempty"`
	AssigneeName string    `json:"assignedToName,omitempty"`
	Status       Status    `json:"status"`
}

// Summary returns the denormalized list row for this conversation.
func (c *Conversation) Summary() Summary {
	return Summary{
		ID:           c.ID,
		InstanceID:   c.InstanceID,
		ContactID:    c.ContactID,
		ContactName:  c.ContactName,
		LastMessage:  c.LastMessage,
		LastActivity: c.LastActivity,
		Unread:       c.Unread,
		AssigneeID:   c.AssigneeID,
		AssigneeName: c.AssigneeName,
		Status:       c.Status,
	}
}

// PresenceEntry tracks an attendant's availability and workload.
type PresenceEntry struct {
	AgentID      string    `json:"id"`
	Name         string    `json:"name"`
	Online       bool      `json:"isOnline"`
	ActiveChats  int       `json:"activeChats"`
	LastActivity time.Time `json:"lastActivity"`
	LastAssigned time.Time `json:"-"`
}

// Persister is what the in-memory conversation store needs from durable
// storage. The in-memory state is authoritative; writes are write-through
// so the process can be rebuilt after a restart.
type Persister interface {
	UpsertConversation(ctx context.Context, conv *Conversation) error
	SaveMessage(ctx context.Context, msg *Message) error
	MarkMessageDeliveryFailed(ctx context.Context, messageID string) error
	LoadConversations(ctx context.Context) ([]*Conversation, error)

	SavePresence(ctx context.Context, entry *PresenceEntry) error
	LoadPresence(ctx context.Context) ([]*PresenceEntry, error)

	Close() error
}
