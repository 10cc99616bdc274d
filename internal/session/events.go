// ABOUTME: Wire-level event envelope and payloads for session connections
// ABOUTME: Maps broadcast events onto the socket event names the clients speak

package session

import (
	"encoding/json"

	"github.com/rafaellewezukprestus/prestus-connect/internal/broadcast"
	"github.com/rafaellewezukprestus/prestus-connect/internal/chat"
	"github.com/rafaellewezukprestus/prestus-connect/internal/store"
)

// Inbound event names
const (
	evAgentOnline  = "agent-online"
	evAgentOffline = "agent-offline"
	evSendMessage  = "send-message"
	evAssignChat   = "assign-chat"
	evReleaseChat  = "release-chat"
	evCloseChat    = "close-chat"
	evMarkRead     = "mark-read"
	evSnapshot     = "snapshot"
	evHeartbeat    = "heartbeat"
)

// Outbound event names
const (
	evNewMessage          = "new-message"
	evChatAssigned        = "chat-assigned"
	evChatReturnedToQueue = "chat-returned-to-queue"
	evAutoAssignedChat    = "auto-assigned-chat"
	evConversationUpdated = "conversation-updated"
	evDeliveryFailed      = "delivery-failed"
	evPresenceUpdated     = "presence-updated"
	evError               = "error"
)

// Envelope is the frame exchanged on the socket in both directions.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// OutEvent is a frame queued for the session writer.
type OutEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// Inbound payloads

type chatRef struct {
	ChatID string `json:"chatId"`
}

type sendMessageIn struct {
	ChatID  string `json:"chatId"`
	Message string `json:"message"`
}

type assignChatIn struct {
	ChatID  string `json:"chatId"`
	AgentID string `json:"vaId"`
}

// Outbound payloads

type newMessageOut struct {
	Message store.Message `json:"message"`
	Chat    store.Summary `json:"chat"`
}

type chatAssignedOut struct {
	ChatID    string `json:"chatId"`
	AgentID   string `json:"vaId"`
	AgentName string `json:"vaName"`
}

type autoAssignedOut struct {
	ChatID  string `json:"chatId"`
	AgentID string `json:"vaId"`
}

type conversationOut struct {
	Chat store.Summary `json:"chat"`
}

type deliveryFailedOut struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
}

type snapshotOut struct {
	Chats    []chat.View           `json:"chats"`
	Presence []store.PresenceEntry `json:"presence"`
}

type errorOut struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// wireEvents translates one broadcast event into the socket frames a client
// expects. An auto-assignment produces both the assignment frame and the
// auto-assigned notification, in that order.
func wireEvents(ev *broadcast.Event) []OutEvent {
	switch ev.Kind {
	case broadcast.KindConversationCreated, broadcast.KindMessageAppended:
		if ev.Message == nil || ev.Conversation == nil {
			return nil
		}
		return []OutEvent{{
			Type: evNewMessage,
			Data: newMessageOut{Message: *ev.Message, Chat: *ev.Conversation},
		}}

	case broadcast.KindAssignmentChanged:
		if ev.Assignment == nil {
			return nil
		}
		d := ev.Assignment
		if d.Released {
			return []OutEvent{{
				Type: evChatReturnedToQueue,
				Data: chatRef{ChatID: d.ConversationID},
			}}
		}
		out := []OutEvent{{
			Type: evChatAssigned,
			Data: chatAssignedOut{ChatID: d.ConversationID, AgentID: d.AgentID, AgentName: d.AgentName},
		}}
		if d.Auto {
			out = append(out, OutEvent{
				Type: evAutoAssignedChat,
				Data: autoAssignedOut{ChatID: d.ConversationID, AgentID: d.AgentID},
			})
		}
		return out

	case broadcast.KindConversationUpdated:
		if ev.Conversation == nil {
			return nil
		}
		return []OutEvent{{
			Type: evConversationUpdated,
			Data: conversationOut{Chat: *ev.Conversation},
		}}

	case broadcast.KindDeliveryFailed:
		if ev.Message == nil {
			return nil
		}
		return []OutEvent{{
			Type: evDeliveryFailed,
			Data: deliveryFailedOut{ChatID: ev.Message.ConversationID, MessageID: ev.Message.ID},
		}}

	case broadcast.KindPresenceChanged:
		return []OutEvent{{
			Type: evPresenceUpdated,
			Data: ev.Presence,
		}}
	}
	return nil
}
