// ABOUTME: One WebSocket session per connected actor, with a single writer goroutine
// ABOUTME: Reads typed events, dispatches to the core, pumps broadcast events out

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/rafaellewezukprestus/prestus-connect/internal/assignment"
	"github.com/rafaellewezukprestus/prestus-connect/internal/auth"
	"github.com/rafaellewezukprestus/prestus-connect/internal/broadcast"
	"github.com/rafaellewezukprestus/prestus-connect/internal/chat"
	"github.com/rafaellewezukprestus/prestus-connect/internal/store"
	"github.com/rafaellewezukprestus/prestus-connect/internal/zapi"
)

// outBufferSize is the writer queue depth per session.
const outBufferSize = 64

// sendTimeout bounds the async gateway delivery of one reply.
const sendTimeout = 10 * time.Second

// Session is the transport-level binding between an actor and one live
// WebSocket connection.
type Session struct {
	ID    string
	Actor auth.Actor

	conn   *websocket.Conn
	out    chan OutEvent
	hub    *Hub
	logger *slog.Logger
}

// newSession wraps an accepted connection.
func newSession(conn *websocket.Conn, actor auth.Actor, hub *Hub) *Session {
	return &Session{
		ID:    uuid.New().String(),
		Actor: actor,
		conn:  conn,
		out:   make(chan OutEvent, outBufferSize),
		hub:   hub,
	}
}

// run drives the session until the connection drops or the context ends.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub := s.hub.broadcaster.Subscribe(ctx, visibleFn(s.Actor), func() {
		// Evicted for lagging: force a reconnect so the client
		// reconciles from a fresh snapshot.
		s.conn.Close(websocket.StatusTryAgainLater, "event backlog overflow")
	})
	s.logger = s.hub.logger.With("session_id", s.ID, "actor_id", s.Actor.ID)

	go s.writeLoop(ctx)
	go s.pumpLoop(ctx, sub)

	s.enqueue(ctx, s.snapshotEvent())
	s.readLoop(ctx)
}

// writeLoop is the only goroutine that writes to the connection.
func (s *Session) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.out:
			if !ok {
				return
			}
			if err := wsjson.Write(ctx, s.conn, Envelope{Type: ev.Type, Data: mustMarshal(ev.Data)}); err != nil {
				s.logger.Debug("session write failed", "error", err)
				s.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

// pumpLoop forwards broadcast events, in publish order, to the writer.
func (s *Session) pumpLoop(ctx context.Context, sub *broadcast.Subscription) {
	for ev := range sub.Events {
		for _, out := range wireEvents(ev) {
			s.enqueue(ctx, out)
		}
	}
}

// enqueue hands a frame to the writer goroutine.
func (s *Session) enqueue(ctx context.Context, ev OutEvent) {
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

// readLoop processes inbound frames until the connection drops.
func (s *Session) readLoop(ctx context.Context) {
	for {
		var env Envelope
		if err := wsjson.Read(ctx, s.conn, &env); err != nil {
			s.logger.Debug("session closed", "error", err)
			return
		}
		s.hub.presence.Heartbeat(s.Actor.ID)
		s.dispatch(ctx, env)
	}
}

// dispatch routes one inbound frame to the core and reports typed failures
// back to the client.
func (s *Session) dispatch(ctx context.Context, env Envelope) {
	var err error

	switch env.Type {
	case evAgentOnline:
		err = s.handleOnline(ctx)
	case evAgentOffline:
		err = s.handleOffline(ctx)
	case evSendMessage:
		err = s.handleSendMessage(ctx, env.Data)
	case evAssignChat:
		err = s.handleAssign(ctx, env.Data)
	case evReleaseChat:
		err = s.handleRelease(ctx, env.Data)
	case evCloseChat:
		err = s.handleClose(ctx, env.Data)
	case evMarkRead:
		err = s.handleMarkRead(env.Data)
	case evSnapshot:
		s.enqueue(ctx, s.snapshotEvent())
	case evHeartbeat:
		// Heartbeat already recorded for every inbound frame
	default:
		err = fmt.Errorf("unknown event type %q", env.Type)
	}

	if err != nil {
		s.logger.Debug("event rejected", "event", env.Type, "error", err)
		s.enqueue(ctx, OutEvent{
			Type: evError,
			Data: errorOut{Code: errorCode(err), Message: err.Error()},
		})
	}
}

func (s *Session) handleOnline(ctx context.Context) error {
	if s.Actor.Role != auth.RoleAgent {
		// Supervisors and admins observe presence, they are not part
		// of the assignment pool.
		return nil
	}
	s.hub.presence.SetOnline(s.Actor.ID, s.Actor.Name)
	s.hub.publishPresence()
	return nil
}

func (s *Session) handleOffline(ctx context.Context) error {
	if s.Actor.Role != auth.RoleAgent {
		return nil
	}
	s.hub.presence.SetOffline(s.Actor.ID)
	s.hub.publishPresence()
	return nil
}

// handleSendMessage records the reply locally first, then delivers it to the
// gateway in the background. Delivery failure flags the message instead of
// rolling it back.
func (s *Session) handleSendMessage(ctx context.Context, data json.RawMessage) error {
	var in sendMessageIn
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("bad send-message payload: %w", err)
	}

	summary, msg, err := s.hub.chat.AppendOutbound(ctx, in.ChatID, in.Message, s.Actor)
	if err != nil {
		return err
	}

	go func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		defer cancel()

		if err := s.hub.gateway.SendMessage(sendCtx, summary.InstanceID, summary.ContactID, in.Message); err != nil {
			s.logger.Warn("outbound delivery failed",
				"conversation_id", summary.ID,
				"message_id", msg.ID,
				"error", err)
			if err := s.hub.chat.MarkDeliveryFailed(summary.ID, msg.ID); err != nil {
				s.logger.Error("failed to flag delivery failure",
					"message_id", msg.ID, "error", err)
			}
		}
	}()
	return nil
}

func (s *Session) handleAssign(ctx context.Context, data json.RawMessage) error {
	var in assignChatIn
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("bad assign-chat payload: %w", err)
	}
	_, err := s.hub.engine.Assign(in.ChatID, in.AgentID, s.Actor)
	return err
}

func (s *Session) handleRelease(ctx context.Context, data json.RawMessage) error {
	var in chatRef
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("bad release-chat payload: %w", err)
	}
	_, err := s.hub.engine.Release(in.ChatID, s.Actor)
	return err
}

func (s *Session) handleClose(ctx context.Context, data json.RawMessage) error {
	var in chatRef
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("bad close-chat payload: %w", err)
	}
	_, err := s.hub.engine.Close(in.ChatID, s.Actor)
	return err
}

func (s *Session) handleMarkRead(data json.RawMessage) error {
	var in chatRef
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("bad mark-read payload: %w", err)
	}
	return s.hub.chat.MarkRead(in.ChatID)
}

// snapshotEvent builds the role-filtered reconciliation snapshot.
func (s *Session) snapshotEvent() OutEvent {
	return OutEvent{
		Type: evSnapshot,
		Data: snapshotOut{
			Chats:    s.hub.chat.Visible(s.Actor),
			Presence: s.hub.presence.Snapshot(),
		},
	}
}

// visibleFn builds the role-based delivery filter, evaluated per event so
// assignment changes take effect immediately.
func visibleFn(actor auth.Actor) broadcast.VisibleFunc {
	return func(ev *broadcast.Event) bool {
		if actor.Role.Elevated() {
			return true
		}
		if ev.Kind == broadcast.KindPresenceChanged {
			return true
		}
		c := ev.Conversation
		if c == nil {
			return true
		}
		switch c.Status {
		case store.StatusQueued:
			return true
		case store.StatusAssigned:
			return c.AssigneeID == actor.ID
		default:
			return false
		}
	}
}

// errorCode maps core errors onto the wire taxonomy.
func errorCode(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	case errors.Is(err, chat.ErrConversationClosed), errors.Is(err, assignment.ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, assignment.ErrForbidden):
		return "forbidden"
	case errors.Is(err, assignment.ErrConflict):
		return "conflict"
	case errors.Is(err, zapi.ErrDeliveryFailed):
		return "delivery_failed"
	default:
		return "bad_request"
	}
}

func mustMarshal(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}
