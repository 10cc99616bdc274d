// ABOUTME: Tracks live sessions per actor and owns the connect/disconnect lifecycle
// ABOUTME: The last session of an agent going away implies presence teardown

package session

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"

	"github.com/rafaellewezukprestus/prestus-connect/internal/assignment"
	"github.com/rafaellewezukprestus/prestus-connect/internal/auth"
	"github.com/rafaellewezukprestus/prestus-connect/internal/broadcast"
	"github.com/rafaellewezukprestus/prestus-connect/internal/chat"
	"github.com/rafaellewezukprestus/prestus-connect/internal/presence"
	"github.com/rafaellewezukprestus/prestus-connect/internal/zapi"
)

// Hub owns all live sessions and the shared core dependencies they dispatch
// into. An actor may hold several concurrent sessions (multiple tabs);
// presence goes offline only when the last one disconnects.
type Hub struct {
	mu       sync.Mutex
	sessions map[string]map[string]*Session // actorID -> sessionID

	chat        *chat.Store
	engine      *assignment.Engine
	presence    *presence.Registry
	broadcaster *broadcast.Broadcaster
	gateway     zapi.Sender
	logger      *slog.Logger
}

// NewHub creates a session hub. Pass nil logger for default.
func NewHub(chatStore *chat.Store, engine *assignment.Engine, reg *presence.Registry, b *broadcast.Broadcaster, gateway zapi.Sender, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		sessions:    make(map[string]map[string]*Session),
		chat:        chatStore,
		engine:      engine,
		presence:    reg,
		broadcaster: b,
		gateway:     gateway,
		logger:      logger.With("component", "session"),
	}
}

// Serve upgrades the request to a WebSocket and runs the session until
// it disconnects. The actor must already be authenticated by the caller.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, actor auth.Actor) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		h.logger.Warn("websocket accept failed", "error", err, "actor_id", actor.ID)
		return
	}

	s := newSession(conn, actor, h)
	h.track(s)
	h.logger.Info("session connected",
		"session_id", s.ID, "actor_id", actor.ID, "role", actor.Role)

	defer func() {
		conn.Close(websocket.StatusNormalClosure, "")
		h.untrack(s)
	}()

	s.run(r.Context())
}

// track registers a live session.
func (h *Hub) track(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.sessions[s.Actor.ID]; !ok {
		h.sessions[s.Actor.ID] = make(map[string]*Session)
	}
	h.sessions[s.Actor.ID][s.ID] = s
}

// untrack removes a session and tears down presence when an agent's last
// session is gone.
func (h *Hub) untrack(s *Session) {
	h.mu.Lock()
	bucket := h.sessions[s.Actor.ID]
	delete(bucket, s.ID)
	last := len(bucket) == 0
	if last {
		delete(h.sessions, s.Actor.ID)
	}
	h.mu.Unlock()

	h.logger.Info("session disconnected",
		"session_id", s.ID, "actor_id", s.Actor.ID, "last", last)

	if last && s.Actor.Role == auth.RoleAgent {
		h.presence.SetOffline(s.Actor.ID)
		h.publishPresence()
	}
}

// TotalSessions returns the number of live sessions across all actors.
func (h *Hub) TotalSessions() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	total := 0
	for _, bucket := range h.sessions {
		total += len(bucket)
	}
	return total
}

func (h *Hub) publishPresence() {
	h.broadcaster.Publish(&broadcast.Event{
		Kind:     broadcast.KindPresenceChanged,
		Presence: h.presence.Snapshot(),
	})
}
