// ABOUTME: Server orchestrator that wires the dispatch components together
// ABOUTME: Manages the HTTP server, webhook intake, and session lifecycle

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	"github.com/rafaellewezukprestus/prestus-connect/internal/assignment"
	"github.com/rafaellewezukprestus/prestus-connect/internal/auth"
	"github.com/rafaellewezukprestus/prestus-connect/internal/broadcast"
	"github.com/rafaellewezukprestus/prestus-connect/internal/chat"
	"github.com/rafaellewezukprestus/prestus-connect/internal/config"
	"github.com/rafaellewezukprestus/prestus-connect/internal/dedupe"
	"github.com/rafaellewezukprestus/prestus-connect/internal/presence"
	"github.com/rafaellewezukprestus/prestus-connect/internal/session"
	"github.com/rafaellewezukprestus/prestus-connect/internal/store"
	"github.com/rafaellewezukprestus/prestus-connect/internal/zapi"
)

const dedupeMaxEntries = 100_000

// Server orchestrates the dispatch components: conversation state, the
// assignment engine, presence, the event broadcaster, and the attendant
// session hub behind a single HTTP listener.
type Server struct {
	config      *config.Config
	db          *store.SQLiteStore
	broadcaster *broadcast.Broadcaster
	chat        *chat.Store
	presence    *presence.Registry
	engine      *assignment.Engine
	hub         *session.Hub
	dedupe      *dedupe.Cache
	verifier    auth.Verifier
	httpServer  *http.Server
	logger      *slog.Logger
}

// New creates a Server with the given configuration, wiring all components
// but not yet listening. Call Run to start serving.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	db, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	broadcaster := broadcast.New(logger.With("component", "broadcaster"))
	chatStore := chat.New(db, broadcaster, logger.With("component", "chat"))
	reg := presence.NewRegistry(db, cfg.Presence.StaleTimeout, logger.With("component", "presence"))
	engine := assignment.NewEngine(chatStore, reg, broadcaster, cfg.Routing.ReassignOnRelease, logger.With("component", "assignment"))
	gateway := zapi.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.ClientToken, cfg.Gateway.SendTimeout, logger.With("component", "zapi"))
	hub := session.NewHub(chatStore, engine, reg, broadcaster, gateway, logger.With("component", "hub"))

	s := &Server{
		config:      cfg,
		db:          db,
		broadcaster: broadcaster,
		chat:        chatStore,
		presence:    reg,
		engine:      engine,
		hub:         hub,
		dedupe:      dedupe.New(cfg.Gateway.DedupeTTL, dedupeMaxEntries),
		verifier:    auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		logger:      logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// routes builds the HTTP router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: false,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	r.Post("/webhook", s.handleWebhook)
	r.Get("/ws", s.handleWS)

	return r
}

// Run loads persisted state, starts the HTTP server, and blocks until the
// context is canceled or the server fails. Shutdown is graceful.
func (s *Server) Run(ctx context.Context) error {
	if err := s.chat.Load(ctx); err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}
	if err := s.presence.Load(ctx); err != nil {
		return fmt.Errorf("loading presence: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("shutting down")

		// The run context is already canceled, so shutdown gets its own.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// Shutdown stops the HTTP server and releases component resources.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	s.broadcaster.Close()
	s.dedupe.Close()
	s.presence.Close()

	if err := s.db.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %v", errs)
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports readiness along with the number of live sessions.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d sessions)", s.hub.TotalSessions())
}

// handleWebhook ingests an inbound gateway message. Retried deliveries are
// deduplicated by instance and message id; duplicates are acknowledged
// without re-processing so the gateway stops retrying.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload zapi.WebhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	if err := payload.Validate(); err != nil {
		s.logger.Warn("rejecting webhook", "error", err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.dedupe.CheckAndMark(payload.DedupeKey()) {
		s.logger.Debug("duplicate webhook delivery", "message_id", payload.MessageID)
		w.WriteHeader(http.StatusOK)
		return
	}

	summary, created, err := s.chat.IngestInbound(r.Context(), payload.Normalize())
	if err != nil {
		// The key was marked before ingestion committed; forget it so the
		// gateway's retry is processed instead of acknowledged as a dupe.
		s.dedupe.Forget(payload.DedupeKey())
		s.logger.Error("ingesting webhook message", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if s.config.Routing.AutoAssign && summary.Status == store.StatusQueued {
		if agentID, err := s.engine.AutoAssign(summary.ID); err != nil {
			// Lost the race with a manual claim; the message still landed.
			s.logger.Debug("auto-assign skipped", "chat_id", summary.ID, "error", err)
		} else if agentID != "" {
			s.logger.Info("auto-assigned conversation", "chat_id", summary.ID, "agent_id", agentID)
		}
	}

	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"received": true,
		"chatId":   summary.ID,
		"created":  created,
	})
}

// handleWS authenticates the attendant and hands the connection to the hub.
// The token comes from the Authorization header or, for browser WebSocket
// clients that cannot set headers, the token query parameter.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	actor, err := s.verifier.Verify(token)
	if err != nil {
		s.logger.Warn("rejecting session", "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	s.hub.Serve(w, r, actor)
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}
