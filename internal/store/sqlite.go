// ABOUTME: SQLite implementation of the Persister interface using modernc.org/sqlite
// ABOUTME: Provides conversation/message/presence persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Persister interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			contact_id TEXT NOT NULL,
			contact_name TEXT NOT NULL,
			last_message TEXT NOT NULL DEFAULT '',
			last_activity DATETIME NOT NULL,
			unread INTEGER NOT NULL DEFAULT 0,
			assignee_id TEXT NOT NULL DEFAULT '',
			assignee_name TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_instance_contact
			ON conversations(instance_id, contact_id);

		CREATE TABLE IF NOT EXISTS messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			instance_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			recipient TEXT NOT NULL,
			body TEXT NOT NULL,
			kind TEXT NOT NULL DEFAULT 'text',
			timestamp DATETIME NOT NULL,
			delivery_failed INTEGER NOT NULL DEFAULT 0,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, seq);

		CREATE TABLE IF NOT EXISTS presence (
			agent_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			online INTEGER NOT NULL DEFAULT 0,
			active_chats INTEGER NOT NULL DEFAULT 0,
			last_activity DATETIME NOT NULL,
			last_assigned DATETIME NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// UpsertConversation inserts or updates the denormalized conversation row.
// Messages are persisted separately via SaveMessage.
func (s *SQLiteStore) UpsertConversation(ctx context.Context, conv *Conversation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, instance_id, contact_id, contact_name, last_message, last_activity,
			 unread, assignee_id, assignee_name, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			contact_name = excluded.contact_name,
			last_message = excluded.last_message,
			last_activity = excluded.last_activity,
			unread = excluded.unread,
			assignee_id = excluded.assignee_id,
			assignee_name = excluded.assignee_name,
			status = excluded.status`,
		conv.ID, conv.InstanceID, conv.ContactID, conv.ContactName,
		conv.LastMessage, conv.LastActivity, conv.Unread,
		conv.AssigneeID, conv.AssigneeName, string(conv.Status), conv.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting conversation: %w", err)
	}
	return nil
}

// SaveMessage appends a message row. Message IDs are unique so webhook
// retries that slip past the dedupe cache are a no-op at this layer.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, conversation_id, instance_id, sender, recipient, body, kind, timestamp, delivery_failed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.InstanceID, msg.From, msg.To,
		msg.Body, msg.Kind, msg.Timestamp, boolToInt(msg.DeliveryFailed),
	)
	if err != nil {
		return fmt.Errorf("saving message: %w", err)
	}
	return nil
}

// MarkMessageDeliveryFailed flags a message whose outbound gateway send failed.
func (s *SQLiteStore) MarkMessageDeliveryFailed(ctx context.Context, messageID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE messages SET delivery_failed = 1 WHERE id = ?`, messageID)
	if err != nil {
		return fmt.Errorf("marking delivery failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LoadConversations rebuilds all conversations with their message logs,
// ordered by insertion. Used at startup to restore in-memory state.
func (s *SQLiteStore) LoadConversations(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, contact_id, contact_name, last_message,
		       last_activity, unread, assignee_id, assignee_name, status, created_at
		FROM conversations`)
	if err != nil {
		return nil, fmt.Errorf("loading conversations: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*Conversation)
	var convs []*Conversation
	for rows.Next() {
		var c Conversation
		var status string
		if err := rows.Scan(&c.ID, &c.InstanceID, &c.ContactID, &c.ContactName,
			&c.LastMessage, &c.LastActivity, &c.Unread,
			&c.AssigneeID, &c.AssigneeName, &status, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation: %w", err)
		}
		c.Status = Status(status)
		byID[c.ID] = &c
		convs = append(convs, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msgRows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, instance_id, sender, recipient, body, kind,
		       timestamp, delivery_failed
		FROM messages ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	defer msgRows.Close()

	for msgRows.Next() {
		var m Message
		var failed int
		if err := msgRows.Scan(&m.ID, &m.ConversationID, &m.InstanceID, &m.From,
			&m.To, &m.Body, &m.Kind, &m.Timestamp, &failed); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		m.DeliveryFailed = failed != 0
		if conv, ok := byID[m.ConversationID]; ok {
			conv.Messages = append(conv.Messages, &m)
		}
	}
	if err := msgRows.Err(); err != nil {
		return nil, err
	}

	return convs, nil
}

// SavePresence upserts a presence entry. Online flags are persisted so a
// restarted process starts everyone offline by resetting them on load.
func (s *SQLiteStore) SavePresence(ctx context.Context, entry *PresenceEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence (agent_id, name, online, active_chats, last_activity, last_assigned)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			name = excluded.name,
			online = excluded.online,
			active_chats = excluded.active_chats,
			last_activity = excluded.last_activity,
			last_assigned = excluded.last_assigned`,
		entry.AgentID, entry.Name, boolToInt(entry.Online),
		entry.ActiveChats, entry.LastActivity, entry.LastAssigned,
	)
	if err != nil {
		return fmt.Errorf("saving presence: %w", err)
	}
	return nil
}

// LoadPresence returns all known presence entries, marked offline: a live
// connection is required to be considered online after a restart.
func (s *SQLiteStore) LoadPresence(ctx context.Context) ([]*PresenceEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT agent_id, name, active_chats, last_activity, last_assigned
		FROM presence`)
	if err != nil {
		return nil, fmt.Errorf("loading presence: %w", err)
	}
	defer rows.Close()

	var entries []*PresenceEntry
	for rows.Next() {
		var e PresenceEntry
		if err := rows.Scan(&e.AgentID, &e.Name, &e.ActiveChats,
			&e.LastActivity, &e.LastAssigned); err != nil {
			return nil, fmt.Errorf("scanning presence: %w", err)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ Persister = (*SQLiteStore)(nil)
