// ABOUTME: Tests for the SQLite Persister implementation
// ABOUTME: Verifies round-trip persistence, message ordering, and idempotent writes

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) *SQLiteStore {
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testConversation(id string) *Conversation {
	now := time.Now().UTC().Truncate(time.Second)
	return &Conversation{
		ID:           id,
		InstanceID:   "inst-1",
		ContactID:    "5511999887766",
		ContactName:  "Contato 7766",
		LastMessage:  "oi",
		LastActivity: now,
		Unread:       1,
		Status:       StatusQueued,
		CreatedAt:    now,
	}
}

func TestUpsertConversation_RoundTrip(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	conv := testConversation("c1")
	require.NoError(t, s.UpsertConversation(ctx, conv))

	// Update in place
	conv.Status = StatusAssigned
	conv.AssigneeID = "va-1"
	conv.AssigneeName = "Ana"
	conv.Unread = 0
	require.NoError(t, s.UpsertConversation(ctx, conv))

	loaded, err := s.LoadConversations(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	got := loaded[0]
	assert.Equal(t, "c1", got.ID)
	assert.Equal(t, StatusAssigned, got.Status)
	assert.Equal(t, "va-1", got.AssigneeID)
	assert.Equal(t, "Ana", got.AssigneeName)
	assert.Equal(t, 0, got.Unread)
	assert.Equal(t, "Contato 7766", got.ContactName)
}

func TestSaveMessage_OrderAndIdempotence(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertConversation(ctx, testConversation("c1")))

	now := time.Now().UTC()
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, s.SaveMessage(ctx, &Message{
			ID:             id,
			ConversationID: "c1",
			InstanceID:     "inst-1",
			From:           "5511999887766",
			Body:           id,
			Kind:           KindText,
			Timestamp:      now.Add(time.Duration(i) * time.Second),
		}))
	}

	// Replaying an already-saved message is a no-op
	require.NoError(t, s.SaveMessage(ctx, &Message{
		ID:             "m2",
		ConversationID: "c1",
		InstanceID:     "inst-1",
		Body:           "replayed",
		Kind:           KindText,
		Timestamp:      now,
	}))

	loaded, err := s.LoadConversations(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Len(t, loaded[0].Messages, 3)
	assert.Equal(t, "m1", loaded[0].Messages[0].ID)
	assert.Equal(t, "m2", loaded[0].Messages[1].ID)
	assert.Equal(t, "m3", loaded[0].Messages[2].ID)
	assert.Equal(t, "m2", loaded[0].Messages[1].Body, "replay must not overwrite")
}

func TestMarkMessageDeliveryFailed(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertConversation(ctx, testConversation("c1")))
	require.NoError(t, s.SaveMessage(ctx, &Message{
		ID:             "m1",
		ConversationID: "c1",
		InstanceID:     "inst-1",
		Body:           "reply",
		Kind:           KindText,
		Timestamp:      time.Now(),
	}))

	require.NoError(t, s.MarkMessageDeliveryFailed(ctx, "m1"))
	assert.ErrorIs(t, s.MarkMessageDeliveryFailed(ctx, "missing"), ErrNotFound)

	loaded, err := s.LoadConversations(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Len(t, loaded[0].Messages, 1)
	assert.True(t, loaded[0].Messages[0].DeliveryFailed)
}

func TestPresence_RoundTripStartsOffline(t *testing.T) {
	s := newSQLiteStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, s.SavePresence(ctx, &PresenceEntry{
		AgentID:      "va-1",
		Name:         "Ana",
		Online:       true,
		ActiveChats:  2,
		LastActivity: now,
		LastAssigned: now,
	}))

	// Upsert with new values
	require.NoError(t, s.SavePresence(ctx, &PresenceEntry{
		AgentID:      "va-1",
		Name:         "Ana",
		Online:       true,
		ActiveChats:  3,
		LastActivity: now,
		LastAssigned: now,
	}))

	entries, err := s.LoadPresence(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "va-1", entries[0].AgentID)
	assert.Equal(t, 3, entries[0].ActiveChats)
	assert.False(t, entries[0].Online, "loaded entries never claim to be online")
}

func TestNewSQLiteStore_CreatesParentDirs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "deeper", "test.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestConversationSummary(t *testing.T) {
	conv := testConversation("c1")
	conv.AssigneeID = "va-1"
	conv.AssigneeName = "Ana"

	sum := conv.Summary()
	assert.Equal(t, conv.ID, sum.ID)
	assert.Equal(t, conv.ContactName, sum.ContactName)
	assert.Equal(t, conv.Unread, sum.Unread)
	assert.Equal(t, conv.AssigneeID, sum.AssigneeID)
	assert.Equal(t, conv.Status, sum.Status)
}
