// ABOUTME: Authoritative in-memory conversation table for the dispatch core
// ABOUTME: All mutation is serialized per conversation and published before returning

package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rafaellewezukprestus/prestus-connect/internal/auth"
	"github.com/rafaellewezukprestus/prestus-connect/internal/broadcast"
	"github.com/rafaellewezukprestus/prestus-connect/internal/store"
)

// ErrConversationClosed is returned when an operation is illegal because the
// conversation reached its terminal state.
var ErrConversationClosed = errors.New("conversation is closed")

// saveTimeout bounds detached write-through persistence so a slow disk
// cannot stall dispatch.
const saveTimeout = 5 * time.Second

// Publisher is what the store needs from the fan-out layer.
type Publisher interface {
	Publish(ev *broadcast.Event)
}

// contactKey identifies the one conversation allowed per gateway contact.
type contactKey struct {
	instanceID string
	contactID  string
}

// entry pairs a conversation with its serialization lock. All reads and
// writes of the conversation go through mu, which is also what makes
// assignment transitions single-winner.
type entry struct {
	mu   sync.Mutex
	conv *store.Conversation
}

// Store is the authoritative in-memory conversation table, write-through
// backed by a Persister for restart recovery.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*entry
	byContact map[contactKey]*entry

	db     store.Persister
	pub    Publisher
	logger *slog.Logger
}

// New creates a conversation store. Pass nil logger for default.
func New(db store.Persister, pub Publisher, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byID:      make(map[string]*entry),
		byContact: make(map[contactKey]*entry),
		db:        db,
		pub:       pub,
		logger:    logger.With("component", "chat"),
	}
}

// Load rebuilds the in-memory table from the durable store.
func (s *Store) Load(ctx context.Context) error {
	convs, err := s.db.LoadConversations(ctx)
	if err != nil {
		return fmt.Errorf("loading conversations: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conv := range convs {
		e := &entry{conv: conv}
		s.byID[conv.ID] = e
		s.byContact[contactKey{conv.InstanceID, conv.ContactID}] = e
	}
	s.logger.Info("conversations loaded", "count", len(convs))
	return nil
}

// Inbound is a normalized inbound gateway message plus the contact hints
// needed to create a conversation on first sight.
type Inbound struct {
	InstanceID string
	ContactID  string
	NameHint   string
	MessageID  string
	To         string
	Body       string
	Kind       string
	Timestamp  time.Time
}

// IngestInbound appends an inbound message, creating the conversation in
// queued status if this contact has not been seen on this instance before.
// Exactly one conversation exists per (instance, contact) pair. Returns the
// updated summary and whether the conversation was created.
func (s *Store) IngestInbound(ctx context.Context, in Inbound) (store.Summary, bool, error) {
	if in.InstanceID == "" || in.ContactID == "" {
		return store.Summary{}, false, fmt.Errorf("instance and contact are required")
	}
	if in.Kind == "" {
		in.Kind = store.KindText
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now()
	}

	e, created := s.ensureConversation(in)

	e.mu.Lock()
	defer e.mu.Unlock()

	conv := e.conv
	if in.MessageID == "" {
		in.MessageID = uuid.New().String()
	}
	msg := &store.Message{
		ID:             in.MessageID,
		ConversationID: conv.ID,
		InstanceID:     in.InstanceID,
		From:           in.ContactID,
		To:             in.To,
		Body:           in.Body,
		Kind:           in.Kind,
		Timestamp:      in.Timestamp,
	}

	conv.Messages = append(conv.Messages, msg)
	conv.LastMessage = msg.Body
	conv.LastActivity = msg.Timestamp
	conv.Unread++

	s.persist(conv, msg)

	kind := broadcast.KindMessageAppended
	if created && len(conv.Messages) == 1 {
		kind = broadcast.KindConversationCreated
	}
	summary := conv.Summary()
	msgCopy := *msg
	s.pub.Publish(&broadcast.Event{
		Kind:         kind,
		Conversation: &summary,
		Message:      &msgCopy,
	})

	s.logger.Debug("inbound message ingested",
		"conversation_id", conv.ID,
		"contact", conv.ContactID,
		"created", created)

	return summary, created, nil
}

// ensureConversation finds or creates the entry for an inbound contact.
// Creation is atomic under the table lock, so concurrent webhooks for the
// same new contact converge on a single conversation.
func (s *Store) ensureConversation(in Inbound) (*entry, bool) {
	key := contactKey{in.InstanceID, in.ContactID}

	s.mu.RLock()
	e, ok := s.byContact[key]
	s.mu.RUnlock()
	if ok {
		return e, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.byContact[key]; ok {
		// Lost the creation race to another webhook
		return e, false
	}

	name := in.NameHint
	if name == "" {
		name = defaultContactName(in.ContactID)
	}
	now := time.Now()
	e = &entry{conv: &store.Conversation{
		ID:           uuid.New().String(),
		InstanceID:   in.InstanceID,
		ContactID:    in.ContactID,
		ContactName:  name,
		Status:       store.StatusQueued,
		CreatedAt:    now,
		LastActivity: now,
	}}
	s.byID[e.conv.ID] = e
	s.byContact[key] = e
	return e, true
}

// defaultContactName derives a display name from the tail of the contact
// identifier, the same hint the original attendant UI showed.
func defaultContactName(contactID string) string {
	tail := contactID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	return "Contato " + tail
}

// AppendOutbound records an agent reply. The reply never touches the unread
// counter. Returns store.ErrNotFound for an unknown conversation and
// ErrConversationClosed when the conversation is terminal.
func (s *Store) AppendOutbound(ctx context.Context, conversationID, body string, sender auth.Actor) (store.Summary, *store.Message, error) {
	e, err := s.lookup(conversationID)
	if err != nil {
		return store.Summary{}, nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	conv := e.conv
	if conv.Status == store.StatusClosed {
		return store.Summary{}, nil, ErrConversationClosed
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		InstanceID:     conv.InstanceID,
		From:           sender.ID,
		To:             conv.ContactID,
		Body:           body,
		Kind:           store.KindText,
		Timestamp:      time.Now(),
	}

	conv.Messages = append(conv.Messages, msg)
	conv.LastMessage = msg.Body
	conv.LastActivity = msg.Timestamp

	s.persist(conv, msg)

	summary := conv.Summary()
	msgCopy := *msg
	s.pub.Publish(&broadcast.Event{
		Kind:         broadcast.KindMessageAppended,
		Conversation: &summary,
		Message:      &msgCopy,
	})

	return summary, &msgCopy, nil
}

// MarkDeliveryFailed flags a recorded outbound message whose gateway send
// failed. The local append stands; the flag lets the UI offer a retry.
func (s *Store) MarkDeliveryFailed(conversationID, messageID string) error {
	e, err := s.lookup(conversationID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	conv := e.conv
	var msg *store.Message
	for _, m := range conv.Messages {
		if m.ID == messageID {
			msg = m
			break
		}
	}
	if msg == nil {
		return store.ErrNotFound
	}
	msg.DeliveryFailed = true

	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.db.MarkMessageDeliveryFailed(saveCtx, messageID); err != nil {
		s.logger.Error("failed to persist delivery flag",
			"error", err, "message_id", messageID)
	}

	summary := conv.Summary()
	msgCopy := *msg
	s.pub.Publish(&broadcast.Event{
		Kind:         broadcast.KindDeliveryFailed,
		Conversation: &summary,
		Message:      &msgCopy,
	})
	return nil
}

// MarkRead resets the unread counter. Idempotent: marking an already-read
// conversation publishes nothing.
func (s *Store) MarkRead(conversationID string) error {
	e, err := s.lookup(conversationID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	conv := e.conv
	if conv.Unread == 0 {
		return nil
	}
	conv.Unread = 0

	s.persist(conv, nil)

	summary := conv.Summary()
	s.pub.Publish(&broadcast.Event{
		Kind:         broadcast.KindConversationUpdated,
		Conversation: &summary,
	})
	return nil
}

// Transition runs fn with exclusive access to the conversation. fn may
// mutate the conversation and return an event to publish; the event is
// published after the mutation is persisted but before the entry lock is
// released, so per-conversation event order matches mutation order. This is
// the serialization point that makes assignment transitions single-winner.
func (s *Store) Transition(conversationID string, fn func(conv *store.Conversation) (*broadcast.Event, error)) (store.Summary, error) {
	e, err := s.lookup(conversationID)
	if err != nil {
		return store.Summary{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	ev, err := fn(e.conv)
	if err != nil {
		return store.Summary{}, err
	}

	s.persist(e.conv, nil)

	summary := e.conv.Summary()
	if ev != nil {
		ev.Conversation = &summary
		s.pub.Publish(ev)
	}
	return summary, nil
}

// View is a conversation summary plus its full ordered message log, used
// for snapshot reconciliation.
type View struct {
	store.Summary
	Messages []store.Message `json:"messages"`
}

// Visible returns a consistent point-in-time view of the conversations the
// actor may see, most recently active first. Agents see the queue plus
// conversations assigned to themselves; supervisors and admins see
// everything, including closed conversations.
func (s *Store) Visible(actor auth.Actor) []View {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	views := make([]View, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		conv := e.conv
		if visibleTo(actor, conv) {
			v := View{Summary: conv.Summary(), Messages: make([]store.Message, len(conv.Messages))}
			for i, m := range conv.Messages {
				v.Messages[i] = *m
			}
			views = append(views, v)
		}
		e.mu.Unlock()
	}

	sort.Slice(views, func(i, j int) bool {
		return views[i].LastActivity.After(views[j].LastActivity)
	})
	return views
}

// visibleTo implements the role visibility law.
func visibleTo(actor auth.Actor, conv *store.Conversation) bool {
	if actor.Role.Elevated() {
		return true
	}
	switch conv.Status {
	case store.StatusQueued:
		return true
	case store.StatusAssigned:
		return conv.AssigneeID == actor.ID
	default:
		return false
	}
}

// OldestQueued returns the queued conversation that has been waiting the
// longest, excluding the given id. Used by the release re-evaluation hook.
func (s *Store) OldestQueued(excludeID string) (store.Summary, bool) {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.byID))
	for _, e := range s.byID {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	var oldest store.Summary
	var oldestCreated time.Time
	var found bool
	for _, e := range entries {
		e.mu.Lock()
		conv := e.conv
		if conv.Status == store.StatusQueued && conv.ID != excludeID {
			if !found || conv.CreatedAt.Before(oldestCreated) {
				oldest = conv.Summary()
				oldestCreated = conv.CreatedAt
				found = true
			}
		}
		e.mu.Unlock()
	}
	return oldest, found
}

// Get returns the summary for a single conversation.
func (s *Store) Get(conversationID string) (store.Summary, error) {
	e, err := s.lookup(conversationID)
	if err != nil {
		return store.Summary{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conv.Summary(), nil
}

func (s *Store) lookup(conversationID string) (*entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.byID[conversationID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return e, nil
}

// persist write-throughs the conversation row (and optionally one new
// message) with a detached timeout context. In-process state is the source
// of truth; persistence failures are logged, not propagated.
func (s *Store) persist(conv *store.Conversation, msg *store.Message) {
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := s.db.UpsertConversation(saveCtx, conv); err != nil {
		s.logger.Error("failed to persist conversation",
			"error", err, "conversation_id", conv.ID)
	}
	if msg != nil {
		if err := s.db.SaveMessage(saveCtx, msg); err != nil {
			s.logger.Error("failed to persist message",
				"error", err, "message_id", msg.ID)
		}
	}
}
