// ABOUTME: State machine for conversation assignment: queue, claim, auto-assign, release
// ABOUTME: Transitions are serialized per conversation so at most one winner exists

package assignment

import (
	"errors"
	"log/slog"

	"github.com/rafaellewezukprestus/prestus-connect/internal/auth"
	"github.com/rafaellewezukprestus/prestus-connect/internal/broadcast"
	"github.com/rafaellewezukprestus/prestus-connect/internal/store"
)

// Transition errors
var (
	// ErrForbidden means the actor lacks the role or ownership for the
	// requested transition.
	ErrForbidden = errors.New("transition not permitted for actor")

	// ErrInvalidState means the operation is illegal for the
	// conversation's current lifecycle status.
	ErrInvalidState = errors.New("operation invalid for conversation state")

	// ErrConflict means a concurrent assignment for the same conversation
	// won first.
	ErrConflict = errors.New("assignment race lost")
)

// Conversations is what the engine needs from the conversation store.
type Conversations interface {
	Transition(conversationID string, fn func(conv *store.Conversation) (*broadcast.Event, error)) (store.Summary, error)
	OldestQueued(excludeID string) (store.Summary, bool)
}

// Presence is what the engine needs from the presence registry.
type Presence interface {
	Snapshot() []store.PresenceEntry
	RecordAssignment(agentID, displayName string)
	RecordRelease(agentID string)
	Name(agentID string) string
}

// Publisher fans out presence updates after count changes.
type Publisher interface {
	Publish(ev *broadcast.Event)
}

// Engine applies assignment transitions. The per-conversation lock inside
// Conversations.Transition is what guarantees a single winner when a manual
// assign and an auto-assign race for the same conversation.
type Engine struct {
	conversations Conversations
	presence      Presence
	pub           Publisher
	logger        *slog.Logger

	// reassignOnRelease re-evaluates the queue when an agent frees up.
	reassignOnRelease bool
}

// NewEngine creates an assignment engine. Pass nil logger for default.
func NewEngine(conversations Conversations, presence Presence, pub Publisher, reassignOnRelease bool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		conversations:     conversations,
		presence:          presence,
		pub:               pub,
		logger:            logger.With("component", "assignment"),
		reassignOnRelease: reassignOnRelease,
	}
}

// Assign assigns a conversation to a target agent on behalf of an actor.
// Supervisors and admins may assign or reassign freely; an agent may only
// self-claim a conversation that is still queued.
func (e *Engine) Assign(conversationID, targetAgentID string, by auth.Actor) (store.Summary, error) {
	if !by.Role.Elevated() && !(by.Role == auth.RoleAgent && targetAgentID == by.ID) {
		return store.Summary{}, ErrForbidden
	}

	targetName := e.presence.Name(targetAgentID)
	if targetName == "" {
		if targetAgentID == by.ID {
			targetName = by.Name
		} else {
			targetName = targetAgentID
		}
	}

	summary, err := e.conversations.Transition(conversationID, func(conv *store.Conversation) (*broadcast.Event, error) {
		if conv.Status == store.StatusClosed {
			return nil, ErrInvalidState
		}
		if conv.Status == store.StatusAssigned && !by.Role.Elevated() {
			// Agents cannot take over an assigned conversation,
			// including one they lost a claim race for.
			return nil, ErrForbidden
		}

		prevAssignee := conv.AssigneeID
		conv.AssigneeID = targetAgentID
		conv.AssigneeName = targetName
		conv.Status = store.StatusAssigned

		e.settleCounts(prevAssignee, targetAgentID, targetName)
		return &broadcast.Event{
			Kind: broadcast.KindAssignmentChanged,
			Assignment: &broadcast.AssignmentDelta{
				ConversationID: conv.ID,
				AgentID:        targetAgentID,
				AgentName:      targetName,
			},
		}, nil
	})
	if err != nil {
		return store.Summary{}, err
	}

	e.logger.Info("conversation assigned",
		"conversation_id", conversationID,
		"agent_id", targetAgentID,
		"by", by.ID)
	return summary, nil
}

// AutoAssign routes a queued conversation to the least-loaded online agent,
// ties broken by least-recently-assigned. If nobody is online the
// conversation stays queued and the empty agent id is returned. A
// conversation that is no longer queued loses with ErrConflict.
func (e *Engine) AutoAssign(conversationID string) (string, error) {
	candidates := e.presence.Snapshot()
	if len(candidates) == 0 {
		return "", nil
	}
	target := candidates[0]

	summary, err := e.conversations.Transition(conversationID, func(conv *store.Conversation) (*broadcast.Event, error) {
		if conv.Status != store.StatusQueued {
			return nil, ErrConflict
		}

		conv.AssigneeID = target.AgentID
		conv.AssigneeName = target.Name
		conv.Status = store.StatusAssigned

		e.settleCounts("", target.AgentID, target.Name)
		return &broadcast.Event{
			Kind: broadcast.KindAssignmentChanged,
			Assignment: &broadcast.AssignmentDelta{
				ConversationID: conv.ID,
				AgentID:        target.AgentID,
				AgentName:      target.Name,
				Auto:           true,
			},
		}, nil
	})
	if err != nil {
		return "", err
	}

	e.logger.Info("conversation auto-assigned",
		"conversation_id", summary.ID,
		"agent_id", target.AgentID)
	return target.AgentID, nil
}

// Release returns an assigned conversation to the queue. Permitted for the
// current assignee and for supervisors/admins. Releasing a conversation that
// is not assigned fails with ErrInvalidState, never a silent no-op.
func (e *Engine) Release(conversationID string, by auth.Actor) (store.Summary, error) {
	var prevAssignee string
	summary, err := e.conversations.Transition(conversationID, func(conv *store.Conversation) (*broadcast.Event, error) {
		if conv.Status != store.StatusAssigned {
			return nil, ErrInvalidState
		}
		if !by.Role.Elevated() && conv.AssigneeID != by.ID {
			return nil, ErrForbidden
		}

		prevAssignee = conv.AssigneeID
		conv.AssigneeID = ""
		conv.AssigneeName = ""
		conv.Status = store.StatusQueued

		e.presence.RecordRelease(prevAssignee)
		e.publishPresence()
		return &broadcast.Event{
			Kind: broadcast.KindAssignmentChanged,
			Assignment: &broadcast.AssignmentDelta{
				ConversationID: conv.ID,
				Released:       true,
			},
		}, nil
	})
	if err != nil {
		return store.Summary{}, err
	}

	e.logger.Info("conversation released",
		"conversation_id", conversationID,
		"previous_agent", prevAssignee,
		"by", by.ID)

	if e.reassignOnRelease {
		e.reassignWaiting(conversationID)
	}
	return summary, nil
}

// Close moves a conversation to its terminal state. Permitted for the
// current assignee and for supervisors/admins. Closed conversations are
// never auto-assigned and disappear from queue/assigned views.
func (e *Engine) Close(conversationID string, by auth.Actor) (store.Summary, error) {
	var prevAssignee string
	summary, err := e.conversations.Transition(conversationID, func(conv *store.Conversation) (*broadcast.Event, error) {
		if conv.Status == store.StatusClosed {
			return nil, ErrInvalidState
		}
		if !by.Role.Elevated() && conv.AssigneeID != by.ID {
			return nil, ErrForbidden
		}

		prevAssignee = conv.AssigneeID
		conv.AssigneeID = ""
		conv.AssigneeName = ""
		conv.Status = store.StatusClosed

		if prevAssignee != "" {
			e.presence.RecordRelease(prevAssignee)
			e.publishPresence()
		}
		return &broadcast.Event{
			Kind: broadcast.KindConversationUpdated,
		}, nil
	})
	if err != nil {
		return store.Summary{}, err
	}

	e.logger.Info("conversation closed",
		"conversation_id", conversationID, "by", by.ID)
	return summary, nil
}

// reassignWaiting gives the longest-waiting queued conversation a chance to
// land on the agent that just freed up.
func (e *Engine) reassignWaiting(releasedID string) {
	waiting, ok := e.conversations.OldestQueued(releasedID)
	if !ok {
		return
	}
	if _, err := e.AutoAssign(waiting.ID); err != nil && !errors.Is(err, ErrConflict) {
		e.logger.Warn("release re-evaluation failed",
			"conversation_id", waiting.ID, "error", err)
	}
}

// settleCounts applies presence bookkeeping and fans out the new presence
// ordering. Callers invoke it from inside the transition callback, while the
// conversation lock is still held, so counts settle in the same order as the
// transitions they account for; a reassignment landing right behind another
// can never decrement the earlier assignee before its increment happened.
func (e *Engine) settleCounts(prevAssignee, newAssignee, newName string) {
	if prevAssignee == newAssignee && prevAssignee != "" {
		// Supervisor reassigned to the same agent: counts unchanged.
		return
	}
	e.presence.RecordAssignment(newAssignee, newName)
	if prevAssignee != "" {
		e.presence.RecordRelease(prevAssignee)
	}
	e.publishPresence()
}

func (e *Engine) publishPresence() {
	e.pub.Publish(&broadcast.Event{
		Kind:     broadcast.KindPresenceChanged,
		Presence: e.presence.Snapshot(),
	})
}
