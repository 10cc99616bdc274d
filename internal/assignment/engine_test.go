// ABOUTME: Tests for the assignment engine
// ABOUTME: Verifies claim permissions, auto-assign ordering, release and close

package assignment

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafaellewezukprestus/prestus-connect/internal/auth"
	"github.com/rafaellewezukprestus/prestus-connect/internal/broadcast"
	"github.com/rafaellewezukprestus/prestus-connect/internal/chat"
	"github.com/rafaellewezukprestus/prestus-connect/internal/presence"
	"github.com/rafaellewezukprestus/prestus-connect/internal/store"
)

// capturePublisher records events; safe for concurrent use.
type capturePublisher struct {
	mu     sync.Mutex
	events []*broadcast.Event
}

func (p *capturePublisher) Publish(ev *broadcast.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *capturePublisher) lastAssignment(t *testing.T) *broadcast.AssignmentDelta {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Assignment != nil {
			return p.events[i].Assignment
		}
	}
	t.Fatal("no assignment event published")
	return nil
}

type fixture struct {
	chat     *chat.Store
	presence *presence.Registry
	engine   *Engine
	pub      *capturePublisher
}

func newFixture(t *testing.T, reassignOnRelease bool) *fixture {
	db, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	pub := &capturePublisher{}
	chatStore := chat.New(db, pub, nil)
	reg := presence.NewRegistry(db, 0, nil)
	t.Cleanup(reg.Close)

	return &fixture{
		chat:     chatStore,
		presence: reg,
		engine:   NewEngine(chatStore, reg, pub, reassignOnRelease, nil),
		pub:      pub,
	}
}

func (f *fixture) newConversation(t *testing.T, contactID string) store.Summary {
	t.Helper()
	summary, _, err := f.chat.IngestInbound(context.Background(), chat.Inbound{
		InstanceID: "inst-1",
		ContactID:  contactID,
		Body:       "oi",
	})
	require.NoError(t, err)
	return summary
}

var (
	ana = auth.Actor{ID: "va-1", Name: "Ana", Role: auth.RoleAgent}
	bia = auth.Actor{ID: "va-2", Name: "Bia", Role: auth.RoleAgent}
	sup = auth.Actor{ID: "sup-1", Name: "Sofia", Role: auth.RoleSupervisor}
)

func TestAssign_AgentSelfClaim(t *testing.T) {
	f := newFixture(t, false)
	f.presence.SetOnline(ana.ID, ana.Name)
	conv := f.newConversation(t, "111")

	got, err := f.engine.Assign(conv.ID, ana.ID, ana)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, got.Status)
	assert.Equal(t, ana.ID, got.AssigneeID)
	assert.Equal(t, "Ana", got.AssigneeName)

	delta := f.pub.lastAssignment(t)
	assert.Equal(t, ana.ID, delta.AgentID)
	assert.False(t, delta.Auto)

	snap := f.presence.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 1, snap[0].ActiveChats)
}

func TestAssign_AgentCannotAssignOthers(t *testing.T) {
	f := newFixture(t, false)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Assign(conv.ID, bia.ID, ana)
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestAssign_AgentCannotTakeOverAssigned(t *testing.T) {
	f := newFixture(t, false)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Assign(conv.ID, ana.ID, ana)
	require.NoError(t, err)

	_, err = f.engine.Assign(conv.ID, bia.ID, bia)
	assert.ErrorIs(t, err, ErrForbidden)

	got, err := f.chat.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ana.ID, got.AssigneeID, "loser must not overwrite the winner")
}

func TestAssign_SupervisorReassigns(t *testing.T) {
	f := newFixture(t, false)
	f.presence.SetOnline(ana.ID, ana.Name)
	f.presence.SetOnline(bia.ID, bia.Name)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Assign(conv.ID, ana.ID, ana)
	require.NoError(t, err)

	got, err := f.engine.Assign(conv.ID, bia.ID, sup)
	require.NoError(t, err)
	assert.Equal(t, bia.ID, got.AssigneeID)

	// Ana's count moved to Bia: Bia now has 1, Ana back to 0
	snap := f.presence.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, ana.ID, snap[0].AgentID)
	assert.Equal(t, 0, snap[0].ActiveChats)
	assert.Equal(t, bia.ID, snap[1].AgentID)
	assert.Equal(t, 1, snap[1].ActiveChats)
}

func TestAssign_ClosedConversation(t *testing.T) {
	f := newFixture(t, false)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Assign(conv.ID, ana.ID, ana)
	require.NoError(t, err)
	_, err = f.engine.Close(conv.ID, ana)
	require.NoError(t, err)

	_, err = f.engine.Assign(conv.ID, ana.ID, sup)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAssign_UnknownConversation(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.engine.Assign("nope", ana.ID, ana)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAutoAssign_PicksLeastLoaded(t *testing.T) {
	f := newFixture(t, false)
	f.presence.SetOnline(ana.ID, ana.Name)
	f.presence.SetOnline(bia.ID, bia.Name)

	// Load Bia with three conversations
	for _, contact := range []string{"201", "202", "203"} {
		c := f.newConversation(t, contact)
		_, err := f.engine.Assign(c.ID, bia.ID, bia)
		require.NoError(t, err)
	}

	conv := f.newConversation(t, "111")
	agentID, err := f.engine.AutoAssign(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ana.ID, agentID)

	delta := f.pub.lastAssignment(t)
	assert.True(t, delta.Auto)
}

func TestAutoAssign_TieBreakLeastRecentlyAssigned(t *testing.T) {
	f := newFixture(t, false)
	f.presence.SetOnline(ana.ID, ana.Name)
	f.presence.SetOnline(bia.ID, bia.Name)

	// Equal load, but Ana was assigned more recently than Bia
	f.presence.RecordAssignment(bia.ID, bia.Name)
	time.Sleep(5 * time.Millisecond)
	f.presence.RecordAssignment(ana.ID, ana.Name)

	conv := f.newConversation(t, "111")
	agentID, err := f.engine.AutoAssign(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, bia.ID, agentID)
}

func TestAutoAssign_NobodyOnline(t *testing.T) {
	f := newFixture(t, false)
	conv := f.newConversation(t, "111")

	agentID, err := f.engine.AutoAssign(conv.ID)
	require.NoError(t, err)
	assert.Empty(t, agentID)

	got, err := f.chat.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status, "conversation stays queued")
}

func TestAutoAssign_LosesToManualClaim(t *testing.T) {
	f := newFixture(t, false)
	f.presence.SetOnline(bia.ID, bia.Name)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Assign(conv.ID, ana.ID, ana)
	require.NoError(t, err)

	_, err = f.engine.AutoAssign(conv.ID)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := f.chat.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, ana.ID, got.AssigneeID)
}

func TestRelease_ByAssignee(t *testing.T) {
	f := newFixture(t, false)
	f.presence.SetOnline(ana.ID, ana.Name)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Assign(conv.ID, ana.ID, ana)
	require.NoError(t, err)

	got, err := f.engine.Release(conv.ID, ana)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, got.Status)
	assert.Empty(t, got.AssigneeID)

	delta := f.pub.lastAssignment(t)
	assert.True(t, delta.Released)

	snap := f.presence.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].ActiveChats)
}

func TestRelease_QueuedConversation(t *testing.T) {
	f := newFixture(t, false)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Release(conv.ID, sup)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestRelease_OtherAgentForbidden(t *testing.T) {
	f := newFixture(t, false)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Assign(conv.ID, ana.ID, ana)
	require.NoError(t, err)

	_, err = f.engine.Release(conv.ID, bia)
	assert.ErrorIs(t, err, ErrForbidden)

	// Supervisor may release anybody's conversation
	_, err = f.engine.Release(conv.ID, sup)
	assert.NoError(t, err)
}

func TestRelease_ReassignsWaitingConversation(t *testing.T) {
	f := newFixture(t, true)
	f.presence.SetOnline(ana.ID, ana.Name)

	held := f.newConversation(t, "111")
	_, err := f.engine.Assign(held.ID, ana.ID, ana)
	require.NoError(t, err)

	waiting := f.newConversation(t, "222")

	_, err = f.engine.Release(held.ID, ana)
	require.NoError(t, err)

	got, err := f.chat.Get(waiting.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, got.Status)
	assert.Equal(t, ana.ID, got.AssigneeID)

	// The released conversation itself stays queued; it does not bounce
	// straight back to the agent that let it go.
	released, err := f.chat.Get(held.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusQueued, released.Status)
}

func TestClose_ClearsAssigneeAndIsTerminal(t *testing.T) {
	f := newFixture(t, false)
	f.presence.SetOnline(ana.ID, ana.Name)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Assign(conv.ID, ana.ID, ana)
	require.NoError(t, err)

	got, err := f.engine.Close(conv.ID, ana)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
	assert.Empty(t, got.AssigneeID)

	snap := f.presence.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, 0, snap[0].ActiveChats)

	_, err = f.engine.Close(conv.ID, ana)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestClose_QueuedBySupervisor(t *testing.T) {
	f := newFixture(t, false)
	conv := f.newConversation(t, "111")

	got, err := f.engine.Close(conv.ID, sup)
	require.NoError(t, err)
	assert.Equal(t, store.StatusClosed, got.Status)
}

func TestAssign_ConcurrentClaimSingleWinner(t *testing.T) {
	f := newFixture(t, false)
	conv := f.newConversation(t, "111")

	claimants := []auth.Actor{ana, bia}
	results := make([]error, len(claimants))

	var wg sync.WaitGroup
	for i, actor := range claimants {
		wg.Add(1)
		go func(i int, actor auth.Actor) {
			defer wg.Done()
			_, results[i] = f.engine.Assign(conv.ID, actor.ID, actor)
		}(i, actor)
	}
	wg.Wait()

	var wins, losses int
	for _, err := range results {
		if err == nil {
			wins++
		} else {
			require.ErrorIs(t, err, ErrForbidden)
			losses++
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, 1, losses)

	got, err := f.chat.Get(conv.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusAssigned, got.Status)
	assert.NotEmpty(t, got.AssigneeID)
}

func TestAssign_ConcurrentReassignmentsSettleCounts(t *testing.T) {
	f := newFixture(t, false)
	f.presence.SetOnline(ana.ID, ana.Name)
	f.presence.SetOnline(bia.ID, bia.Name)
	conv := f.newConversation(t, "111")

	_, err := f.engine.Assign(conv.ID, ana.ID, sup)
	require.NoError(t, err)

	// Bounce the conversation between the two agents from many goroutines.
	// Count settlement runs inside the conversation lock, so however the
	// reassignments interleave, only the final holder may carry the chat.
	targets := []string{bia.ID, ana.ID}
	results := make([]error, 40)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = f.engine.Assign(conv.ID, targets[i%2], sup)
		}(i)
	}
	wg.Wait()
	for _, err := range results {
		require.NoError(t, err)
	}

	got, err := f.chat.Get(conv.ID)
	require.NoError(t, err)
	require.Equal(t, store.StatusAssigned, got.Status)

	counts := make(map[string]int)
	for _, e := range f.presence.Snapshot() {
		counts[e.AgentID] = e.ActiveChats
	}
	other := ana.ID
	if got.AssigneeID == ana.ID {
		other = bia.ID
	}
	assert.Equal(t, 1, counts[got.AssigneeID], "holder must carry exactly the one conversation")
	assert.Equal(t, 0, counts[other], "the agent who lost the conversation must be back to zero")
}
