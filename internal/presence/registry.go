// ABOUTME: Tracks which attendants are online and their current workload
// ABOUTME: Snapshot order (least loaded first) doubles as the auto-assign scan order

package presence

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/rafaellewezukprestus/prestus-connect/internal/store"
)

// saveTimeout bounds detached presence persistence writes.
const saveTimeout = 5 * time.Second

// Registry owns all presence entries. Entries survive going offline so the
// active-assignment count is not lost across reconnects.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*store.PresenceEntry

	db      store.Persister
	logger  *slog.Logger
	sweeper *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// NewRegistry creates a presence registry. staleAfter bounds how long an
// online entry may go without a heartbeat before the sweeper marks it
// offline; zero disables the sweeper.
func NewRegistry(db store.Persister, staleAfter time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		entries: make(map[string]*store.PresenceEntry),
		db:      db,
		logger:  logger.With("component", "presence"),
		done:    make(chan struct{}),
	}
	if staleAfter > 0 {
		r.sweeper = time.NewTicker(staleAfter / 2)
		go r.sweep(staleAfter)
	}
	return r
}

// Load restores known entries from the durable store, all offline: being
// online requires a live session.
func (r *Registry) Load(ctx context.Context) error {
	entries, err := r.db.LoadPresence(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		e.Online = false
		r.entries[e.AgentID] = e
	}
	r.logger.Info("presence entries loaded", "count", len(entries))
	return nil
}

// SetOnline marks an agent available for assignment.
func (r *Registry) SetOnline(agentID, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		e = &store.PresenceEntry{AgentID: agentID}
		r.entries[agentID] = e
	}
	e.Name = displayName
	e.Online = true
	e.LastActivity = time.Now()

	r.persistLocked(e)
	r.logger.Info("agent online", "agent_id", agentID, "name", displayName)
}

// SetOffline marks an agent unavailable. The entry and its assignment count
// are retained.
func (r *Registry) SetOffline(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		return
	}
	e.Online = false
	e.LastActivity = time.Now()

	r.persistLocked(e)
	r.logger.Info("agent offline", "agent_id", agentID)
}

// Heartbeat refreshes the agent's last-activity timestamp.
func (r *Registry) Heartbeat(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[agentID]; ok {
		e.LastActivity = time.Now()
	}
}

// RecordAssignment increments the agent's active count and stamps the
// assignment time used for the auto-assign tie-break.
func (r *Registry) RecordAssignment(agentID, displayName string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok {
		e = &store.PresenceEntry{AgentID: agentID, Name: displayName}
		r.entries[agentID] = e
	}
	e.ActiveChats++
	e.LastAssigned = time.Now()

	r.persistLocked(e)
}

// RecordRelease decrements the agent's active count.
func (r *Registry) RecordRelease(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[agentID]
	if !ok || e.ActiveChats == 0 {
		return
	}
	e.ActiveChats--

	r.persistLocked(e)
}

// Snapshot returns the online entries ordered by active count ascending,
// ties broken by least-recently-assigned, then by agent id for stability.
// This is both the display order and the auto-assign candidate order.
func (r *Registry) Snapshot() []store.PresenceEntry {
	r.mu.RLock()
	online := lo.FilterMap(lo.Values(r.entries), func(e *store.PresenceEntry, _ int) (store.PresenceEntry, bool) {
		return *e, e.Online
	})
	r.mu.RUnlock()

	sort.Slice(online, func(i, j int) bool {
		a, b := online[i], online[j]
		if a.ActiveChats != b.ActiveChats {
			return a.ActiveChats < b.ActiveChats
		}
		if !a.LastAssigned.Equal(b.LastAssigned) {
			return a.LastAssigned.Before(b.LastAssigned)
		}
		return a.AgentID < b.AgentID
	})
	return online
}

// Name returns the display name recorded for an agent, if any.
func (r *Registry) Name(agentID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.entries[agentID]; ok {
		return e.Name
	}
	return ""
}

// sweep periodically marks entries offline when their heartbeat went stale.
func (r *Registry) sweep(staleAfter time.Duration) {
	for {
		select {
		case <-r.sweeper.C:
			cutoff := time.Now().Add(-staleAfter)
			r.mu.Lock()
			for _, e := range r.entries {
				if e.Online && e.LastActivity.Before(cutoff) {
					e.Online = false
					r.persistLocked(e)
					r.logger.Warn("agent marked offline by stale heartbeat",
						"agent_id", e.AgentID)
				}
			}
			r.mu.Unlock()
		case <-r.done:
			return
		}
	}
}

// persistLocked write-throughs one entry. Must be called with mu held.
func (r *Registry) persistLocked(e *store.PresenceEntry) {
	saveCtx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	snap := *e
	if err := r.db.SavePresence(saveCtx, &snap); err != nil {
		r.logger.Error("failed to persist presence",
			"error", err, "agent_id", e.AgentID)
	}
}

// Close stops the stale sweeper. Safe to call multiple times.
func (r *Registry) Close() {
	r.once.Do(func() {
		if r.sweeper != nil {
			r.sweeper.Stop()
		}
		close(r.done)
	})
}
