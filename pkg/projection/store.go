package projection

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/codeready-toolchain/relay/pkg/eventlog"
	"github.com/codeready-toolchain/relay/pkg/models"
)

// Store wraps State for concurrent access: many readers, one apply loop.
// Readers receive value copies; shared slices inside them (payloads, schema)
// are treated as immutable after append.
type Store struct {
	mu    sync.RWMutex
	state *State
}

// NewStore returns a store over an empty state.
func NewStore(archiveCap int) *Store {
	return &Store{state: NewState(archiveCap)}
}

// newStoreFromState adopts an already-built state (snapshot load).
func newStoreFromState(s *State) *Store {
	return &Store{state: s}
}

// Apply applies events in order under the write lock.
func (st *Store) Apply(events ...eventlog.Event) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	for _, e := range events {
		if err := Apply(st.state, e); err != nil {
			return err
		}
	}
	return nil
}

// AppliedSeq returns the sequence of the last applied event.
func (st *Store) AppliedSeq() uint64 {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.state.AppliedSeq
}

// Elicitation returns the active or archived elicitation with the given id.
func (st *Store) Elicitation(id string) (models.Elicitation, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.state.elicitation(id)
	if !ok {
		return models.Elicitation{}, false
	}
	return *e, true
}

// PendingFor returns the non-terminal elicitations addressed to an agent, in
// creation order.
func (st *Store) PendingFor(agent string) []models.Elicitation {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.collect(st.state.PendingFor[agent])
}

// CreatedBy returns the non-terminal elicitations created by an agent, in
// creation order.
func (st *Store) CreatedBy(agent string) []models.Elicitation {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.collect(st.state.CreatedBy[agent])
}

func (st *Store) collect(ids []string) []models.Elicitation {
	out := make([]models.Elicitation, 0, len(ids))
	for _, id := range ids {
		if e, ok := st.state.Elicitations[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// ActiveElicitations returns every non-terminal elicitation. Used to re-seed
// the expiry schedule after a restart.
func (st *Store) ActiveElicitations() []models.Elicitation {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]models.Elicitation, 0, len(st.state.Elicitations))
	for _, e := range st.state.Elicitations {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Session returns the live session with the given id.
func (st *Store) Session(id string) (models.Session, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	s, ok := st.state.Sessions[id]
	if !ok {
		return models.Session{}, false
	}
	return *s, true
}

// SessionsForAgent returns an agent's live sessions in creation order.
func (st *Store) SessionsForAgent(agent string) []models.Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	ids := st.state.SessionsByAgent[agent]
	out := make([]models.Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := st.state.Sessions[id]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// HasLiveSession reports whether the agent holds at least one live session.
func (st *Store) HasLiveSession(agent string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.state.SessionsByAgent[agent]) > 0
}

// TouchSession records activity on a session. Activity is volatile runtime
// state, deliberately not event-sourced.
func (st *Store) TouchSession(id string, at time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok := st.state.Sessions[id]; ok {
		s.LastActivity = at
	}
}

// IdleSessions returns sessions whose last activity predates the cutoff.
func (st *Store) IdleSessions(cutoff time.Time) []models.Session {
	st.mu.RLock()
	defer st.mu.RUnlock()
	var out []models.Session
	for _, s := range st.state.Sessions {
		if s.LastActivity.Before(cutoff) {
			out = append(out, *s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Expert returns the expert entry for an agent.
func (st *Store) Expert(agent string) (models.ExpertEntry, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	e, ok := st.state.Experts[agent]
	if !ok {
		return models.ExpertEntry{}, false
	}
	return *e, true
}

// ListExperts returns expert entries, optionally filtered by capability,
// sorted by agent id.
func (st *Store) ListExperts(capability string) []models.ExpertEntry {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := make([]models.ExpertEntry, 0, len(st.state.Experts))
	for _, e := range st.state.Experts {
		if capability != "" && !e.HasCapability(capability) {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out
}

// TrimArchive drops archived elicitations terminated before the cutoff and
// returns how many were removed. The event log remains the authoritative
// history for anything trimmed.
func (st *Store) TrimArchive(cutoff time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	removed := 0
	kept := st.state.ArchiveOrder[:0]
	for _, id := range st.state.ArchiveOrder {
		e, ok := st.state.Archived[id]
		if ok && e.TerminatedAt.Before(cutoff) {
			delete(st.state.Archived, id)
			removed++
			continue
		}
		kept = append(kept, id)
	}
	st.state.ArchiveOrder = kept
	return removed
}

// CopyState returns an isolated deep copy of the current state via its
// canonical serialisation. Used to hand a stable state to the snapshot
// writer without blocking commits.
func (st *Store) CopyState() (*State, error) {
	st.mu.RLock()
	body, err := json.Marshal(st.state)
	st.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	copied := NewState(0)
	if err := json.Unmarshal(body, copied); err != nil {
		return nil, err
	}
	return copied, nil
}

// Stats is a point-in-time summary for health reporting.
type Stats struct {
	AppliedSeq         uint64 `json:"applied_seq"`
	ActiveElicitations int    `json:"active_elicitations"`
	ArchivedTerminals  int    `json:"archived_terminals"`
	LiveSessions       int    `json:"live_sessions"`
	RegisteredExperts  int    `json:"registered_experts"`
	SecurityViolations uint64 `json:"security_violations"`
}

// Stats returns a snapshot of projection counters.
func (st *Store) Stats() Stats {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return Stats{
		AppliedSeq:         st.state.AppliedSeq,
		ActiveElicitations: len(st.state.Elicitations),
		ArchivedTerminals:  len(st.state.Archived),
		LiveSessions:       len(st.state.Sessions),
		RegisteredExperts:  len(st.state.Experts),
		SecurityViolations: st.state.ViolationCount,
	}
}
