// Package projection maintains the in-memory state derived deterministically
// from the event log: active elicitations and their indexes, the archive of
// terminal elicitations, the session table, and the expert registry.
//
// State at sequence N is a pure function of the event prefix [1..N]. Two
// runtime concessions are deliberately outside that function and documented
// here: session last-activity touches (tracked in memory, never logged) and
// age-based archive trimming (driven by the retention service). Neither
// affects replay correctness — both are reconstructed or reset on restart.
package projection

import (
	"github.com/codeready-toolchain/relay/pkg/models"
)

// DefaultArchiveCap bounds the terminal-elicitation archive when no explicit
// capacity is configured.
const DefaultArchiveCap = 10000

// State is the complete projected state. All maps serialise with sorted keys
// and all slices are in event order, so a canonical JSON encoding of State is
// byte-for-byte reproducible from the same event prefix.
type State struct {
	AppliedSeq  uint64 `json:"applied_seq"`
	AppliedHash string `json:"applied_hash"`

	Elicitations map[string]*models.Elicitation `json:"elicitations"`
	PendingFor   map[string][]string            `json:"pending_for"`
	CreatedBy    map[string][]string            `json:"created_by"`

	Archived     map[string]*models.Elicitation `json:"archived"`
	ArchiveOrder []string                       `json:"archive_order"`
	ArchiveCap   int                            `json:"archive_cap"`

	Sessions        map[string]*models.Session `json:"sessions"`
	SessionsByAgent map[string][]string        `json:"sessions_by_agent"`

	Experts map[string]*models.ExpertEntry `json:"experts"`

	ViolationCount uint64 `json:"violation_count"`
}

// NewState returns an empty state with the given archive capacity.
func NewState(archiveCap int) *State {
	if archiveCap <= 0 {
		archiveCap = DefaultArchiveCap
	}
	return &State{
		Elicitations:    make(map[string]*models.Elicitation),
		PendingFor:      make(map[string][]string),
		CreatedBy:       make(map[string][]string),
		Archived:        make(map[string]*models.Elicitation),
		Sessions:        make(map[string]*models.Session),
		SessionsByAgent: make(map[string][]string),
		Experts:         make(map[string]*models.ExpertEntry),
		ArchiveCap:      archiveCap,
	}
}

// elicitation returns the active or archived elicitation with the given id.
func (s *State) elicitation(id string) (*models.Elicitation, bool) {
	if e, ok := s.Elicitations[id]; ok {
		return e, true
	}
	e, ok := s.Archived[id]
	return e, ok
}

// removeFromIndex deletes one id from an agent-keyed index slice.
func removeFromIndex(index map[string][]string, agent, id string) {
	ids := index[agent]
	for i, v := range ids {
		if v == id {
			index[agent] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(index[agent]) == 0 {
		delete(index, agent)
	}
}
