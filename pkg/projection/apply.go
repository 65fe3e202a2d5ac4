package projection

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/codeready-toolchain/relay/pkg/eventlog"
	"github.com/codeready-toolchain/relay/pkg/models"
)

// Apply advances the state by one event. Transitions are deterministic: the
// same state and event always produce the same result. Events must arrive in
// sequence order; a gap is a programming error surfaced as an error, not
// repaired.
func Apply(s *State, e eventlog.Event) error {
	if e.Sequence != s.AppliedSeq+1 {
		return fmt.Errorf("apply out of order: got sequence %d, want %d", e.Sequence, s.AppliedSeq+1)
	}

	var err error
	switch e.Kind {
	case eventlog.KindSessionCreated:
		err = applySessionCreated(s, e)
	case eventlog.KindSessionRevoked:
		err = applySessionRevoked(s, e)
	case eventlog.KindExpertRegistered:
		err = applyExpertRegistered(s, e)
	case eventlog.KindExpertDeregistered:
		err = applyExpertDeregistered(s, e)
	case eventlog.KindElicitationRequested:
		err = applyElicitationRequested(s, e)
	case eventlog.KindElicitationDelivered:
		err = applyElicitationDelivered(s, e)
	case eventlog.KindElicitationAccepted:
		err = applyTerminal(s, e, models.StatusAccepted)
	case eventlog.KindElicitationDeclined:
		err = applyTerminal(s, e, models.StatusDeclined)
	case eventlog.KindElicitationCancelled:
		err = applyTerminal(s, e, models.StatusCancelled)
	case eventlog.KindElicitationExpired:
		err = applyTerminal(s, e, models.StatusExpired)
	case eventlog.KindSecurityViolation:
		s.ViolationCount++
	default:
		err = fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if err != nil {
		return fmt.Errorf("apply sequence %d (%s): %w", e.Sequence, e.Kind, err)
	}

	s.AppliedSeq = e.Sequence
	s.AppliedHash = e.ChainHash
	return nil
}

func applySessionCreated(s *State, e eventlog.Event) error {
	var p models.SessionCreatedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	s.Sessions[p.SessionID] = &models.Session{
		ID:           p.SessionID,
		AgentID:      p.AgentID,
		Key:          p.Key,
		CreatedAt:    p.CreatedAt,
		LastActivity: p.CreatedAt,
		IPHint:       p.IPHint,
		UserAgent:    p.UserAgent,
	}
	s.SessionsByAgent[p.AgentID] = append(s.SessionsByAgent[p.AgentID], p.SessionID)
	return nil
}

func applySessionRevoked(s *State, e eventlog.Event) error {
	var p models.SessionRevokedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	if sess, ok := s.Sessions[p.SessionID]; ok {
		delete(s.Sessions, p.SessionID)
		removeFromIndex(s.SessionsByAgent, sess.AgentID, p.SessionID)
	}
	return nil
}

func applyExpertRegistered(s *State, e eventlog.Event) error {
	var p models.ExpertRegisteredPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	s.Experts[p.AgentID] = &models.ExpertEntry{
		AgentID:      p.AgentID,
		Capabilities: p.Capabilities,
		Availability: p.Availability,
		RegisteredAt: p.RegisteredAt,
	}
	return nil
}

func applyExpertDeregistered(s *State, e eventlog.Event) error {
	var p models.ExpertDeregisteredPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	delete(s.Experts, p.AgentID)
	return nil
}

func applyElicitationRequested(s *State, e eventlog.Event) error {
	var p models.ElicitationRequestedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	if _, exists := s.elicitation(p.ElicitationID); exists {
		return fmt.Errorf("elicitation %s already exists", p.ElicitationID)
	}
	s.Elicitations[p.ElicitationID] = &models.Elicitation{
		ID:                  p.ElicitationID,
		FromAgent:           p.FromAgent,
		ToAgent:             p.ToAgent,
		Message:             p.Message,
		Schema:              p.Schema,
		Timeout:             time.Duration(p.TimeoutSeconds) * time.Second,
		CreatedAt:           p.CreatedAt,
		Status:              models.StatusPending,
		ExpectedResponseKey: p.ExpectedResponseKey,
		BindingNonce:        p.Nonce,
	}
	s.PendingFor[p.ToAgent] = append(s.PendingFor[p.ToAgent], p.ElicitationID)
	s.CreatedBy[p.FromAgent] = append(s.CreatedBy[p.FromAgent], p.ElicitationID)
	return nil
}

func applyElicitationDelivered(s *State, e eventlog.Event) error {
	var p models.ElicitationDeliveredPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return err
	}
	el, ok := s.Elicitations[p.ElicitationID]
	if !ok {
		return fmt.Errorf("delivered for unknown elicitation %s", p.ElicitationID)
	}
	if el.Status == models.StatusPending {
		el.Status = models.StatusDelivered
	}
	return nil
}

// applyTerminal records the single terminal transition of an elicitation and
// moves it to the bounded archive.
func applyTerminal(s *State, e eventlog.Event, status models.ElicitationStatus) error {
	el, ok := s.Elicitations[e.Aggregate]
	if !ok {
		if _, archived := s.Archived[e.Aggregate]; archived {
			return fmt.Errorf("second terminal event for elicitation %s", e.Aggregate)
		}
		return fmt.Errorf("terminal event for unknown elicitation %s", e.Aggregate)
	}

	el.Status = status
	el.TerminatedAt = e.Timestamp
	switch status {
	case models.StatusAccepted:
		var p models.ElicitationAcceptedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		el.ResponseData = p.Data
	case models.StatusDeclined:
		var p models.ElicitationDeclinedPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil {
			return err
		}
		el.Reason = p.Reason
	case models.StatusCancelled:
		el.Reason = "cancelled by creator"
	case models.StatusExpired:
		el.Reason = "timed out"
	}

	delete(s.Elicitations, el.ID)
	removeFromIndex(s.PendingFor, el.ToAgent, el.ID)
	removeFromIndex(s.CreatedBy, el.FromAgent, el.ID)

	s.Archived[el.ID] = el
	s.ArchiveOrder = append(s.ArchiveOrder, el.ID)
	for len(s.ArchiveOrder) > s.ArchiveCap {
		oldest := s.ArchiveOrder[0]
		s.ArchiveOrder = s.ArchiveOrder[1:]
		delete(s.Archived, oldest)
	}
	return nil
}
