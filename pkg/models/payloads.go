package models

import (
	"encoding/json"
	"time"
)

// Event payload structs, one per event kind. These are the canonical wire
// shapes persisted in the event log; projections rebuild all runtime state
// from them, so fields are never removed or repurposed — only added.

// SessionCreatedPayload is the payload for SessionCreated events.
type SessionCreatedPayload struct {
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Key       []byte    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	IPHint    string    `json:"ip_hint,omitempty"`
	UserAgent string    `json:"user_agent,omitempty"`
}

// SessionRevokedPayload is the payload for SessionRevoked events.
type SessionRevokedPayload struct {
	SessionID string              `json:"session_id"`
	AgentID   string              `json:"agent_id"`
	Reason    SessionRevokeReason `json:"reason"`
}

// ExpertRegisteredPayload is the payload for ExpertRegistered events.
type ExpertRegisteredPayload struct {
	AgentID      string       `json:"agent_id"`
	Capabilities []string     `json:"capabilities"`
	Availability Availability `json:"availability"`
	RegisteredAt time.Time    `json:"registered_at"`
}

// ExpertDeregisteredPayload is the payload for ExpertDeregistered events.
type ExpertDeregisteredPayload struct {
	AgentID string `json:"agent_id"`
}

// ElicitationRequestedPayload is the payload for ElicitationRequested events.
type ElicitationRequestedPayload struct {
	ElicitationID       string          `json:"elicitation_id"`
	FromAgent           string          `json:"from_agent"`
	ToAgent             string          `json:"to_agent"`
	Message             string          `json:"message"`
	Schema              json.RawMessage `json:"schema"`
	TimeoutSeconds      int             `json:"timeout_seconds"`
	Nonce               string          `json:"nonce"`
	ExpectedResponseKey string          `json:"expected_response_key"`
	CreatedAt           time.Time       `json:"created_at"`
}

// ElicitationDeliveredPayload is the payload for ElicitationDelivered events.
// Recorded once the responder's inbox has been signalled; lets consumers
// distinguish "never reached the responder" from "reached but unanswered".
type ElicitationDeliveredPayload struct {
	ElicitationID string `json:"elicitation_id"`
	ToAgent       string `json:"to_agent"`
}

// ElicitationAcceptedPayload is the payload for ElicitationAccepted events.
type ElicitationAcceptedPayload struct {
	ElicitationID string          `json:"elicitation_id"`
	ResponderID   string          `json:"responder_id"`
	Data          json.RawMessage `json:"data"`
	Nonce         string          `json:"nonce"`
}

// ElicitationDeclinedPayload is the payload for ElicitationDeclined events.
type ElicitationDeclinedPayload struct {
	ElicitationID string `json:"elicitation_id"`
	ResponderID   string `json:"responder_id"`
	Reason        string `json:"reason,omitempty"`
	Nonce         string `json:"nonce"`
}

// ElicitationCancelledPayload is the payload for ElicitationCancelled events.
type ElicitationCancelledPayload struct {
	ElicitationID string `json:"elicitation_id"`
	CreatorID     string `json:"creator_id"`
	Nonce         string `json:"nonce,omitempty"`
}

// ElicitationExpiredPayload is the payload for ElicitationExpired events.
type ElicitationExpiredPayload struct {
	ElicitationID string    `json:"elicitation_id"`
	ExpiredAt     time.Time `json:"expired_at"`
}

// SecurityViolationPayload is the payload for SecurityViolation events.
// Carries classifiers, never secrets.
type SecurityViolationPayload struct {
	ActorID    string `json:"actor_id"`
	Classifier string `json:"classifier"`
	Detail     string `json:"detail,omitempty"`
}
