// Package models contains the shared domain types exchanged between the
// engine, projections, notification fabric, and the HTTP API.
package models

import (
	"encoding/json"
	"time"
)

// ElicitationStatus is the lifecycle state of an elicitation.
type ElicitationStatus string

const (
	StatusPending   ElicitationStatus = "pending"
	StatusDelivered ElicitationStatus = "delivered"
	StatusAccepted  ElicitationStatus = "accepted"
	StatusDeclined  ElicitationStatus = "declined"
	StatusCancelled ElicitationStatus = "cancelled"
	StatusExpired   ElicitationStatus = "expired"
)

// Terminal reports whether the status is one of the four terminal states.
func (s ElicitationStatus) Terminal() bool {
	switch s {
	case StatusAccepted, StatusDeclined, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Elicitation is an addressed request/response exchange between two agents.
// Owned by the engine's projection until terminal, then archived.
type Elicitation struct {
	ID        string            `json:"id"`
	FromAgent string            `json:"from_agent"`
	ToAgent   string            `json:"to_agent"`
	Message   string            `json:"message"`
	Schema    json.RawMessage   `json:"schema"`
	Timeout   time.Duration     `json:"timeout"`
	CreatedAt time.Time         `json:"created_at"`
	Status    ElicitationStatus `json:"status"`

	// ExpectedResponseKey is the hex-encoded response-binding key computed at
	// creation. Only the addressed responder's session key can reproduce it.
	// Never exposed over the API.
	ExpectedResponseKey string `json:"expected_response_key"`

	// BindingNonce is the creator's nonce, one of the binding key's inputs.
	// Surfaced to the addressed responder so it can derive its response
	// signature.
	BindingNonce string `json:"binding_nonce"`

	// Terminal outcome. ResponseData is set for accepted, Reason for
	// declined/cancelled. TerminatedAt is set for all terminal states.
	ResponseData json.RawMessage `json:"response_data,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	TerminatedAt time.Time       `json:"terminated_at,omitzero"`
}

// ExpiresAt returns the instant past which the elicitation may no longer be
// answered.
func (e *Elicitation) ExpiresAt() time.Time {
	return e.CreatedAt.Add(e.Timeout)
}
