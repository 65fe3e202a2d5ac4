package api

import "encoding/json"

// CreateSessionRequest is the HTTP request body for POST /api/v1/session.
type CreateSessionRequest struct {
	AgentID   string `json:"agent_id"`
	IPHint    string `json:"ip_hint,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// RevokeSessionRequest is the HTTP request body for POST /api/v1/session/revoke.
type RevokeSessionRequest struct {
	Token string `json:"token"`
}

// RegisterExpertRequest is the HTTP request body for POST /api/v1/expert/register.
type RegisterExpertRequest struct {
	Token        string   `json:"token"`
	Capabilities []string `json:"capabilities"`
	Availability string   `json:"availability"`
}

// CreateElicitationRequest is the HTTP request body for POST /api/v1/elicitation.
type CreateElicitationRequest struct {
	Token          string          `json:"token"`
	ToAgent        string          `json:"to_agent"`
	Message        string          `json:"message"`
	Schema         json.RawMessage `json:"schema"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Nonce          string          `json:"nonce"`
}

// RespondRequest is the HTTP request body for POST /api/v1/elicitation/respond.
type RespondRequest struct {
	Token             string          `json:"token"`
	ElicitationID     string          `json:"elicitation_id"`
	Outcome           string          `json:"outcome"` // accept, decline, cancel
	Data              json.RawMessage `json:"data,omitempty"`
	Reason            string          `json:"reason,omitempty"`
	Nonce             string          `json:"nonce"`
	ResponseSignature string          `json:"response_signature,omitempty"`
}
