package api

import (
	"encoding/json"
	"time"

	"github.com/codeready-toolchain/relay/pkg/fabric"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/projection"
)

// ErrorResponse is the uniform error envelope: an error kind that maps
// one-to-one onto the engine's error enumeration, plus a sanitised detail.
type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// CreateSessionResponse is returned by POST /api/v1/session.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	CreatedAt string `json:"created_at"`
}

// OKResponse acknowledges a state change with no further payload.
type OKResponse struct {
	OK bool `json:"ok"`
}

// CreateElicitationResponse is returned by POST /api/v1/elicitation.
type CreateElicitationResponse struct {
	ElicitationID string `json:"elicitation_id"`
	CreatedAt     string `json:"created_at"`
}

// PendingItem is one inbox entry in GET /api/v1/elicitation/pending.
type PendingItem struct {
	ID           string          `json:"id"`
	FromAgent    string          `json:"from_agent"`
	Message      string          `json:"message"`
	Schema       json.RawMessage `json:"schema"`
	ExpiresAt    string          `json:"expires_at"`
	BindingNonce string          `json:"binding_nonce,omitempty"`

	// Terminal notifications drained through the same inbox.
	TerminalState string          `json:"terminal_state,omitempty"`
	ResponseData  json.RawMessage `json:"response_data,omitempty"`
	Reason        string          `json:"reason,omitempty"`
}

// PendingResponse is returned by GET /api/v1/elicitation/pending. When
// Truncated is true the agent missed items and should reconcile via
// GET /api/v1/elicitation/{id}.
type PendingResponse struct {
	Elicitations []PendingItem `json:"elicitations"`
	Truncated    bool          `json:"truncated"`
}

// RespondResponse is returned by POST /api/v1/elicitation/respond.
type RespondResponse struct {
	OK            bool   `json:"ok"`
	TerminalState string `json:"terminal_state"`
}

// ElicitationView is the projection read returned by GET /api/v1/elicitation/{id}.
// The response payload appears only for the two parties; the binding nonce
// only for the addressed responder.
type ElicitationView struct {
	ID            string          `json:"id"`
	FromAgent     string          `json:"from_agent"`
	ToAgent       string          `json:"to_agent"`
	Message       string          `json:"message"`
	Schema        json.RawMessage `json:"schema"`
	Status        string          `json:"status"`
	CreatedAt     string          `json:"created_at"`
	ExpiresAt     string          `json:"expires_at"`
	TerminatedAt  string          `json:"terminated_at,omitempty"`
	ResponseData  json.RawMessage `json:"response_data,omitempty"`
	Reason        string          `json:"reason,omitempty"`
	BindingNonce  string          `json:"binding_nonce,omitempty"`
}

// ElicitationListResponse is returned by GET /api/v1/elicitations.
type ElicitationListResponse struct {
	Elicitations []ElicitationView `json:"elicitations"`
}

// ExpertView is one entry in GET /api/v1/experts. Key material never appears.
type ExpertView struct {
	AgentID      string   `json:"agent_id"`
	Capabilities []string `json:"capabilities"`
	Availability string   `json:"availability"`
	RegisteredAt string   `json:"registered_at"`
}

// ExpertListResponse is returned by GET /api/v1/experts.
type ExpertListResponse struct {
	Experts []ExpertView `json:"experts"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status     string           `json:"status"`
	Version    string           `json:"version"`
	Projection projection.Stats `json:"projection"`
	Fabric     fabric.Stats     `json:"fabric"`
}

// pendingItem converts a notification into its wire shape.
func pendingItem(n models.Notification) PendingItem {
	item := PendingItem{
		ID:           n.ElicitationID,
		FromAgent:    n.FromAgent,
		Message:      n.Message,
		Schema:       n.Schema,
		BindingNonce: n.BindingNonce,
		ResponseData: n.ResponseData,
		Reason:       n.Reason,
	}
	if !n.ExpiresAt.IsZero() {
		item.ExpiresAt = n.ExpiresAt.Format(time.RFC3339Nano)
	}
	if n.Terminal() {
		item.TerminalState = string(n.TerminalState)
	}
	return item
}

// elicitationView builds the party-scoped projection view.
func elicitationView(e models.Elicitation, viewer string) ElicitationView {
	view := ElicitationView{
		ID:        e.ID,
		FromAgent: e.FromAgent,
		ToAgent:   e.ToAgent,
		Message:   e.Message,
		Schema:    e.Schema,
		Status:    string(e.Status),
		CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
		ExpiresAt: e.ExpiresAt().Format(time.RFC3339Nano),
	}
	if !e.TerminatedAt.IsZero() {
		view.TerminatedAt = e.TerminatedAt.Format(time.RFC3339Nano)
	}
	if viewer == e.FromAgent || viewer == e.ToAgent {
		view.ResponseData = e.ResponseData
		view.Reason = e.Reason
	}
	if viewer == e.ToAgent {
		view.BindingNonce = e.BindingNonce
	}
	return view
}
