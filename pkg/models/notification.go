package models

import (
	"encoding/json"
	"time"
)

// Notification types delivered through the fabric.
const (
	NotificationElicitationNew      = "elicitation.new"
	NotificationElicitationTerminal = "elicitation.terminal"
)

// Notification is one item in an agent's inbox. New-elicitation items carry
// the request fields a responder needs; terminal items carry the outcome the
// opposite party is waiting on.
type Notification struct {
	Type          string          `json:"type"`
	ElicitationID string          `json:"elicitation_id"`
	FromAgent     string          `json:"from_agent,omitempty"`
	Message       string          `json:"message,omitempty"`
	Schema        json.RawMessage `json:"schema,omitempty"`
	ExpiresAt     time.Time       `json:"expires_at,omitzero"`
	BindingNonce  string          `json:"binding_nonce,omitempty"`

	// Terminal fields.
	TerminalState ElicitationStatus `json:"terminal_state,omitempty"`
	ResponseData  json.RawMessage   `json:"response_data,omitempty"`
	Reason        string            `json:"reason,omitempty"`

	// Sequence of the event that triggered the notification. Per-agent
	// delivery respects this order.
	Sequence uint64 `json:"sequence"`
}

// Terminal reports whether the notification announces a terminal transition.
func (n *Notification) Terminal() bool {
	return n.Type == NotificationElicitationTerminal
}
