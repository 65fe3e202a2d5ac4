package models

import "time"

// Session binds an authenticated agent to the HMAC key material used to sign
// its actions. The key itself never leaves the process; projections carry it
// so that rebuilt state can keep validating tokens issued before a restart.
//
// LastActivity is volatile runtime state: it is excluded from serialisation
// so that projection snapshots stay a pure function of the event prefix, and
// is re-primed on restart.
type Session struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Key          []byte    `json:"key"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"-"`
	IPHint       string    `json:"ip_hint,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Revoked      bool      `json:"revoked,omitempty"`
}

// SessionRevokeReason classifies why a session was revoked.
type SessionRevokeReason string

const (
	RevokeReasonExplicit SessionRevokeReason = "explicit"
	RevokeReasonIdle     SessionRevokeReason = "idle"
	RevokeReasonEvicted  SessionRevokeReason = "evicted"
)
