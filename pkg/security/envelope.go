package security

import (
	"fmt"
	"time"
)

// Violation classifiers recorded in SecurityViolation audit events. They are
// signals for the security timeline, never evidence: no secrets, no payloads.
const (
	ViolationAuthentication  = "authentication"
	ViolationAuthorization   = "authorization"
	ViolationNonceReplay     = "nonce_replay"
	ViolationRateLimited     = "rate_limited"
	ViolationBindingMismatch = "binding_mismatch"
	ViolationNotAddressed    = "not_addressed"
	ViolationSchema          = "schema"
)

// Envelope bundles the security primitives the engine and registry consult on
// every request.
type Envelope struct {
	master []byte
	Nonces *NonceStore
	Limits *RateLimiter
}

// Config holds envelope tuning.
type Config struct {
	MasterSecret []byte

	// NonceRetention must cover timeout_cap plus the accepted clock skew.
	NonceRetention time.Duration
	NonceCapacity  int

	CreateRatePerMin  float64
	RespondRatePerMin float64
	Burst             int

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewEnvelope builds the envelope from config.
func NewEnvelope(cfg Config) (*Envelope, error) {
	if len(cfg.MasterSecret) < 16 {
		return nil, fmt.Errorf("master secret must be at least 16 bytes, got %d", len(cfg.MasterSecret))
	}
	return &Envelope{
		master: cfg.MasterSecret,
		Nonces: NewNonceStore(cfg.NonceRetention, cfg.NonceCapacity, cfg.Now),
		Limits: NewRateLimiter(cfg.CreateRatePerMin, cfg.RespondRatePerMin, cfg.Burst, cfg.Now),
	}, nil
}

// SessionKey derives the key for a session id.
func (e *Envelope) SessionKey(sessionID string) ([]byte, error) {
	return DeriveSessionKey(e.master, sessionID)
}
