// Package registry tracks authenticated sessions and expert advertisements.
// All state lives in the projection; the manager validates inputs, derives
// key material, and commits the corresponding events.
package registry

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/relay/pkg/eventlog"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/projection"
	"github.com/codeready-toolchain/relay/pkg/security"
)

// Config holds registry tuning.
type Config struct {
	MaxSessionsPerAgent int
	IdleTimeout         time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Manager is the session and expert registry.
type Manager struct {
	committer *projection.Committer
	store     *projection.Store
	env       *security.Envelope
	cfg       Config
}

// NewManager creates a registry manager.
func NewManager(committer *projection.Committer, env *security.Envelope, cfg Config) *Manager {
	if cfg.MaxSessionsPerAgent <= 0 {
		cfg.MaxSessionsPerAgent = 3
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Manager{
		committer: committer,
		store:     committer.Store(),
		env:       env,
		cfg:       cfg,
	}
}

// CreateSession authenticates an agent id, enforces the per-agent session
// cap by evicting the oldest live session, and returns the new session with
// its opaque token.
func (m *Manager) CreateSession(agentID, ipHint, userAgent string) (models.Session, string, error) {
	if agentID == "" {
		return models.Session{}, "", fmt.Errorf("%w: agent_id is required", ErrInvalidArgument)
	}

	live := m.store.SessionsForAgent(agentID)
	for len(live) >= m.cfg.MaxSessionsPerAgent {
		oldest := live[0]
		if err := m.revoke(oldest, models.RevokeReasonEvicted); err != nil {
			return models.Session{}, "", err
		}
		slog.Info("Evicted oldest session at cap",
			"agent_id", agentID, "session_id", oldest.ID)
		live = live[1:]
	}

	sessionID := uuid.New().String()
	key, err := m.env.SessionKey(sessionID)
	if err != nil {
		return models.Session{}, "", err
	}
	now := m.cfg.Now()

	payload, err := eventlog.MarshalPayload(models.SessionCreatedPayload{
		SessionID: sessionID,
		AgentID:   agentID,
		Key:       key,
		CreatedAt: now,
		IPHint:    ipHint,
		UserAgent: userAgent,
	})
	if err != nil {
		return models.Session{}, "", err
	}
	if _, err := m.committer.Commit(eventlog.Record{
		Kind:      eventlog.KindSessionCreated,
		Aggregate: sessionID,
		Actor:     agentID,
		Payload:   payload,
	}); err != nil {
		return models.Session{}, "", err
	}

	sess, ok := m.store.Session(sessionID)
	if !ok {
		return models.Session{}, "", fmt.Errorf("session %s missing after commit", sessionID)
	}
	token := MintToken(key, agentID, sessionID, now)
	return sess, token, nil
}

// Validate authenticates a token: parse, look up the session, enforce the
// idle window (lazy revocation), verify the signature, and record activity.
// Every failure is audited as a SecurityViolation.
func (m *Manager) Validate(token string) (models.Session, error) {
	claims, err := parseToken(token)
	if err != nil {
		m.audit("", security.ViolationAuthentication, "malformed token")
		return models.Session{}, fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	sess, ok := m.store.Session(claims.sessionID)
	if !ok {
		m.audit(claims.agentID, security.ViolationAuthentication, "unknown or revoked session")
		return models.Session{}, fmt.Errorf("%w: unknown session", ErrUnauthenticated)
	}

	now := m.cfg.Now()
	if now.Sub(sess.LastActivity) > m.cfg.IdleTimeout {
		if err := m.revoke(sess, models.RevokeReasonIdle); err != nil {
			slog.Error("Lazy idle revocation failed", "session_id", sess.ID, "error", err)
		}
		m.audit(claims.agentID, security.ViolationAuthentication, "session idle-expired")
		return models.Session{}, fmt.Errorf("%w: session expired", ErrUnauthenticated)
	}

	if !claims.verify(sess.Key) || claims.agentID != sess.AgentID {
		m.audit(claims.agentID, security.ViolationAuthentication, "token signature mismatch")
		return models.Session{}, fmt.Errorf("%w: bad token signature", ErrUnauthenticated)
	}

	m.store.TouchSession(sess.ID, now)
	return sess, nil
}

// Revoke explicitly revokes the session named by a valid token.
func (m *Manager) Revoke(token string) error {
	sess, err := m.Validate(token)
	if err != nil {
		return err
	}
	return m.revoke(sess, models.RevokeReasonExplicit)
}

// revoke commits SessionRevoked and, when the agent has no live session
// left, withdraws its expert advertisement.
func (m *Manager) revoke(sess models.Session, reason models.SessionRevokeReason) error {
	payload, err := eventlog.MarshalPayload(models.SessionRevokedPayload{
		SessionID: sess.ID,
		AgentID:   sess.AgentID,
		Reason:    reason,
	})
	if err != nil {
		return err
	}
	records := []eventlog.Record{{
		Kind:      eventlog.KindSessionRevoked,
		Aggregate: sess.ID,
		Actor:     sess.AgentID,
		Payload:   payload,
	}}

	// Expert entries do not outlive their agent's last session. The check
	// runs against pre-commit state, so count this session as gone when it is
	// the only one.
	live := m.store.SessionsForAgent(sess.AgentID)
	_, registered := m.store.Expert(sess.AgentID)
	if registered && len(live) == 1 && live[0].ID == sess.ID {
		dereg, err := eventlog.MarshalPayload(models.ExpertDeregisteredPayload{AgentID: sess.AgentID})
		if err != nil {
			return err
		}
		records = append(records, eventlog.Record{
			Kind:      eventlog.KindExpertDeregistered,
			Aggregate: sess.AgentID,
			Actor:     sess.AgentID,
			Payload:   dereg,
		})
	}

	_, err = m.committer.Commit(records...)
	return err
}

// SweepIdle revokes every session idle past the window. Called by the
// retention service; lazy revocation on access covers the gap between sweeps.
func (m *Manager) SweepIdle() int {
	cutoff := m.cfg.Now().Add(-m.cfg.IdleTimeout)
	idle := m.store.IdleSessions(cutoff)
	revoked := 0
	for _, sess := range idle {
		if err := m.revoke(sess, models.RevokeReasonIdle); err != nil {
			slog.Error("Idle sweep revocation failed", "session_id", sess.ID, "error", err)
			continue
		}
		revoked++
	}
	return revoked
}

// RegisterExpert advertises capabilities and availability for the token's
// agent, replacing any prior advertisement.
func (m *Manager) RegisterExpert(token string, capabilities []string, availability models.Availability) error {
	sess, err := m.Validate(token)
	if err != nil {
		return err
	}
	if !availability.Valid() {
		return fmt.Errorf("%w: unknown availability %q", ErrInvalidArgument, availability)
	}
	if len(capabilities) == 0 {
		return fmt.Errorf("%w: at least one capability is required", ErrInvalidArgument)
	}

	payload, err := eventlog.MarshalPayload(models.ExpertRegisteredPayload{
		AgentID:      sess.AgentID,
		Capabilities: capabilities,
		Availability: availability,
		RegisteredAt: m.cfg.Now(),
	})
	if err != nil {
		return err
	}
	_, err = m.committer.Commit(eventlog.Record{
		Kind:      eventlog.KindExpertRegistered,
		Aggregate: sess.AgentID,
		Actor:     sess.AgentID,
		Payload:   payload,
	})
	return err
}

// DeregisterExpert withdraws the token's agent's advertisement.
func (m *Manager) DeregisterExpert(token string) error {
	sess, err := m.Validate(token)
	if err != nil {
		return err
	}
	if _, ok := m.store.Expert(sess.AgentID); !ok {
		return nil
	}
	payload, err := eventlog.MarshalPayload(models.ExpertDeregisteredPayload{AgentID: sess.AgentID})
	if err != nil {
		return err
	}
	_, err = m.committer.Commit(eventlog.Record{
		Kind:      eventlog.KindExpertDeregistered,
		Aggregate: sess.AgentID,
		Actor:     sess.AgentID,
		Payload:   payload,
	})
	return err
}

// ListExperts returns registered experts, optionally filtered by capability.
func (m *Manager) ListExperts(capability string) []models.ExpertEntry {
	return m.store.ListExperts(capability)
}

// audit records a SecurityViolation. Audit failures are logged, never
// propagated: a denial must not turn into an internal error because the
// audit trail hiccupped.
func (m *Manager) audit(actor, classifier, detail string) {
	payload, err := eventlog.MarshalPayload(models.SecurityViolationPayload{
		ActorID:    actor,
		Classifier: classifier,
		Detail:     detail,
	})
	if err != nil {
		slog.Error("Audit payload marshal failed", "error", err)
		return
	}
	if _, err := m.committer.Commit(eventlog.Record{
		Kind:      eventlog.KindSecurityViolation,
		Aggregate: actor,
		Actor:     actor,
		Payload:   payload,
	}); err != nil {
		slog.Error("Audit append failed", "classifier", classifier, "error", err)
	}
}
