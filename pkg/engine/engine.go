// Package engine implements the elicitation state machine: create, deliver,
// accept/decline/cancel, expire. It orchestrates the event log (through the
// committer), the projection, the security envelope, the session registry,
// and the notification fabric.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/relay/pkg/eventlog"
	"github.com/codeready-toolchain/relay/pkg/fabric"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/projection"
	"github.com/codeready-toolchain/relay/pkg/registry"
	"github.com/codeready-toolchain/relay/pkg/security"
)

// Outcome values accepted by Respond.
const (
	OutcomeAccept  = "accept"
	OutcomeDecline = "decline"
	OutcomeCancel  = "cancel"
)

// nonceSeedScan bounds how far back the startup nonce reconstruction reads.
const nonceSeedScan = 5000

// Config holds engine tuning.
type Config struct {
	// TimeoutCap is the maximum accepted elicitation timeout.
	TimeoutCap time.Duration

	// MaxWait bounds the wait_ms a poller may request.
	MaxWait time.Duration

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Engine is the elicitation engine. One engine per process; behaviour is
// parameterised entirely by configuration — there are no variant
// implementations.
type Engine struct {
	// mu serialises state transitions (create, respond, expire) so that the
	// nonce check, the terminal-state check, and the commit form one unit.
	// Reads and polls never take it.
	mu sync.Mutex

	committer *projection.Committer
	store     *projection.Store
	fab       *fabric.Fabric
	env       *security.Envelope
	reg       *registry.Manager
	cfg       Config

	sched  *expiryScheduler
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an engine.
func New(committer *projection.Committer, fab *fabric.Fabric, env *security.Envelope, reg *registry.Manager, cfg Config) *Engine {
	if cfg.TimeoutCap <= 0 {
		cfg.TimeoutCap = 5 * time.Minute
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 30 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Engine{
		committer: committer,
		store:     committer.Store(),
		fab:       fab,
		env:       env,
		reg:       reg,
		cfg:       cfg,
		sched:     newExpiryScheduler(cfg.Now),
	}
}

// Start seeds the expiry schedule and the nonce store from recovered state
// and launches the expiry task.
func (e *Engine) Start(ctx context.Context) {
	for _, elic := range e.store.ActiveElicitations() {
		e.sched.schedule(elic.ID, elic.ExpiresAt())
	}
	e.seedNonces()

	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		e.sched.run(ctx, e.expire)
	}()
	slog.Info("Elicitation engine started",
		"active_elicitations", e.store.Stats().ActiveElicitations,
		"timeout_cap", e.cfg.TimeoutCap)
}

// Stop halts the expiry task.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	slog.Info("Elicitation engine stopped")
}

// seedNonces reconstructs the volatile nonce store from the tail of the
// event log so a restart does not reopen the replay window.
func (e *Engine) seedNonces() {
	log := e.committer.Log()
	last := log.LastSequence()
	from := uint64(1)
	if last > nonceSeedScan {
		from = last - nonceSeedScan + 1
	}
	events, err := log.Read(from, 0)
	if err != nil {
		slog.Warn("Nonce reconstruction read failed", "error", err)
		return
	}
	seeded := 0
	for _, ev := range events {
		var agent, nonce string
		switch ev.Kind {
		case eventlog.KindElicitationRequested:
			var p models.ElicitationRequestedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				agent, nonce = p.FromAgent, p.Nonce
			}
		case eventlog.KindElicitationAccepted:
			var p models.ElicitationAcceptedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				agent, nonce = p.ResponderID, p.Nonce
			}
		case eventlog.KindElicitationDeclined:
			var p models.ElicitationDeclinedPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				agent, nonce = p.ResponderID, p.Nonce
			}
		case eventlog.KindElicitationCancelled:
			var p models.ElicitationCancelledPayload
			if json.Unmarshal(ev.Payload, &p) == nil {
				agent, nonce = p.CreatorID, p.Nonce
			}
		}
		if agent != "" && nonce != "" {
			e.env.Nonces.Seed(agent, nonce, ev.Timestamp)
			seeded++
		}
	}
	if seeded > 0 {
		slog.Info("Nonce store reconstructed from log", "seeded", seeded)
	}
}

// Create validates and records a new elicitation addressed to toAgent,
// signals the responder's inbox, and returns the projected elicitation.
func (e *Engine) Create(token, toAgent, message string, schema json.RawMessage, timeoutSeconds int, nonce string) (models.Elicitation, error) {
	sess, err := e.reg.Validate(token)
	if err != nil {
		return models.Elicitation{}, err
	}
	if toAgent == "" {
		return models.Elicitation{}, errf(KindInvalidArgument, "to_agent is required")
	}
	if message == "" {
		return models.Elicitation{}, errf(KindInvalidArgument, "message is required")
	}
	if nonce == "" {
		return models.Elicitation{}, errf(KindInvalidArgument, "nonce is required")
	}
	timeout := time.Duration(timeoutSeconds) * time.Second
	if timeoutSeconds <= 0 || timeout > e.cfg.TimeoutCap {
		return models.Elicitation{}, errf(KindInvalidArgument,
			"timeout_seconds must be in (0, %d]", int(e.cfg.TimeoutCap.Seconds()))
	}
	if _, err := ParseSchema(schema); err != nil {
		return models.Elicitation{}, errf(KindSchemaInvalid, "%v", err)
	}

	if allowed, audit := e.env.Limits.Allow(sess.AgentID, security.OpCreate); !allowed {
		if audit {
			e.audit(sess.AgentID, security.ViolationRateLimited, "elicitation creation rate exceeded")
		}
		return models.Elicitation{}, errf(KindRateLimited, "elicitation creation rate exceeded")
	}

	responderSessions := e.store.SessionsForAgent(toAgent)
	if len(responderSessions) == 0 {
		return models.Elicitation{}, errf(KindUnknownTarget, "agent %q has no live session", toAgent)
	}
	// Bind to the responder's newest session: the one a currently connected
	// responder signs with.
	responderKey := responderSessions[len(responderSessions)-1].Key

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.env.Nonces.Seen(sess.AgentID, nonce) {
		e.audit(sess.AgentID, security.ViolationNonceReplay, "creation nonce replayed")
		return models.Elicitation{}, errf(KindNonceReplay, "nonce already used")
	}

	id := uuid.New().String()
	now := e.cfg.Now()
	payload, err := eventlog.MarshalPayload(models.ElicitationRequestedPayload{
		ElicitationID:       id,
		FromAgent:           sess.AgentID,
		ToAgent:             toAgent,
		Message:             message,
		Schema:              schema,
		TimeoutSeconds:      timeoutSeconds,
		Nonce:               nonce,
		ExpectedResponseKey: security.ResponseBindingKey(responderKey, id, nonce),
		CreatedAt:           now,
	})
	if err != nil {
		return models.Elicitation{}, err
	}
	events, err := e.committer.Commit(eventlog.Record{
		Kind:      eventlog.KindElicitationRequested,
		Aggregate: id,
		Actor:     sess.AgentID,
		Payload:   payload,
	})
	if err != nil {
		return models.Elicitation{}, err
	}
	e.env.Nonces.Record(sess.AgentID, nonce)

	elic, ok := e.store.Elicitation(id)
	if !ok {
		return models.Elicitation{}, errf(KindIntegrityFailure, "elicitation missing after commit")
	}

	// Signal the responder, then record the Pending → Delivered step. The
	// two-step transition is observable in events so consumers can tell
	// "never reached the responder" from "reached but unanswered".
	e.fab.Enqueue(toAgent, models.Notification{
		Type:          models.NotificationElicitationNew,
		ElicitationID: id,
		FromAgent:     sess.AgentID,
		Message:       message,
		Schema:        schema,
		ExpiresAt:     elic.ExpiresAt(),
		BindingNonce:  nonce,
		Sequence:      events[0].Sequence,
	})
	delivered, err := eventlog.MarshalPayload(models.ElicitationDeliveredPayload{
		ElicitationID: id,
		ToAgent:       toAgent,
	})
	if err == nil {
		_, err = e.committer.Commit(eventlog.Record{
			Kind:      eventlog.KindElicitationDelivered,
			Aggregate: id,
			Actor:     sess.AgentID,
			Payload:   delivered,
		})
	}
	if err != nil {
		// The elicitation exists and was signalled; only the Delivered marker
		// is missing. Surfacing failure here would make the caller retry a
		// creation that succeeded.
		slog.Error("Delivered event append failed", "elicitation_id", id, "error", err)
	}

	e.sched.schedule(id, elic.ExpiresAt())

	elic, _ = e.store.Elicitation(id)
	return elic, nil
}

// Respond applies a terminal outcome to an elicitation: accept or decline by
// the addressed responder, cancel by the creator. Exactly one terminal event
// wins; later attempts see AlreadyTerminal.
func (e *Engine) Respond(token, elicitationID, outcome string, data json.RawMessage, reason, nonce, signature string) (models.ElicitationStatus, error) {
	sess, err := e.reg.Validate(token)
	if err != nil {
		return "", err
	}
	if elicitationID == "" {
		return "", errf(KindInvalidArgument, "elicitation_id is required")
	}
	if nonce == "" {
		return "", errf(KindInvalidArgument, "nonce is required")
	}
	if outcome != OutcomeAccept && outcome != OutcomeDecline && outcome != OutcomeCancel {
		return "", errf(KindInvalidArgument, "outcome must be accept, decline, or cancel")
	}

	if allowed, audit := e.env.Limits.Allow(sess.AgentID, security.OpRespond); !allowed {
		if audit {
			e.audit(sess.AgentID, security.ViolationRateLimited, "response rate exceeded")
		}
		return "", errf(KindRateLimited, "response rate exceeded")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	elic, ok := e.store.Elicitation(elicitationID)
	if !ok {
		return "", errf(KindNotFound, "elicitation not found")
	}
	if elic.Status.Terminal() {
		return "", errf(KindAlreadyTerminal, "elicitation is already %s", elic.Status)
	}

	switch outcome {
	case OutcomeAccept, OutcomeDecline:
		if sess.AgentID != elic.ToAgent {
			e.audit(sess.AgentID, security.ViolationNotAddressed, "respond by non-addressed agent")
			return "", errf(KindNotAddressed, "elicitation is not addressed to this agent")
		}
		// Cryptographic binding: the presented signature must equal the key
		// computed at creation from the responder's session key. Compared in
		// constant time; transport authentication alone is not sufficient.
		if !security.EqualHex(elic.ExpectedResponseKey, signature) {
			e.audit(sess.AgentID, security.ViolationBindingMismatch, "response signature mismatch")
			return "", errf(KindBindingMismatch, "response signature does not match binding key")
		}
	case OutcomeCancel:
		if sess.AgentID != elic.FromAgent {
			e.audit(sess.AgentID, security.ViolationNotAddressed, "cancel by non-creator")
			return "", errf(KindNotAddressed, "only the creator may cancel")
		}
	}

	if outcome == OutcomeAccept {
		schema, err := ParseSchema(elic.Schema)
		if err != nil {
			return "", errf(KindIntegrityFailure, "stored schema unparseable: %v", err)
		}
		if err := schema.Validate(data); err != nil {
			e.audit(sess.AgentID, security.ViolationSchema, "accepted payload failed schema validation")
			return "", errf(KindSchemaInvalid, "%v", err)
		}
	}

	if e.env.Nonces.Seen(sess.AgentID, nonce) {
		e.audit(sess.AgentID, security.ViolationNonceReplay, "response nonce replayed")
		return "", errf(KindNonceReplay, "nonce already used")
	}

	record, status, err := terminalRecord(elic, sess.AgentID, outcome, data, reason, nonce)
	if err != nil {
		return "", err
	}
	events, err := e.committer.Commit(record)
	if err != nil {
		return "", err
	}
	e.env.Nonces.Record(sess.AgentID, nonce)

	// Notify the opposite party.
	notifyAgent := elic.FromAgent
	if outcome == OutcomeCancel {
		notifyAgent = elic.ToAgent
	}
	e.fab.Enqueue(notifyAgent, models.Notification{
		Type:          models.NotificationElicitationTerminal,
		ElicitationID: elic.ID,
		TerminalState: status,
		ResponseData:  data,
		Reason:        reason,
		Sequence:      events[0].Sequence,
	})
	return status, nil
}

// terminalRecord builds the event record for a respond outcome.
func terminalRecord(elic models.Elicitation, actor, outcome string, data json.RawMessage, reason, nonce string) (eventlog.Record, models.ElicitationStatus, error) {
	switch outcome {
	case OutcomeAccept:
		payload, err := eventlog.MarshalPayload(models.ElicitationAcceptedPayload{
			ElicitationID: elic.ID,
			ResponderID:   actor,
			Data:          data,
			Nonce:         nonce,
		})
		return eventlog.Record{
			Kind: eventlog.KindElicitationAccepted, Aggregate: elic.ID, Actor: actor, Payload: payload,
		}, models.StatusAccepted, err
	case OutcomeDecline:
		payload, err := eventlog.MarshalPayload(models.ElicitationDeclinedPayload{
			ElicitationID: elic.ID,
			ResponderID:   actor,
			Reason:        reason,
			Nonce:         nonce,
		})
		return eventlog.Record{
			Kind: eventlog.KindElicitationDeclined, Aggregate: elic.ID, Actor: actor, Payload: payload,
		}, models.StatusDeclined, err
	default:
		payload, err := eventlog.MarshalPayload(models.ElicitationCancelledPayload{
			ElicitationID: elic.ID,
			CreatorID:     actor,
			Nonce:         nonce,
		})
		return eventlog.Record{
			Kind: eventlog.KindElicitationCancelled, Aggregate: elic.ID, Actor: actor, Payload: payload,
		}, models.StatusCancelled, err
	}
}

// Poll drains the caller's inbox, blocking up to maxWait (clamped to the
// configured bound). The second result is the catch-up hint.
func (e *Engine) Poll(ctx context.Context, token string, maxWait time.Duration) ([]models.Notification, bool, error) {
	sess, err := e.reg.Validate(token)
	if err != nil {
		return nil, false, err
	}
	if maxWait > e.cfg.MaxWait {
		maxWait = e.cfg.MaxWait
	}
	return e.fab.Wait(ctx, sess.AgentID, maxWait)
}

// Get returns the projection view of an elicitation for either party. Agents
// that are neither creator nor responder get NotFound rather than an
// existence oracle.
func (e *Engine) Get(token, elicitationID string) (models.Elicitation, error) {
	sess, err := e.reg.Validate(token)
	if err != nil {
		return models.Elicitation{}, err
	}
	elic, ok := e.store.Elicitation(elicitationID)
	if !ok || (sess.AgentID != elic.FromAgent && sess.AgentID != elic.ToAgent) {
		return models.Elicitation{}, errf(KindNotFound, "elicitation not found")
	}
	return elic, nil
}

// ListCreated returns the caller's active elicitations as creator.
func (e *Engine) ListCreated(token string) ([]models.Elicitation, error) {
	sess, err := e.reg.Validate(token)
	if err != nil {
		return nil, err
	}
	return e.store.CreatedBy(sess.AgentID), nil
}

// ListAddressed returns the caller's active elicitations as responder.
func (e *Engine) ListAddressed(token string) ([]models.Elicitation, error) {
	sess, err := e.reg.Validate(token)
	if err != nil {
		return nil, err
	}
	return e.store.PendingFor(sess.AgentID), nil
}

// Registry returns the session registry this engine authenticates against.
func (e *Engine) Registry() *registry.Manager {
	return e.reg
}

// Store returns the projection store, for health reporting.
func (e *Engine) Store() *projection.Store {
	return e.store
}

// Fabric returns the notification fabric, for transports and health.
func (e *Engine) Fabric() *fabric.Fabric {
	return e.fab
}

// expire conditionally transitions an elicitation to Expired. Fired by the
// expiry task; a no-op when the elicitation already reached a terminal state,
// and re-armed when the deadline has not genuinely passed yet.
func (e *Engine) expire(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	elic, ok := e.store.Elicitation(id)
	if !ok || elic.Status.Terminal() {
		return
	}
	now := e.cfg.Now()
	if now.Before(elic.ExpiresAt()) {
		e.sched.schedule(id, elic.ExpiresAt())
		return
	}

	payload, err := eventlog.MarshalPayload(models.ElicitationExpiredPayload{
		ElicitationID: id,
		ExpiredAt:     now,
	})
	if err != nil {
		slog.Error("Expiry payload marshal failed", "elicitation_id", id, "error", err)
		return
	}
	events, err := e.committer.Commit(eventlog.Record{
		Kind:      eventlog.KindElicitationExpired,
		Aggregate: id,
		Actor:     "engine",
		Payload:   payload,
	})
	if err != nil {
		// Storage trouble: retry shortly rather than dropping the deadline.
		slog.Error("Expiry append failed", "elicitation_id", id, "error", err)
		e.sched.schedule(id, now.Add(time.Second))
		return
	}

	expired := models.Notification{
		Type:          models.NotificationElicitationTerminal,
		ElicitationID: id,
		TerminalState: models.StatusExpired,
		Reason:        "timed out",
		Sequence:      events[0].Sequence,
	}
	e.fab.Enqueue(elic.FromAgent, expired)
	e.fab.Enqueue(elic.ToAgent, expired)
}

// audit records a SecurityViolation. Failures are logged, never propagated.
func (e *Engine) audit(actor, classifier, detail string) {
	payload, err := eventlog.MarshalPayload(models.SecurityViolationPayload{
		ActorID:    actor,
		Classifier: classifier,
		Detail:     detail,
	})
	if err != nil {
		slog.Error("Audit payload marshal failed", "error", err)
		return
	}
	if _, err := e.committer.Commit(eventlog.Record{
		Kind:      eventlog.KindSecurityViolation,
		Aggregate: actor,
		Actor:     actor,
		Payload:   payload,
	}); err != nil {
		slog.Error("Audit append failed", "classifier", classifier, "error", err)
	}
}
