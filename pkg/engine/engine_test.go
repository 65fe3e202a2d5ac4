package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/eventlog"
	"github.com/codeready-toolchain/relay/pkg/fabric"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/projection"
	"github.com/codeready-toolchain/relay/pkg/registry"
	"github.com/codeready-toolchain/relay/pkg/security"
)

var boolSchema = json.RawMessage(`{"type":"object","properties":{"ok":{"type":"boolean"}},"required":["ok"]}`)

type fixture struct {
	engine *Engine
	reg    *registry.Manager
	store  *projection.Store
	log    *eventlog.Log
	fab    *fabric.Fabric
	now    time.Time
}

func (fx *fixture) clock() time.Time { return fx.now }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	fx := &fixture{log: log, now: time.Now()}

	store := projection.NewStore(0)
	committer := projection.NewCommitter(log, store, "", 0)
	env, err := security.NewEnvelope(security.Config{
		MasterSecret:      []byte("test-master-secret-0123456789abcdef"),
		NonceRetention:    10 * time.Minute,
		NonceCapacity:     256,
		CreateRatePerMin:  600,
		RespondRatePerMin: 600,
		Burst:             100,
		Now:               fx.clock,
	})
	require.NoError(t, err)

	reg := registry.NewManager(committer, env, registry.Config{
		MaxSessionsPerAgent: 3,
		IdleTimeout:         time.Hour,
		Now:                 fx.clock,
	})
	fab := fabric.New(64)
	fx.store = store
	fx.reg = reg
	fx.fab = fab
	fx.engine = New(committer, fab, env, reg, Config{
		TimeoutCap: 5 * time.Minute,
		MaxWait:    5 * time.Second,
		Now:        fx.clock,
	})
	return fx
}

// session creates a session and returns (session, token).
func (fx *fixture) session(t *testing.T, agent string) (models.Session, string) {
	t.Helper()
	sess, token, err := fx.reg.CreateSession(agent, "", "")
	require.NoError(t, err)
	return sess, token
}

// signature computes the response signature the addressed responder would
// derive from its session key, the elicitation id, and the creator's nonce.
func signature(sess models.Session, elicitationID, bindingNonce string) string {
	return security.ResponseBindingKey(sess.Key, elicitationID, bindingNonce)
}

func TestHappyPathAcceptFlow(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	sessB, tokenB := fx.session(t, "agent-b")

	elic, err := fx.engine.Create(tokenA, "agent-b", "approve the deploy?", boolSchema, 30, "nonce-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, elic.Status)
	assert.Equal(t, "agent-a", elic.FromAgent)

	// B polls and receives the item within the wait.
	items, truncated, err := fx.engine.Poll(context.Background(), tokenB, time.Second)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, items, 1)
	assert.Equal(t, elic.ID, items[0].ElicitationID)
	assert.Equal(t, "nonce-1", items[0].BindingNonce)

	// B accepts with a schema-conforming payload and the correct signature.
	sig := signature(sessB, elic.ID, items[0].BindingNonce)
	status, err := fx.engine.Respond(tokenB, elic.ID, OutcomeAccept,
		json.RawMessage(`{"ok":true}`), "", "resp-nonce-1", sig)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, status)

	// A polls and observes the terminal state with the response payload.
	items, _, err = fx.engine.Poll(context.Background(), tokenA, time.Second)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.StatusAccepted, items[0].TerminalState)
	assert.JSONEq(t, `{"ok":true}`, string(items[0].ResponseData))

	// The projection view agrees for both parties.
	view, err := fx.engine.Get(tokenA, elic.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, view.Status)
	assert.JSONEq(t, `{"ok":true}`, string(view.ResponseData))
}

func TestImpostorIsRejectedWithBindingMismatch(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	sessB, tokenB := fx.session(t, "agent-b")
	sessC, tokenC := fx.session(t, "agent-c")

	elic, err := fx.engine.Create(tokenA, "agent-b", "secret question", boolSchema, 30, "nonce-1")
	require.NoError(t, err)

	violationsBefore := fx.store.Stats().SecurityViolations

	// C is authenticated but not the addressed responder.
	forged := signature(sessC, elic.ID, "nonce-1")
	_, err = fx.engine.Respond(tokenC, elic.ID, OutcomeAccept,
		json.RawMessage(`{"ok":true}`), "", "c-nonce", forged)
	require.Error(t, err)
	assert.Equal(t, KindNotAddressed, KindOf(err))

	// Even the right agent with a wrong signature is rejected.
	_, err = fx.engine.Respond(tokenB, elic.ID, OutcomeAccept,
		json.RawMessage(`{"ok":true}`), "", "b-nonce-bad", forged)
	require.Error(t, err)
	assert.Equal(t, KindBindingMismatch, KindOf(err))

	assert.Greater(t, fx.store.Stats().SecurityViolations, violationsBefore,
		"denials append SecurityViolation events")

	// The elicitation is untouched and B can still respond successfully.
	status, err := fx.engine.Respond(tokenB, elic.ID, OutcomeAccept,
		json.RawMessage(`{"ok":true}`), "", "b-nonce", signature(sessB, elic.ID, "nonce-1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, status)
}

func TestCreationNonceReplayIsRejected(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	fx.session(t, "agent-b")

	first, err := fx.engine.Create(tokenA, "agent-b", "once", boolSchema, 30, "n1")
	require.NoError(t, err)

	_, err = fx.engine.Create(tokenA, "agent-b", "once", boolSchema, 30, "n1")
	require.Error(t, err)
	assert.Equal(t, KindNonceReplay, KindOf(err))

	// Exactly one ElicitationRequested for n1 exists in the log.
	events, err := fx.log.Read(1, 0)
	require.NoError(t, err)
	requested := 0
	for _, ev := range events {
		if ev.Kind == eventlog.KindElicitationRequested {
			requested++
		}
	}
	assert.Equal(t, 1, requested)
	_, ok := fx.store.Elicitation(first.ID)
	assert.True(t, ok)
}

func TestExpiryRaceYieldsExactlyOneTerminal(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	sessB, tokenB := fx.session(t, "agent-b")

	elic, err := fx.engine.Create(tokenA, "agent-b", "quick", boolSchema, 1, "n1")
	require.NoError(t, err)

	// The deadline passes; expiry fires first.
	fx.now = fx.now.Add(2 * time.Second)
	fx.engine.expire(elic.ID)

	view, err := fx.engine.Get(tokenA, elic.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, view.Status)

	// The late accept observes AlreadyTerminal; no second terminal event.
	_, err = fx.engine.Respond(tokenB, elic.ID, OutcomeAccept,
		json.RawMessage(`{"ok":true}`), "", "bn", signature(sessB, elic.ID, "n1"))
	require.Error(t, err)
	assert.Equal(t, KindAlreadyTerminal, KindOf(err))

	assert.Equal(t, 1, countTerminalEvents(t, fx.log, elic.ID))
}

func TestAcceptBeforeExpiryMakesExpiryNoOp(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	sessB, tokenB := fx.session(t, "agent-b")

	elic, err := fx.engine.Create(tokenA, "agent-b", "quick", boolSchema, 1, "n1")
	require.NoError(t, err)

	_, err = fx.engine.Respond(tokenB, elic.ID, OutcomeAccept,
		json.RawMessage(`{"ok":true}`), "", "bn", signature(sessB, elic.ID, "n1"))
	require.NoError(t, err)

	fx.now = fx.now.Add(2 * time.Second)
	fx.engine.expire(elic.ID)

	view, err := fx.engine.Get(tokenA, elic.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, view.Status)
	assert.Equal(t, 1, countTerminalEvents(t, fx.log, elic.ID))
}

func TestCancelByCreator(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	sessB, tokenB := fx.session(t, "agent-b")

	elic, err := fx.engine.Create(tokenA, "agent-b", "never mind", boolSchema, 30, "n1")
	require.NoError(t, err)

	// Only the creator may cancel.
	_, err = fx.engine.Respond(tokenB, elic.ID, OutcomeCancel, nil, "", "bn0", "")
	require.Error(t, err)
	assert.Equal(t, KindNotAddressed, KindOf(err))

	status, err := fx.engine.Respond(tokenA, elic.ID, OutcomeCancel, nil, "", "an1", "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, status)

	// B's subsequent accept is AlreadyTerminal, and B's inbox coalesced the
	// delivery into the terminal notification.
	_, err = fx.engine.Respond(tokenB, elic.ID, OutcomeAccept,
		json.RawMessage(`{"ok":true}`), "", "bn1", signature(sessB, elic.ID, "n1"))
	require.Error(t, err)
	assert.Equal(t, KindAlreadyTerminal, KindOf(err))

	items, _, err := fx.engine.Poll(context.Background(), tokenB, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.StatusCancelled, items[0].TerminalState)
}

func TestTimeoutCapBoundary(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	fx.session(t, "agent-b")

	// Exactly at the cap is accepted.
	_, err := fx.engine.Create(tokenA, "agent-b", "at cap", boolSchema, 300, "n1")
	require.NoError(t, err)

	// One beyond is rejected.
	_, err = fx.engine.Create(tokenA, "agent-b", "past cap", boolSchema, 301, "n2")
	require.Error(t, err)
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestCreateValidationErrors(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	fx.session(t, "agent-b")

	_, err := fx.engine.Create("bad-token", "agent-b", "m", boolSchema, 30, "n1")
	assert.Equal(t, KindUnauthenticated, KindOf(err))

	_, err = fx.engine.Create(tokenA, "agent-x", "m", boolSchema, 30, "n2")
	assert.Equal(t, KindUnknownTarget, KindOf(err))

	_, err = fx.engine.Create(tokenA, "agent-b", "m", json.RawMessage(`{"type":"wat"}`), 30, "n3")
	assert.Equal(t, KindSchemaInvalid, KindOf(err))

	_, err = fx.engine.Create(tokenA, "agent-b", "", boolSchema, 30, "n4")
	assert.Equal(t, KindInvalidArgument, KindOf(err))
}

func TestAcceptPayloadMustSatisfySchema(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	sessB, tokenB := fx.session(t, "agent-b")

	elic, err := fx.engine.Create(tokenA, "agent-b", "typed", boolSchema, 30, "n1")
	require.NoError(t, err)
	sig := signature(sessB, elic.ID, "n1")

	_, err = fx.engine.Respond(tokenB, elic.ID, OutcomeAccept,
		json.RawMessage(`{"ok":"yes"}`), "", "bn1", sig)
	require.Error(t, err)
	assert.Equal(t, KindSchemaInvalid, KindOf(err))

	// The failed attempt did not consume the nonce or terminate anything.
	status, err := fx.engine.Respond(tokenB, elic.ID, OutcomeAccept,
		json.RawMessage(`{"ok":true}`), "", "bn1", sig)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, status)
}

func TestDeclineCarriesReason(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	sessB, tokenB := fx.session(t, "agent-b")

	elic, err := fx.engine.Create(tokenA, "agent-b", "busy?", boolSchema, 30, "n1")
	require.NoError(t, err)

	status, err := fx.engine.Respond(tokenB, elic.ID, OutcomeDecline,
		nil, "otherwise engaged", "bn1", signature(sessB, elic.ID, "n1"))
	require.NoError(t, err)
	assert.Equal(t, models.StatusDeclined, status)

	view, err := fx.engine.Get(tokenA, elic.ID)
	require.NoError(t, err)
	assert.Equal(t, "otherwise engaged", view.Reason)
}

func TestGetHidesElicitationFromThirdParties(t *testing.T) {
	fx := newFixture(t)
	_, tokenA := fx.session(t, "agent-a")
	fx.session(t, "agent-b")
	_, tokenC := fx.session(t, "agent-c")

	elic, err := fx.engine.Create(tokenA, "agent-b", "private", boolSchema, 30, "n1")
	require.NoError(t, err)

	_, err = fx.engine.Get(tokenC, elic.ID)
	require.Error(t, err)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestRateLimitedCreate(t *testing.T) {
	fx := newFixture(t)
	log, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	// A tight limiter: burst 2, negligible refill.
	store := projection.NewStore(0)
	committer := projection.NewCommitter(log, store, "", 0)
	env, err := security.NewEnvelope(security.Config{
		MasterSecret:      []byte("test-master-secret-0123456789abcdef"),
		NonceRetention:    time.Minute,
		CreateRatePerMin:  1,
		RespondRatePerMin: 1,
		Burst:             2,
		Now:               fx.clock,
	})
	require.NoError(t, err)
	reg := registry.NewManager(committer, env, registry.Config{Now: fx.clock})
	eng := New(committer, fabric.New(8), env, reg, Config{Now: fx.clock})

	_, tokenA, err := reg.CreateSession("agent-a", "", "")
	require.NoError(t, err)
	_, _, err = reg.CreateSession("agent-b", "", "")
	require.NoError(t, err)

	_, err = eng.Create(tokenA, "agent-b", "1", boolSchema, 30, "n1")
	require.NoError(t, err)
	_, err = eng.Create(tokenA, "agent-b", "2", boolSchema, 30, "n2")
	require.NoError(t, err)

	_, err = eng.Create(tokenA, "agent-b", "3", boolSchema, 30, "n3")
	require.Error(t, err)
	assert.Equal(t, KindRateLimited, KindOf(err))

	// Exactly one rate violation is audited for the drained bucket.
	_, err = eng.Create(tokenA, "agent-b", "4", boolSchema, 30, "n4")
	assert.Equal(t, KindRateLimited, KindOf(err))
	assert.Equal(t, uint64(1), store.Stats().SecurityViolations)
}

func TestExpiryTaskFiresThroughScheduler(t *testing.T) {
	// Real clock: a short elicitation expires end to end via Start/Stop.
	log, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	store := projection.NewStore(0)
	committer := projection.NewCommitter(log, store, "", 0)
	env, err := security.NewEnvelope(security.Config{
		MasterSecret:      []byte("test-master-secret-0123456789abcdef"),
		NonceRetention:    time.Minute,
		CreateRatePerMin:  600,
		RespondRatePerMin: 600,
		Burst:             10,
	})
	require.NoError(t, err)
	reg := registry.NewManager(committer, env, registry.Config{})
	fab := fabric.New(8)
	eng := New(committer, fab, env, reg, Config{TimeoutCap: time.Minute})
	eng.Start(context.Background())
	defer eng.Stop()

	_, tokenA, err := reg.CreateSession("agent-a", "", "")
	require.NoError(t, err)
	_, tokenB, err := reg.CreateSession("agent-b", "", "")
	require.NoError(t, err)

	elic, err := eng.Create(tokenA, "agent-b", "fast", boolSchema, 1, "n1")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		view, err := eng.Get(tokenA, elic.ID)
		return err == nil && view.Status == models.StatusExpired
	}, 3*time.Second, 20*time.Millisecond, "expiry should fire within bounded slack")

	// Both parties were notified.
	itemsA, _, err := eng.Poll(context.Background(), tokenA, 0)
	require.NoError(t, err)
	itemsB, _, err := eng.Poll(context.Background(), tokenB, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, itemsA)
	require.NotEmpty(t, itemsB)
	last := itemsB[len(itemsB)-1]
	assert.Equal(t, models.StatusExpired, last.TerminalState)
}

func countTerminalEvents(t *testing.T, log *eventlog.Log, elicitationID string) int {
	t.Helper()
	events, err := log.Read(1, 0)
	require.NoError(t, err)
	count := 0
	for _, ev := range events {
		if ev.Aggregate != elicitationID {
			continue
		}
		switch ev.Kind {
		case eventlog.KindElicitationAccepted, eventlog.KindElicitationDeclined,
			eventlog.KindElicitationCancelled, eventlog.KindElicitationExpired:
			count++
		}
	}
	return count
}
