package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/eventlog"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/projection"
	"github.com/codeready-toolchain/relay/pkg/security"
)

type fixture struct {
	manager *Manager
	store   *projection.Store
	log     *eventlog.Log
	now     *time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	now := time.Now()
	clock := func() time.Time { return now }

	store := projection.NewStore(0)
	committer := projection.NewCommitter(log, store, "", 0)
	env, err := security.NewEnvelope(security.Config{
		MasterSecret:      []byte("test-master-secret-0123456789abcdef"),
		NonceRetention:    time.Minute,
		NonceCapacity:     64,
		CreateRatePerMin:  10,
		RespondRatePerMin: 20,
		Burst:             3,
		Now:               clock,
	})
	require.NoError(t, err)

	fx := &fixture{store: store, log: log, now: &now}
	fx.manager = NewManager(committer, env, Config{
		MaxSessionsPerAgent: 3,
		IdleTimeout:         time.Hour,
		Now:                 func() time.Time { return *fx.now },
	})
	return fx
}

func TestCreateSessionAndValidate(t *testing.T) {
	fx := newFixture(t)

	sess, token, err := fx.manager.CreateSession("agent-a", "10.0.0.1", "relay-client/1")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", sess.AgentID)
	assert.Len(t, sess.Key, security.KeySize)

	validated, err := fx.manager.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, validated.ID)
}

func TestValidateRejectsForgedToken(t *testing.T) {
	fx := newFixture(t)
	_, token, err := fx.manager.CreateSession("agent-a", "", "")
	require.NoError(t, err)

	_, err = fx.manager.Validate(token + "00")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = fx.manager.Validate("garbage")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	// Each denial leaves a SecurityViolation in the log.
	assert.GreaterOrEqual(t, fx.store.Stats().SecurityViolations, uint64(2))
}

func TestValidateRejectsTokenForOtherAgent(t *testing.T) {
	fx := newFixture(t)
	sessA, _, err := fx.manager.CreateSession("agent-a", "", "")
	require.NoError(t, err)

	// A token claiming agent-b, signed with agent-a's session key: the
	// signature verifies, but the embedded agent id is not the session's agent.
	forged := MintToken(sessA.Key, "agent-b", sessA.ID, sessA.CreatedAt)
	_, err = fx.manager.Validate(forged)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestSessionCapEvictsOldest(t *testing.T) {
	fx := newFixture(t)

	var tokens []string
	for i := 0; i < 3; i++ {
		*fx.now = fx.now.Add(time.Second)
		_, token, err := fx.manager.CreateSession("agent-a", "", "")
		require.NoError(t, err)
		tokens = append(tokens, token)
	}

	*fx.now = fx.now.Add(time.Second)
	_, _, err := fx.manager.CreateSession("agent-a", "", "")
	require.NoError(t, err)

	live := fx.store.SessionsForAgent("agent-a")
	assert.Len(t, live, 3, "cap holds after eviction")

	// The oldest token no longer validates.
	_, err = fx.manager.Validate(tokens[0])
	assert.ErrorIs(t, err, ErrUnauthenticated)
	_, err = fx.manager.Validate(tokens[1])
	assert.NoError(t, err)
}

func TestIdleSessionRevokedLazily(t *testing.T) {
	fx := newFixture(t)
	_, token, err := fx.manager.CreateSession("agent-a", "", "")
	require.NoError(t, err)

	*fx.now = fx.now.Add(2 * time.Hour)
	_, err = fx.manager.Validate(token)
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.False(t, fx.store.HasLiveSession("agent-a"))
}

func TestSweepIdle(t *testing.T) {
	fx := newFixture(t)
	_, _, err := fx.manager.CreateSession("agent-a", "", "")
	require.NoError(t, err)
	_, _, err = fx.manager.CreateSession("agent-b", "", "")
	require.NoError(t, err)

	*fx.now = fx.now.Add(2 * time.Hour)
	revoked := fx.manager.SweepIdle()
	assert.Equal(t, 2, revoked)
	assert.False(t, fx.store.HasLiveSession("agent-a"))
	assert.False(t, fx.store.HasLiveSession("agent-b"))
}

func TestExpertRegistrationReplacesPrior(t *testing.T) {
	fx := newFixture(t)
	_, token, err := fx.manager.CreateSession("agent-a", "", "")
	require.NoError(t, err)

	require.NoError(t, fx.manager.RegisterExpert(token, []string{"k8s", "networking"}, models.AvailabilityAvailable))
	require.NoError(t, fx.manager.RegisterExpert(token, []string{"storage"}, models.AvailabilityBusy))

	experts := fx.manager.ListExperts("")
	require.Len(t, experts, 1)
	assert.Equal(t, []string{"storage"}, experts[0].Capabilities)
	assert.Equal(t, models.AvailabilityBusy, experts[0].Availability)

	assert.Empty(t, fx.manager.ListExperts("k8s"))
	assert.Len(t, fx.manager.ListExperts("storage"), 1)
}

func TestExpertRegistrationValidation(t *testing.T) {
	fx := newFixture(t)
	_, token, err := fx.manager.CreateSession("agent-a", "", "")
	require.NoError(t, err)

	err = fx.manager.RegisterExpert(token, nil, models.AvailabilityAvailable)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	err = fx.manager.RegisterExpert(token, []string{"x"}, models.Availability("sleeping"))
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestExpertRemovedWithLastSession(t *testing.T) {
	fx := newFixture(t)
	_, token, err := fx.manager.CreateSession("agent-a", "", "")
	require.NoError(t, err)
	require.NoError(t, fx.manager.RegisterExpert(token, []string{"k8s"}, models.AvailabilityAvailable))

	require.NoError(t, fx.manager.Revoke(token))
	assert.Empty(t, fx.manager.ListExperts(""))
	assert.False(t, fx.store.HasLiveSession("agent-a"))
}

func TestTokenSurvivesRestart(t *testing.T) {
	// Session keys live in the projection, so a token minted before a restart
	// validates after a rebuild from the same log.
	dir := t.TempDir()
	log, err := eventlog.Open(eventlog.Options{Dir: dir})
	require.NoError(t, err)

	store := projection.NewStore(0)
	committer := projection.NewCommitter(log, store, "", 0)
	env, err := security.NewEnvelope(security.Config{
		MasterSecret:      []byte("test-master-secret-0123456789abcdef"),
		NonceRetention:    time.Minute,
		CreateRatePerMin:  10,
		RespondRatePerMin: 20,
		Burst:             3,
	})
	require.NoError(t, err)
	manager := NewManager(committer, env, Config{})
	_, token, err := manager.CreateSession("agent-a", "", "")
	require.NoError(t, err)
	require.NoError(t, log.Close())

	reopened, err := eventlog.Open(eventlog.Options{Dir: dir})
	require.NoError(t, err)
	defer reopened.Close()
	rebuilt, err := projection.Rebuild(reopened, "", 0)
	require.NoError(t, err)
	manager2 := NewManager(projection.NewCommitter(reopened, rebuilt, "", 0), env, Config{})

	_, err = manager2.Validate(token)
	assert.NoError(t, err)
}
