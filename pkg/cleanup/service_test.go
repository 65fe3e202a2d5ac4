package cleanup

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/relay/pkg/config"
	"github.com/codeready-toolchain/relay/pkg/eventlog"
	"github.com/codeready-toolchain/relay/pkg/models"
	"github.com/codeready-toolchain/relay/pkg/projection"
	"github.com/codeready-toolchain/relay/pkg/registry"
	"github.com/codeready-toolchain/relay/pkg/security"
)

func TestRunAllTrimsSweepsAndCollects(t *testing.T) {
	log, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

	now := time.Now()
	clock := func() time.Time { return now }

	store := projection.NewStore(0)
	committer := projection.NewCommitter(log, store, "", 0)
	env, err := security.NewEnvelope(security.Config{
		MasterSecret:      []byte("test-master-secret-0123456789abcdef"),
		NonceRetention:    time.Minute,
		CreateRatePerMin:  10,
		RespondRatePerMin: 20,
		Burst:             3,
		Now:               clock,
	})
	require.NoError(t, err)
	reg := registry.NewManager(committer, env, registry.Config{
		IdleTimeout: time.Hour,
		Now:         clock,
	})

	// A session, an elicitation, and a terminal outcome to populate the
	// archive, plus a nonce in the store.
	sess, _, err := reg.CreateSession("agent-a", "", "")
	require.NoError(t, err)
	_ = sess
	requested, err := eventlog.MarshalPayload(models.ElicitationRequestedPayload{
		ElicitationID: "e1", FromAgent: "agent-a", ToAgent: "agent-b",
		Message: "m", Schema: json.RawMessage(`{"type":"null"}`),
		TimeoutSeconds: 5, Nonce: "n1", ExpectedResponseKey: "ab", CreatedAt: now,
	})
	require.NoError(t, err)
	_, err = committer.Commit(eventlog.Record{
		Kind: eventlog.KindElicitationRequested, Aggregate: "e1", Actor: "agent-a", Payload: requested,
	})
	require.NoError(t, err)
	expired, err := eventlog.MarshalPayload(models.ElicitationExpiredPayload{ElicitationID: "e1", ExpiredAt: now})
	require.NoError(t, err)
	_, err = committer.Commit(eventlog.Record{
		Kind: eventlog.KindElicitationExpired, Aggregate: "e1", Actor: "engine", Payload: expired,
	})
	require.NoError(t, err)
	env.Nonces.Record("agent-a", "n1")

	svc := NewService(&config.RetentionConfig{
		ArchiveRetention: config.Duration(24 * time.Hour),
		CleanupInterval:  config.Duration(time.Minute),
	}, store, reg, env.Nonces)
	svc.now = clock

	// Within retention nothing is touched.
	svc.runAll()
	_, ok := store.Elicitation("e1")
	assert.True(t, ok)
	assert.True(t, store.HasLiveSession("agent-a"))

	// Past retention and idle windows everything ages out.
	now = now.Add(48 * time.Hour)
	svc.runAll()
	_, ok = store.Elicitation("e1")
	assert.False(t, ok)
	assert.False(t, store.HasLiveSession("agent-a"))
	assert.False(t, env.Nonces.Seen("agent-a", "n1"))
}

func TestStartStop(t *testing.T) {
	log, err := eventlog.Open(eventlog.Options{Dir: t.TempDir()})
	require.NoError(t, err)
	defer log.Close()

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
	reg := registry.NewManager(committer, env, registry.Config{})

	svc := NewService(&config.RetentionConfig{
		ArchiveRetention: config.Duration(time.Hour),
		CleanupInterval:  config.Duration(50 * time.Millisecond),
	}, store, reg, env.Nonces)

	svc.Start(context.Background())
	svc.Start(context.Background()) // duplicate Start is a no-op
	time.Sleep(120 * time.Millisecond)
	svc.Stop()
}
