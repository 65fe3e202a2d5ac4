package security

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var master = []byte("test-master-secret-0123456789abcdef")

func TestDeriveSessionKeyIsStablePerSession(t *testing.T) {
	k1, err := DeriveSessionKey(master, "session-1")
	require.NoError(t, err)
	k2, err := DeriveSessionKey(master, "session-1")
	require.NoError(t, err)
	k3, err := DeriveSessionKey(master, "session-2")
	require.NoError(t, err)

	assert.Len(t, k1, KeySize)
	assert.Equal(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestDeriveSessionKeyRejectsEmptyMaster(t *testing.T) {
	_, err := DeriveSessionKey(nil, "session-1")
	assert.Error(t, err)
}

func TestResponseBindingKeyBindsAllInputs(t *testing.T) {
	key, err := DeriveSessionKey(master, "session-1")
	require.NoError(t, err)
	otherKey, err := DeriveSessionKey(master, "session-2")
	require.NoError(t, err)

	base := ResponseBindingKey(key, "elic-1", "nonce-1")
	assert.Len(t, base, 64)
	assert.NotEqual(t, base, ResponseBindingKey(key, "elic-2", "nonce-1"))
	assert.NotEqual(t, base, ResponseBindingKey(key, "elic-1", "nonce-2"))
	assert.NotEqual(t, base, ResponseBindingKey(otherKey, "elic-1", "nonce-1"))
	assert.Equal(t, base, ResponseBindingKey(key, "elic-1", "nonce-1"))
}

func TestSignAndVerify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	sig := Sign(key, "agent-a", "session-1", "12345")

	assert.True(t, Verify(key, sig, "agent-a", "session-1", "12345"))
	assert.False(t, Verify(key, sig, "agent-b", "session-1", "12345"))
	// Field boundaries cannot be shifted.
	assert.False(t, Verify(key, sig, "agent-asession-1", "", "12345"))
	assert.False(t, Verify(key, "not-hex", "agent-a", "session-1", "12345"))
}

func TestEqualHexMalformedInput(t *testing.T) {
	assert.False(t, EqualHex("zz", "zz"))
	assert.False(t, EqualHex("ab", "abcd"))
	assert.True(t, EqualHex("abcd", "abcd"))
}

func TestNonceReplayWithinWindow(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := NewNonceStore(time.Minute, 10, clock)

	assert.True(t, s.Observe("agent-a", "n1"))
	assert.False(t, s.Observe("agent-a", "n1"), "second use within window is a replay")
	assert.True(t, s.Observe("agent-b", "n1"), "nonces are scoped per agent")

	// Past the window the nonce may be reused.
	now = now.Add(2 * time.Minute)
	assert.True(t, s.Observe("agent-a", "n1"))
}

func TestNonceStoreBounded(t *testing.T) {
	now := time.Now()
	s := NewNonceStore(time.Hour, 3, func() time.Time { return now })

	for _, n := range []string{"n1", "n2", "n3", "n4"} {
		now = now.Add(time.Second)
		assert.True(t, s.Observe("agent-a", n))
	}
	// n1 was evicted to make room, so it no longer counts as a replay.
	assert.True(t, s.Observe("agent-a", "n1"))
	// n4 is still held.
	assert.False(t, s.Observe("agent-a", "n4"))
}

func TestNonceSeedAndGC(t *testing.T) {
	now := time.Now()
	s := NewNonceStore(time.Minute, 10, func() time.Time { return now })

	s.Seed("agent-a", "old", now.Add(-2*time.Minute)) // outside retention, dropped
	s.Seed("agent-a", "recent", now.Add(-10*time.Second))
	assert.True(t, s.Observe("agent-a", "old"))
	assert.False(t, s.Observe("agent-a", "recent"))

	now = now.Add(5 * time.Minute)
	removed := s.GC()
	assert.Equal(t, 2, removed)
}

func TestRateLimiterAuditOncePerDrain(t *testing.T) {
	now := time.Now()
	r := NewRateLimiter(10, 20, 2, func() time.Time { return now })

	allowed, audit := r.Allow("agent-a", OpCreate)
	assert.True(t, allowed)
	assert.False(t, audit)
	allowed, _ = r.Allow("agent-a", OpCreate)
	assert.True(t, allowed)

	// Bucket drained: first denial audits, the rest stay silent.
	allowed, audit = r.Allow("agent-a", OpCreate)
	assert.False(t, allowed)
	assert.True(t, audit)
	allowed, audit = r.Allow("agent-a", OpCreate)
	assert.False(t, allowed)
	assert.False(t, audit)

	// Refill; after the next success a fresh drain audits again.
	now = now.Add(time.Hour)
	allowed, _ = r.Allow("agent-a", OpCreate)
	assert.True(t, allowed)
}

func TestRateLimiterMetersAreIndependent(t *testing.T) {
	now := time.Now()
	r := NewRateLimiter(10, 20, 1, func() time.Time { return now })

	allowed, _ := r.Allow("agent-a", OpCreate)
	assert.True(t, allowed)
	allowed, _ = r.Allow("agent-a", OpCreate)
	assert.False(t, allowed, "create bucket drained")

	allowed, _ = r.Allow("agent-a", OpRespond)
	assert.True(t, allowed, "respond bucket unaffected")

	allowed, _ = r.Allow("agent-b", OpCreate)
	assert.True(t, allowed, "buckets are per agent")
}

func TestNewEnvelopeRejectsShortSecret(t *testing.T) {
	_, err := NewEnvelope(Config{MasterSecret: []byte("short")})
	assert.Error(t, err)

	env, err := NewEnvelope(Config{
		MasterSecret:      master,
		NonceRetention:    time.Minute,
		NonceCapacity:     10,
		CreateRatePerMin:  10,
		RespondRatePerMin: 20,
		Burst:             3,
	})
	require.NoError(t, err)
	key, err := env.SessionKey("s1")
	require.NoError(t, err)
	assert.Len(t, key, KeySize)
}
