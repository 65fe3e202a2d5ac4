// Package eventlog implements the append-only, hash-chained event log that is
// the source of truth for all runtime state. Events are assigned strictly
// increasing sequence numbers under a single serialising gate and are durable
// before acknowledgement, according to the configured durability policy.
package eventlog

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind identifies the type of a state-changing fact.
type Kind string

const (
	KindSessionCreated       Kind = "session.created"
	KindSessionRevoked       Kind = "session.revoked"
	KindExpertRegistered     Kind = "expert.registered"
	KindExpertDeregistered   Kind = "expert.deregistered"
	KindElicitationRequested Kind = "elicitation.requested"
	KindElicitationDelivered Kind = "elicitation.delivered"
	KindElicitationAccepted  Kind = "elicitation.accepted"
	KindElicitationDeclined  Kind = "elicitation.declined"
	KindElicitationCancelled Kind = "elicitation.cancelled"
	KindElicitationExpired   Kind = "elicitation.expired"
	KindSecurityViolation    Kind = "security.violation"
)

// Record is an event as submitted to Append, before the log assigns its
// sequence, timestamp, and chain hash.
type Record struct {
	Kind      Kind
	Aggregate string
	Actor     string
	Payload   json.RawMessage
}

// Event is an immutable, sequenced record. ChainHash is
// SHA-256(prev_hash ‖ sequence ‖ kind ‖ payload), hex encoded; the payload
// bytes are the canonical encoding produced at append time and are hashed
// exactly as stored.
type Event struct {
	Sequence  uint64          `json:"sequence"`
	Timestamp time.Time       `json:"timestamp"`
	Kind      Kind            `json:"kind"`
	Aggregate string          `json:"aggregate"`
	Actor     string          `json:"actor"`
	Payload   json.RawMessage `json:"payload"`
	ChainHash string          `json:"chain_hash"`
}

// chainHash computes the integrity hash linking an event to its predecessor.
func chainHash(prev []byte, sequence uint64, kind Kind, payload []byte) []byte {
	h := sha256.New()
	h.Write(prev)
	var seq [8]byte
	binary.BigEndian.PutUint64(seq[:], sequence)
	h.Write(seq[:])
	h.Write([]byte(kind))
	h.Write(payload)
	return h.Sum(nil)
}

// verifyChain recomputes an event's hash against the previous one and reports
// whether the stored hash matches.
func verifyChain(prev []byte, e *Event) bool {
	want := chainHash(prev, e.Sequence, e.Kind, e.Payload)
	got, err := hex.DecodeString(e.ChainHash)
	if err != nil {
		return false
	}
	return string(want) == string(got)
}

// MarshalPayload encodes a payload struct into its canonical form. Struct
// fields marshal in declaration order and map keys sort lexicographically, so
// the encoding is deterministic for a given value.
func MarshalPayload(v any) (json.RawMessage, error) {
	return json.Marshal(v)
}
