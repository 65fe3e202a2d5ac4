// Package security implements the envelope around every state-changing
// operation: per-session key derivation, response-binding keys, nonce
// anti-replay, and per-agent rate metering. Every denial it produces is
// classified so the engine can append a SecurityViolation audit event.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const sessionKeyInfo = "relay/session-key/v1"

// KeySize is the size of all derived keys and keyed-hash outputs.
const KeySize = 32

// DeriveSessionKey derives a session's HMAC key from the process-wide master
// secret and the session id.
func DeriveSessionKey(master []byte, sessionID string) ([]byte, error) {
	if len(master) == 0 {
		return nil, fmt.Errorf("empty master secret")
	}
	r := hkdf.New(sha256.New, master, []byte(sessionID), []byte(sessionKeyInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}
	return key, nil
}

// ResponseBindingKey computes the expected_response_key stored with an
// elicitation at creation: a keyed hash over the elicitation id and the
// creator's nonce, keyed with the addressed responder's session key. Only a
// holder of that session key can reproduce it.
func ResponseBindingKey(responderKey []byte, elicitationID, creatorNonce string) string {
	mac := hmac.New(sha256.New, responderKey)
	mac.Write([]byte(elicitationID))
	mac.Write([]byte(creatorNonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Sign computes a hex-encoded HMAC-SHA256 over the concatenation of fields,
// separated by a NUL byte so field boundaries cannot be shifted.
func Sign(key []byte, fields ...string) string {
	mac := hmac.New(sha256.New, key)
	for i, f := range fields {
		if i > 0 {
			mac.Write([]byte{0})
		}
		mac.Write([]byte(f))
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a hex signature over fields in constant time.
func Verify(key []byte, signature string, fields ...string) bool {
	return EqualHex(Sign(key, fields...), signature)
}

// EqualHex compares two hex-encoded digests in constant time. Malformed input
// compares unequal.
func EqualHex(a, b string) bool {
	ab, err := hex.DecodeString(a)
	if err != nil {
		return false
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return false
	}
	if len(ab) != len(bb) {
		return false
	}
	return subtle.ConstantTimeCompare(ab, bb) == 1
}
