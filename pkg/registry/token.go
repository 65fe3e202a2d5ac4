package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/codeready-toolchain/relay/pkg/security"
)

// Session tokens have the form
//
//	{agent_id}:{session_id}:{created_at_unixnano}:{signature}
//
// where the signature is a hex HMAC-SHA256 over the first three fields with
// the session key. Agent ids may themselves contain colons; the fixed fields
// are parsed from the right.

// MintToken builds the opaque token returned by session creation.
func MintToken(key []byte, agentID, sessionID string, createdAt time.Time) string {
	created := strconv.FormatInt(createdAt.UnixNano(), 10)
	sig := security.Sign(key, agentID, sessionID, created)
	return strings.Join([]string{agentID, sessionID, created, sig}, ":")
}

// tokenClaims are the parsed, not yet verified, fields of a token.
type tokenClaims struct {
	agentID   string
	sessionID string
	createdAt string
	signature string
}

// parseToken splits a token into its claims without verifying anything.
func parseToken(token string) (tokenClaims, error) {
	parts := strings.Split(token, ":")
	if len(parts) < 4 {
		return tokenClaims{}, fmt.Errorf("token has %d fields, want at least 4", len(parts))
	}
	c := tokenClaims{
		agentID:   strings.Join(parts[:len(parts)-3], ":"),
		sessionID: parts[len(parts)-3],
		createdAt: parts[len(parts)-2],
		signature: parts[len(parts)-1],
	}
	if c.agentID == "" || c.sessionID == "" {
		return tokenClaims{}, fmt.Errorf("token has empty agent or session id")
	}
	if _, err := strconv.ParseInt(c.createdAt, 10, 64); err != nil {
		return tokenClaims{}, fmt.Errorf("token created_at is not a timestamp")
	}
	return c, nil
}

// verify checks the token signature against the session key.
func (c tokenClaims) verify(key []byte) bool {
	return security.Verify(key, c.signature, c.agentID, c.sessionID, c.createdAt)
}
