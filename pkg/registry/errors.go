package registry

import "errors"

var (
	// ErrUnauthenticated is returned when a token is malformed, unknown,
	// forged, or belongs to a revoked or idle-expired session.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrInvalidArgument is returned for structurally invalid inputs.
	ErrInvalidArgument = errors.New("invalid argument")
)
