package engine

import (
	"errors"
	"fmt"

	"github.com/codeready-toolchain/relay/pkg/eventlog"
	"github.com/codeready-toolchain/relay/pkg/projection"
	"github.com/codeready-toolchain/relay/pkg/registry"
)

// ErrorKind is the boundary error enumeration. The HTTP layer maps each kind
// to a status code; internal code paths surface kinds, never HTTP.
type ErrorKind string

const (
	KindUnauthenticated    ErrorKind = "Unauthenticated"
	KindUnauthorized       ErrorKind = "Unauthorized"
	KindRateLimited        ErrorKind = "RateLimited"
	KindNonceReplay        ErrorKind = "NonceReplay"
	KindUnknownTarget      ErrorKind = "UnknownTarget"
	KindNotFound           ErrorKind = "NotFound"
	KindAlreadyTerminal    ErrorKind = "AlreadyTerminal"
	KindNotAddressed       ErrorKind = "NotAddressed"
	KindBindingMismatch    ErrorKind = "BindingMismatch"
	KindSchemaInvalid      ErrorKind = "SchemaInvalid"
	KindInvalidArgument    ErrorKind = "InvalidArgument"
	KindStorageUnavailable ErrorKind = "StorageUnavailable"
	KindIntegrityFailure   ErrorKind = "IntegrityFailure"
)

// Error carries an error kind plus a sanitised detail safe to return to the
// caller.
type Error struct {
	Kind   ErrorKind
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// errf builds an Error with a formatted detail.
func errf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// KindOf extracts the error kind from any error produced by the engine or its
// collaborators. Unknown errors classify as IntegrityFailure only when they
// indicate corrupted invariants; everything else is InvalidArgument.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, registry.ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, registry.ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, eventlog.ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, eventlog.ErrIntegrity), errors.Is(err, projection.ErrDivergence):
		return KindIntegrityFailure
	}
	return KindInvalidArgument
}
