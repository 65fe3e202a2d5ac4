package api

import (
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/relay/pkg/engine"
)

// statusFor maps each engine error kind to an HTTP status code. Several kinds
// share a status; the envelope's error field carries the exact kind.
func statusFor(kind engine.ErrorKind) int {
	switch kind {
	case engine.KindUnauthenticated:
		return http.StatusUnauthorized
	case engine.KindUnauthorized, engine.KindNotAddressed, engine.KindBindingMismatch:
		return http.StatusForbidden
	case engine.KindRateLimited:
		return http.StatusTooManyRequests
	case engine.KindNonceReplay, engine.KindAlreadyTerminal:
		return http.StatusConflict
	case engine.KindNotFound, engine.KindUnknownTarget:
		return http.StatusNotFound
	case engine.KindSchemaInvalid:
		return http.StatusUnprocessableEntity
	case engine.KindInvalidArgument:
		return http.StatusBadRequest
	case engine.KindStorageUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the uniform error envelope for any engine or registry
// error.
func respondError(c *echo.Context, err error) error {
	kind := engine.KindOf(err)
	detail := err.Error()
	var e *engine.Error
	if errors.As(err, &e) {
		detail = e.Detail
	}
	if kind == engine.KindIntegrityFailure {
		slog.Error("Integrity failure surfaced at boundary", "error", err)
		detail = "internal integrity failure"
	}
	return c.JSON(statusFor(kind), &ErrorResponse{Error: string(kind), Detail: detail})
}

// badRequest writes an InvalidArgument envelope for malformed requests that
// never reached the engine.
func badRequest(c *echo.Context, detail string) error {
	return c.JSON(http.StatusBadRequest, &ErrorResponse{
		Error:  string(engine.KindInvalidArgument),
		Detail: detail,
	})
}
