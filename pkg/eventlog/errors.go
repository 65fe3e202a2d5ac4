package eventlog

import "errors"

var (
	// ErrStorageUnavailable is returned when an append cannot be made durable
	// (write or sync failure, out of space). Reads remain possible.
	ErrStorageUnavailable = errors.New("event log storage unavailable")

	// ErrIntegrity is returned when the hash chain breaks anywhere before the
	// tail of the newest segment. The process must refuse to serve; there is
	// no silent repair.
	ErrIntegrity = errors.New("event log integrity failure")

	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("event log closed")
)
