package projection

import "errors"

// ErrDivergence is returned when replayed state disagrees with a verified
// snapshot or with the log's hash chain. Fatal: the process must refuse to
// serve rather than run on unverifiable state.
var ErrDivergence = errors.New("projection divergence")
