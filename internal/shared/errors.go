package shared

import "errors"

// ErrIdempotencyConflict indicates the submission was already processed.
var ErrIdempotencyConflict = errors.New("idempotent request already processed")
