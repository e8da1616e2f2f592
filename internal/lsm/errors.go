package lsm

import "errors"

// ErrCorrupt is returned when the live file set violates its structural
// invariants: overlapping key ranges above level 0, or a deletion
// vector that does not match its reference.
var ErrCorrupt = errors.New("lsm: corrupt file set")
