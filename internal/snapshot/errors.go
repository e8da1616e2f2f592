package snapshot

import "errors"

var (
	// ErrPointerMoved is returned by Commit when the target snapshot id
	// was taken by a concurrent committer. The caller re-reads the latest
	// snapshot and rebases; the snapshot store itself never retries.
	ErrPointerMoved = errors.New("snapshot: pointer moved")

	// ErrCorrupt marks a descriptor or chain that violates the snapshot
	// invariants.
	ErrCorrupt = errors.New("snapshot: corrupt chain")
)
