package manifest

import "errors"

var (
	// ErrCorrupt marks metadata that violates the manifest invariants: a
	// duplicate ADD, a DELETE for a file that is not live, or a blob whose
	// contents disagree with its recorded counts.
	ErrCorrupt = errors.New("manifest: corrupt metadata")

	// ErrIncompatibleVersion is returned when a manifest blob was written
	// by an unsupported format version.
	ErrIncompatibleVersion = errors.New("manifest: incompatible version")
)
