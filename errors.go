package lakego

import (
	"errors"
	"fmt"

	"github.com/hupe1980/lakego/internal/commit"
	"github.com/hupe1980/lakego/internal/compact"
	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/internal/manifest"
	"github.com/hupe1980/lakego/internal/snapshot"
)

var (
	// ErrTableExists is returned by Create when the path already holds a
	// table descriptor.
	ErrTableExists = errors.New("table already exists")

	// ErrTableNotFound is returned by Open when the path holds no table
	// descriptor.
	ErrTableNotFound = errors.New("table not found")

	// ErrSnapshotNotFound is returned when the requested snapshot id does
	// not exist, typically because it was expired.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrConflict is returned when a commit lost against concurrent
	// commits and ran out of retries. The typed *ConflictError in the
	// chain carries the reason and attempt count.
	ErrConflict = errors.New("commit conflict")

	// ErrCorruption is returned when stored table state fails
	// validation: checksum mismatches, unreadable metadata, files named
	// by a manifest that violate the level invariants. The table never
	// repairs such state on its own.
	ErrCorruption = errors.New("corrupt table state")

	// ErrInvalidConfig is returned when table configuration is rejected
	// before any storage I/O happens.
	ErrInvalidConfig = errors.New("invalid table configuration")

	// ErrClosed is returned when an operation reaches a table after
	// Close.
	ErrClosed = errors.New("table closed")
)

// ConflictError reports a commit that could not apply because the table
// moved underneath it. The batch was not committed; the caller decides
// whether to rebuild it against current state.
//
// ConflictError unwraps to ErrConflict.
type ConflictError struct {
	Reason   string
	Attempts int
	cause    error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("commit conflict after %d attempts: %s", e.Attempts, e.Reason)
}

func (e *ConflictError) Unwrap() error { return e.cause }

// FatalError reports a failure that retrying cannot help: corruption,
// an invariant violation, or a malformed change set.
//
// The original underlying error can be accessed via errors.Unwrap.
type FatalError struct {
	// Op names the step that failed.
	Op    string
	cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.cause)
}

func (e *FatalError) Unwrap() error { return e.cause }

func isCorruption(err error) bool {
	return errors.Is(err, snapshot.ErrCorrupt) ||
		errors.Is(err, manifest.ErrCorrupt) ||
		errors.Is(err, manifest.ErrIncompatibleVersion) ||
		errors.Is(err, lsm.ErrCorrupt)
}

func translateError(err error) error {
	if err == nil {
		return nil
	}

	// Conflict unification.
	var ce *commit.ConflictError
	if errors.As(err, &ce) {
		return &ConflictError{
			Reason:   ce.Reason,
			Attempts: ce.Attempts,
			cause:    fmt.Errorf("%w: %w", ErrConflict, err),
		}
	}

	// Fatal and corruption normalization.
	var fe *commit.FatalError
	if errors.As(err, &fe) {
		cause := fe.Cause
		if isCorruption(cause) {
			cause = fmt.Errorf("%w: %w", ErrCorruption, cause)
		}
		return &FatalError{Op: fe.Op, cause: cause}
	}
	if isCorruption(err) {
		return fmt.Errorf("%w: %w", ErrCorruption, err)
	}

	if errors.Is(err, compact.ErrClosed) {
		return fmt.Errorf("%w: %w", ErrClosed, err)
	}

	return err
}
