package commit

import "fmt"

// ConflictError reports a commit that lost against concurrent commits
// and cannot apply as proposed. The proposal's file set is stale; the
// caller must re-plan against current table state, not resubmit the
// same files.
type ConflictError struct {
	// Reason describes what invalidated the proposal.
	Reason string
	// Attempts is how many times the commit was tried.
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("commit conflict after %d attempts: %s", e.Attempts, e.Reason)
}

// FatalError reports corruption, an invariant violation, or a
// malformed proposal. Retrying cannot help.
type FatalError struct {
	// Op names the step that failed.
	Op string
	// Cause is the underlying error.
	Cause error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("commit: %s: %v", e.Op, e.Cause)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *FatalError) Unwrap() error { return e.Cause }
