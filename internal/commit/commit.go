// Package commit implements the optimistic protocol that turns
// proposed file changes into new snapshots.
//
// A commit is prepared without holding any lock: the proposal's
// entries become a manifest, the base snapshot's manifest list is
// extended or merged, and the resulting descriptor is published with a
// single create-if-absent write. Losing that write means another
// commit claimed the id; the committer re-reads the new base,
// re-validates the proposal against it, rebuilds the list, and tries
// again with jittered backoff until the retry budget runs out.
//
// Failures split into two kinds callers treat differently.
// ConflictError means concurrent commits invalidated the proposal and
// re-planning against current state may succeed. FatalError means
// corruption or misuse that retrying cannot fix.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/hupe1980/lakego/internal/manifest"
	"github.com/hupe1980/lakego/internal/snapshot"
	"github.com/hupe1980/lakego/meta"
)

const (
	// DefaultMaxRetries bounds how often a commit re-bases after losing
	// the pointer race.
	DefaultMaxRetries = 10
	// DefaultRetryBackoff is the base delay before the first retry.
	DefaultRetryBackoff = 50 * time.Millisecond
	// DefaultRetryBackoffMax caps the exponential backoff growth.
	DefaultRetryBackoffMax = 2 * time.Second
)

// Proposal is one atomic set of file changes. Deletes and adds may
// name the same path: that replaces the file's descriptor, which is
// how a deletion vector attaches to an existing file.
type Proposal struct {
	// Adds are the files joining the live set.
	Adds []meta.DataFileMeta
	// Deletes are the files leaving the live set. Every target must be
	// live in the base snapshot.
	Deletes []meta.DataFileMeta
	// CommitID identifies the logical change for crash-retry
	// idempotency. Resubmitting an applied CommitID is a no-op.
	CommitID string
	// Kind classifies the commit.
	Kind meta.CommitKind
}

func (p *Proposal) validate() error {
	if p.CommitID == "" {
		return fmt.Errorf("commit id required")
	}
	if len(p.Adds) == 0 && len(p.Deletes) == 0 {
		return fmt.Errorf("proposal changes nothing")
	}

	adds := make(map[string]bool, len(p.Adds))
	for i := range p.Adds {
		path := p.Adds[i].Path
		if path == "" {
			return fmt.Errorf("add with empty path")
		}
		if adds[path] {
			return fmt.Errorf("duplicate add %s", path)
		}
		adds[path] = true
	}
	deletes := make(map[string]bool, len(p.Deletes))
	for i := range p.Deletes {
		path := p.Deletes[i].Path
		if path == "" {
			return fmt.Errorf("delete with empty path")
		}
		if deletes[path] {
			return fmt.Errorf("duplicate delete %s", path)
		}
		deletes[path] = true
	}
	return nil
}

// entries returns the manifest entries, deletes first so that
// replacing a descriptor under the same path replays cleanly.
func (p *Proposal) entries() []meta.ManifestEntry {
	out := make([]meta.ManifestEntry, 0, len(p.Adds)+len(p.Deletes))
	for i := range p.Deletes {
		out = append(out, meta.ManifestEntry{Kind: meta.EntryDelete, File: p.Deletes[i]})
	}
	for i := range p.Adds {
		out = append(out, meta.ManifestEntry{Kind: meta.EntryAdd, File: p.Adds[i]})
	}
	return out
}

// Result reports a successful commit.
type Result struct {
	SnapshotID uint64
}

// Option configures a Committer.
type Option func(*Committer)

// WithMaxRetries sets how many rebases a commit attempts after losing
// the pointer race before giving up with a ConflictError.
func WithMaxRetries(n int) Option {
	return func(c *Committer) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithRetryBackoff sets the base and ceiling of the jittered
// exponential delay between attempts.
func WithRetryBackoff(base, ceil time.Duration) Option {
	return func(c *Committer) {
		if base > 0 {
			c.backoff = base
		}
		if ceil >= base {
			c.backoffMax = ceil
		}
	}
}

// WithMergeOptions sets the manifest merge policy applied while
// building the new manifest list.
func WithMergeOptions(opts manifest.MergeOptions) Option {
	return func(c *Committer) {
		c.mergeOpts = opts
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Committer) {
		c.logger = logger
	}
}

// Committer applies proposals as new snapshots. It is stateless across
// commits and safe for concurrent use; every Commit call runs the full
// protocol on its own.
type Committer struct {
	snapshots  *snapshot.Store
	manifests  *manifest.Store
	logger     *slog.Logger
	maxRetries int
	backoff    time.Duration
	backoffMax time.Duration
	mergeOpts  manifest.MergeOptions
}

// NewCommitter returns a committer over the given metadata stores.
func NewCommitter(snapshots *snapshot.Store, manifests *manifest.Store, opts ...Option) *Committer {
	c := &Committer{
		snapshots:  snapshots,
		manifests:  manifests,
		maxRetries: DefaultMaxRetries,
		backoff:    DefaultRetryBackoff,
		backoffMax: DefaultRetryBackoffMax,
		mergeOpts:  manifest.DefaultMergeOptions(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// attempt carries the state that survives rebases of one commit: the
// entries manifest is base-independent and written at most once, and
// chain segments scanned for idempotency are not scanned again.
type attempt struct {
	p             Proposal
	fm            meta.ManifestFileMeta
	wroteManifest bool
	scannedTo     uint64
}

// Commit applies the proposal as the next snapshot. On success the
// result carries the new snapshot id. Failure is a *ConflictError, a
// *FatalError, or the context's error.
func (c *Committer) Commit(ctx context.Context, p Proposal) (Result, error) {
	if err := p.validate(); err != nil {
		return Result{}, &FatalError{Op: "validate proposal", Cause: err}
	}

	at := &attempt{p: p}
	for n := 1; ; n++ {
		res, err := c.try(ctx, at, n)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, snapshot.ErrPointerMoved) {
			return Result{}, err
		}
		if n > c.maxRetries {
			return Result{}, &ConflictError{
				Reason:   fmt.Sprintf("snapshot race lost %d times", n),
				Attempts: n,
			}
		}

		if c.logger != nil {
			c.logger.Warn("commit lost snapshot race, rebasing",
				slog.String("commit_id", p.CommitID),
				slog.Int("attempt", n),
			)
		}
		if err := c.sleep(ctx, n); err != nil {
			return Result{}, err
		}
	}
}

// try runs one pass of the protocol: read the base, check idempotency,
// validate, build the new manifest list, publish the descriptor.
func (c *Committer) try(ctx context.Context, at *attempt, n int) (Result, error) {
	base, err := c.snapshots.Latest(ctx)
	if err != nil {
		return Result{}, &FatalError{Op: "read latest snapshot", Cause: err}
	}

	// A writer that crashed after publishing and resubmits the same
	// logical change must not apply it twice.
	if base != nil {
		id, found, err := c.findApplied(ctx, at.p.CommitID, base.ID, at.scannedTo)
		if err != nil {
			return Result{}, err
		}
		at.scannedTo = base.ID
		if found {
			if c.logger != nil {
				c.logger.Info("commit already applied",
					slog.String("commit_id", at.p.CommitID),
					slog.Uint64("snapshot", id),
				)
			}
			return Result{SnapshotID: id}, nil
		}
	}

	var baseID uint64
	var baseManifests []meta.ManifestFileMeta
	if base != nil {
		baseID = base.ID
		baseManifests, err = c.manifests.ReadList(ctx, base.ManifestList)
		if err != nil {
			return Result{}, &FatalError{Op: "read base manifest list", Cause: err}
		}
	}

	if err := c.validateAgainstBase(ctx, &at.p, baseManifests, n); err != nil {
		return Result{}, err
	}

	if !at.wroteManifest {
		at.fm, err = c.manifests.Write(ctx, at.p.entries())
		if err != nil {
			return Result{}, &FatalError{Op: "write manifest", Cause: err}
		}
		at.wroteManifest = true
	}

	merged, rewritten, err := c.manifests.Merge(ctx, baseManifests, []meta.ManifestFileMeta{at.fm}, c.mergeOpts)
	if err != nil {
		return Result{}, &FatalError{Op: "merge manifests", Cause: err}
	}
	listPath, err := c.manifests.WriteList(ctx, merged)
	if err != nil {
		return Result{}, &FatalError{Op: "write manifest list", Cause: err}
	}

	snap := &meta.Snapshot{
		ID:           baseID + 1,
		PrevID:       baseID,
		ManifestList: listPath,
		CommitID:     at.p.CommitID,
		CommitKind:   at.p.Kind,
		TimestampMs:  time.Now().UnixMilli(),
		BaseRewrite:  rewritten,
	}
	if err := c.snapshots.Commit(ctx, snap); err != nil {
		if errors.Is(err, snapshot.ErrPointerMoved) {
			return Result{}, err
		}
		return Result{}, &FatalError{Op: "publish snapshot", Cause: err}
	}

	if c.logger != nil {
		c.logger.Info("committed snapshot",
			slog.Uint64("snapshot", snap.ID),
			slog.String("commit_id", at.p.CommitID),
			slog.String("kind", at.p.Kind.String()),
			slog.Int("adds", len(at.p.Adds)),
			slog.Int("deletes", len(at.p.Deletes)),
			slog.Int("attempt", n),
		)
	}
	return Result{SnapshotID: snap.ID}, nil
}

// findApplied walks the chain newest-first looking for a snapshot with
// the commit id. Snapshots at or below floor were scanned by an
// earlier attempt.
func (c *Committer) findApplied(ctx context.Context, commitID string, from, floor uint64) (uint64, bool, error) {
	for snap, err := range c.snapshots.Chain(ctx, from) {
		if err != nil {
			return 0, false, &FatalError{Op: "walk snapshot chain", Cause: err}
		}
		if snap.ID <= floor {
			break
		}
		if snap.CommitID == commitID {
			return snap.ID, true, nil
		}
	}
	return 0, false, nil
}

// validateAgainstBase checks the proposal against the base snapshot's
// live file set. A delete whose target is no longer live lost against
// a concurrent commit: a conflict. An add of an already-live path that
// the proposal does not also delete would corrupt replay: fatal.
// Pure appends skip the replay; fresh files cannot collide.
func (c *Committer) validateAgainstBase(ctx context.Context, p *Proposal, baseManifests []meta.ManifestFileMeta, n int) error {
	if len(p.Deletes) == 0 {
		return nil
	}

	fs, err := c.manifests.FileSet(ctx, baseManifests)
	if err != nil {
		return &FatalError{Op: "replay base file set", Cause: err}
	}
	for i := range p.Deletes {
		if !fs.Contains(p.Deletes[i].Path) {
			return &ConflictError{
				Reason:   fmt.Sprintf("delete target %s is not live", p.Deletes[i].Path),
				Attempts: n,
			}
		}
	}

	removed := make(map[string]bool, len(p.Deletes))
	for i := range p.Deletes {
		removed[p.Deletes[i].Path] = true
	}
	for i := range p.Adds {
		if path := p.Adds[i].Path; !removed[path] && fs.Contains(path) {
			return &FatalError{Op: "validate proposal", Cause: fmt.Errorf("add of live file %s", path)}
		}
	}
	return nil
}

// sleep waits the jittered backoff for attempt n, honoring ctx.
func (c *Committer) sleep(ctx context.Context, n int) error {
	if c.backoff <= 0 {
		return nil
	}
	d := c.backoff << (n - 1)
	if d <= 0 || d > c.backoffMax {
		d = c.backoffMax
	}
	d = rand.N(d + 1)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
