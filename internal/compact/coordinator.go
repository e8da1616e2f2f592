package compact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/lakego/internal/commit"
	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/internal/manifest"
	"github.com/hupe1980/lakego/internal/snapshot"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// ErrClosed is returned for work submitted after Close.
var ErrClosed = errors.New("compact: coordinator closed")

// DefaultMaxRePlans bounds how often one task re-picks after losing the
// commit race before surfacing the conflict.
const DefaultMaxRePlans = 3

// Request asks for compaction of one bucket.
type Request struct {
	Partition model.Partition
	Bucket    uint32

	// Files optionally names the inputs. They are resolved against the
	// live set at execution time; files no longer live are skipped.
	Files []string

	// Full rewrites the whole bucket into the deepest level. Overrides
	// Files.
	Full bool
}

// merged coalesces a trigger into a pending one: Full wins, file lists
// union.
func (r Request) merged(o Request) Request {
	r.Full = r.Full || o.Full
	for _, f := range o.Files {
		if !slices.Contains(r.Files, f) {
			r.Files = append(r.Files, f)
		}
	}
	return r
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithPicker replaces the default leveled picker.
func WithPicker(p Picker) Option {
	return func(c *Coordinator) {
		if p != nil {
			c.picker = p
		}
	}
}

// WithMaxWorkers bounds background parallelism. Defaults to GOMAXPROCS.
func WithMaxWorkers(n int) Option {
	return func(c *Coordinator) {
		c.workers = n
	}
}

// WithMaxRePlans sets how often a task re-picks after a commit
// conflict.
func WithMaxRePlans(n int) Option {
	return func(c *Coordinator) {
		if n >= 0 {
			c.rePlans = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// followUp accumulates triggers that arrive while a bucket's task is in
// flight. They coalesce into one run scheduled when the task finishes.
type followUp struct {
	queued bool
	req    Request
	subs   []chan error
}

// Coordinator runs compaction in the background. Each bucket has at
// most one task in flight; distinct buckets run in parallel on a
// bounded pool. Commits go through the same coordinator every writer
// uses, so a compaction lost to a concurrent commit simply re-picks
// against the new state.
type Coordinator struct {
	snapshots *snapshot.Store
	manifests *manifest.Store
	committer *commit.Committer
	rewriter  *Rewriter
	picker    Picker
	logger    *slog.Logger
	workers   int
	rePlans   int

	pool   *pool
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	busy   map[lsm.BucketID]*followUp
	closed bool
}

// NewCoordinator returns a coordinator committing through committer.
// Callers own Close.
func NewCoordinator(snapshots *snapshot.Store, manifests *manifest.Store, committer *commit.Committer, rewriter *Rewriter, opts ...Option) (*Coordinator, error) {
	if snapshots == nil || manifests == nil || committer == nil || rewriter == nil {
		return nil, fmt.Errorf("compact: coordinator needs snapshot, manifest, commit and rewrite layers")
	}

	c := &Coordinator{
		snapshots: snapshots,
		manifests: manifests,
		committer: committer,
		rewriter:  rewriter,
		picker:    NewLeveled(DefaultLeveledOptions()),
		rePlans:   DefaultMaxRePlans,
		busy:      make(map[lsm.BucketID]*followUp),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.pool = newPool(c.workers)
	return c, nil
}

// Trigger schedules compaction of the request's bucket and returns
// without waiting. A trigger for a busy bucket coalesces into the
// bucket's follow-up run. ctx bounds only the enqueue; the work itself
// runs under the coordinator's lifetime.
func (c *Coordinator) Trigger(ctx context.Context, req Request) error {
	return c.schedule(ctx, req, nil)
}

// Run schedules the request and waits for the run serving it. The
// returned error is the run's outcome; ctx cancellation stops the wait
// but not the background work.
func (c *Coordinator) Run(ctx context.Context, req Request) error {
	done := make(chan error, 1)
	if err := c.schedule(ctx, req, done); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops background work: in-flight tasks are canceled, their
// outputs discarded, and queued triggers fail with ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.pool.close()
}

func (c *Coordinator) schedule(ctx context.Context, req Request, sub chan error) error {
	id := lsm.BucketID{Partition: req.Partition.Key(), Bucket: req.Bucket}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if fu, busy := c.busy[id]; busy {
		if !fu.queued {
			fu.queued = true
			fu.req = Request{Partition: req.Partition, Bucket: req.Bucket}
		}
		fu.req = fu.req.merged(req)
		if sub != nil {
			fu.subs = append(fu.subs, sub)
		}
		c.mu.Unlock()
		return nil
	}
	c.busy[id] = &followUp{}
	c.mu.Unlock()

	var subs []chan error
	if sub != nil {
		subs = []chan error{sub}
	}
	if err := c.pool.submit(ctx, func() { c.run(id, req, subs) }); err != nil {
		c.failPending(id, err)
		return err
	}
	return nil
}

// failPending releases a bucket whose run could not be scheduled,
// failing any triggers that coalesced behind it in the meantime.
func (c *Coordinator) failPending(id lsm.BucketID, err error) {
	c.mu.Lock()
	fu := c.busy[id]
	delete(c.busy, id)
	c.mu.Unlock()

	if fu != nil && fu.queued {
		for _, sub := range fu.subs {
			sub <- err
		}
	}
}

// run executes one bucket task and hands the bucket over to its
// coalesced follow-up, if any.
func (c *Coordinator) run(id lsm.BucketID, req Request, subs []chan error) {
	err := c.compactBucket(c.ctx, req)
	for _, sub := range subs {
		sub <- err
	}

	var next *followUp
	c.mu.Lock()
	if fu := c.busy[id]; fu != nil && fu.queued {
		next = fu
		c.busy[id] = &followUp{}
	} else {
		delete(c.busy, id)
	}
	c.mu.Unlock()

	if next == nil {
		return
	}
	if serr := c.pool.submit(c.ctx, func() { c.run(id, next.req, next.subs) }); serr != nil {
		for _, sub := range next.subs {
			sub <- serr
		}
		c.failPending(id, serr)
	}
}

// compactBucket is one task: load the bucket's levels from the latest
// snapshot, pick, rewrite, commit. A commit conflict discards the
// outputs and re-picks against the new state, bounded by rePlans.
func (c *Coordinator) compactBucket(ctx context.Context, req Request) error {
	for attempt := 0; ; attempt++ {
		levels, err := c.loadLevels(ctx, req.Partition, req.Bucket)
		if err != nil {
			return err
		}

		plan := c.plan(levels, req)
		if plan == nil {
			if c.logger != nil {
				c.logger.Debug("nothing to compact",
					"partition", req.Partition.String(), "bucket", req.Bucket)
			}
			return nil
		}

		outputs, err := c.rewriter.Rewrite(ctx, plan)
		if err != nil {
			return err
		}

		res, err := c.committer.Commit(ctx, commit.Proposal{
			Adds:     outputs,
			Deletes:  plan.Inputs,
			CommitID: "compact-" + uuid.NewString(),
			Kind:     meta.CommitCompact,
		})
		if err == nil {
			if c.logger != nil {
				c.logger.Info("compacted bucket",
					"partition", req.Partition.String(), "bucket", req.Bucket,
					"in", len(plan.Inputs), "out", len(outputs),
					"level", plan.TargetLevel, "snapshot", res.SnapshotID)
			}
			return nil
		}

		c.rewriter.Discard(ctx, outputs)

		var conflict *commit.ConflictError
		if !errors.As(err, &conflict) || attempt >= c.rePlans {
			return err
		}
		if c.logger != nil {
			c.logger.Warn("compaction lost commit race, re-picking",
				"partition", req.Partition.String(), "bucket", req.Bucket,
				"attempt", attempt+1)
		}
		// The named files are stale by definition; let the picker decide.
		req.Files = nil
	}
}

func (c *Coordinator) plan(levels lsm.Levels, req Request) *Plan {
	switch {
	case req.Full:
		return c.picker.PickFull(levels)
	case len(req.Files) > 0:
		return PlanFiles(levels, req.Files)
	default:
		return c.picker.Pick(levels)
	}
}

// loadLevels reconstructs the bucket's live files from the latest
// snapshot. An empty table is an empty bucket.
func (c *Coordinator) loadLevels(ctx context.Context, part model.Partition, bucket uint32) (lsm.Levels, error) {
	snap, err := c.snapshots.Latest(ctx)
	if err != nil {
		return lsm.Levels{}, err
	}
	if snap == nil {
		return lsm.Levels{}, nil
	}

	fms, err := c.manifests.ReadList(ctx, snap.ManifestList)
	if err != nil {
		return lsm.Levels{}, err
	}
	fs, err := c.manifests.FileSet(ctx, fms)
	if err != nil {
		return lsm.Levels{}, err
	}
	return lsm.NewLevels(fs.Bucket(part, bucket))
}
