// Package lakego provides an embedded lakehouse table engine for Go.
//
// This file implements the maintenance surface: compaction, snapshot
// expiration, orphan file cleanup and history listing.
package lakego

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/internal/compact"
	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/internal/manifest"
	"github.com/hupe1980/lakego/internal/snapshot"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// DefaultCleanupGracePeriod protects recently written files from the
// orphan sweep. A writer flushes data files before its commit exists;
// anything younger than the grace period may still be about to commit.
const DefaultCleanupGracePeriod = 24 * time.Hour

// CompactRequest selects which part of the table a compaction run
// rewrites. The zero value compacts every bucket of every partition.
type CompactRequest struct {
	// Partition limits the run to one partition. Nil selects all
	// partitions, including the empty partition of an unpartitioned
	// table.
	Partition model.Partition

	// Buckets limits the run to the named buckets within the selected
	// partitions. Empty selects every bucket.
	Buckets []uint32

	// Files names specific data files to rewrite. When set, Partition
	// and Buckets are ignored and the targets are derived from the
	// files themselves. Files no longer live at execution time are
	// skipped, so a stale list is harmless.
	Files []string

	// Full rewrites each selected bucket completely into a single run
	// at the deepest level, dropping delete markers and deletion
	// vectors along the way.
	Full bool
}

// Compact rewrites the selected buckets and commits the result. Each
// bucket compacts independently; the coordinator's worker pool bounds
// how many rewrites run at once. Compact returns after every selected
// bucket finished, with the first error if any run failed.
//
// A concurrent writer may win a conflicting commit mid-run; the
// coordinator re-plans against the new snapshot, so Compact succeeding
// means the rewrite landed on top of whatever else committed.
func (t *Table) Compact(ctx context.Context, req CompactRequest) error {
	start := time.Now()

	targets, err := t.compactTargets(ctx, req)
	if err == nil && len(targets) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		for _, target := range targets {
			g.Go(func() error {
				return t.compactor.Run(gctx, target)
			})
		}
		err = g.Wait()
	}
	duration := time.Since(start)

	err = translateError(err)
	t.metrics.RecordCompaction(duration, err)
	t.logger.LogCompact(ctx, len(targets), err)
	return err
}

// compactTargets resolves a request to one coordinator request per
// bucket, in deterministic partition/bucket order.
func (t *Table) compactTargets(ctx context.Context, req CompactRequest) ([]compact.Request, error) {
	_, fs, err := t.liveFiles(ctx)
	if err != nil {
		return nil, err
	}

	if len(req.Files) > 0 {
		type group struct {
			partition model.Partition
			bucket    uint32
			files     []string
		}
		groups := make(map[lsm.BucketID]*group)
		for _, name := range req.Files {
			fm, ok := fs.File(name)
			if !ok {
				// Already rewritten or never committed.
				continue
			}
			id := lsm.BucketID{Partition: fm.Partition.Key(), Bucket: fm.Bucket}
			g, ok := groups[id]
			if !ok {
				g = &group{partition: fm.Partition, bucket: fm.Bucket}
				groups[id] = g
			}
			g.files = append(g.files, name)
		}
		targets := make([]compact.Request, 0, len(groups))
		for _, g := range groups {
			targets = append(targets, compact.Request{
				Partition: g.partition,
				Bucket:    g.bucket,
				Files:     g.files,
				Full:      req.Full,
			})
		}
		slices.SortFunc(targets, func(a, b compact.Request) int {
			if c := strings.Compare(a.Partition.Key(), b.Partition.Key()); c != 0 {
				return c
			}
			return int(a.Bucket) - int(b.Bucket)
		})
		return targets, nil
	}

	var targets []compact.Request
	for _, pb := range fs.Buckets() {
		if req.Partition != nil && pb.Partition.Key() != req.Partition.Key() {
			continue
		}
		if len(req.Buckets) > 0 && !slices.Contains(req.Buckets, pb.Bucket) {
			continue
		}
		targets = append(targets, compact.Request{
			Partition: pb.Partition,
			Bucket:    pb.Bucket,
			Full:      req.Full,
		})
	}
	return targets, nil
}

// ExpirePolicy controls which snapshots an expiration run removes.
// The zero value means DefaultExpirePolicy.
type ExpirePolicy struct {
	// RetainMin snapshots always survive, regardless of age. Values
	// below 1 are treated as 1; the latest snapshot is never expired.
	RetainMin int

	// RetainMax, when positive, caps the chain length even if that
	// expires snapshots younger than MaxAge.
	RetainMax int

	// MaxAge, when positive, expires snapshots older than this as long
	// as RetainMin still holds.
	MaxAge time.Duration
}

// DefaultExpirePolicy keeps at least ten snapshots and everything
// younger than an hour.
func DefaultExpirePolicy() ExpirePolicy {
	p := snapshot.DefaultPolicy()
	return ExpirePolicy{RetainMin: p.RetainMin, RetainMax: p.RetainMax, MaxAge: p.MaxAge}
}

// ExpireResult reports what one expiration run removed.
type ExpireResult struct {
	// Expired lists the removed snapshot IDs in ascending order.
	Expired []uint64

	// DataFiles, Manifests and Lists count the deleted blobs that only
	// the expired snapshots referenced.
	DataFiles int
	Manifests int
	Lists     int
}

// ExpireSnapshots truncates the snapshot chain per policy and deletes
// the blobs only the expired range referenced. Pinned snapshots and
// everything after the lowest pin always survive, so open scanners keep
// resolving against stable files.
//
// ExpireSnapshots is restartable: a failure mid-deletion leaves the
// chain scannable and a later run finishes the job.
func (t *Table) ExpireSnapshots(ctx context.Context, policy ExpirePolicy) (ExpireResult, error) {
	start := time.Now()

	if policy == (ExpirePolicy{}) {
		policy = DefaultExpirePolicy()
	}
	res, err := t.snapshots.Expire(ctx, snapshot.Policy{
		RetainMin: policy.RetainMin,
		RetainMax: policy.RetainMax,
		MaxAge:    policy.MaxAge,
	})
	duration := time.Since(start)

	err = translateError(err)
	out := ExpireResult{
		Expired:   res.Expired,
		DataFiles: res.DataFiles,
		Manifests: res.Manifests,
		Lists:     res.Lists,
	}
	t.metrics.RecordExpire(len(out.Expired), duration, err)
	t.logger.LogExpire(ctx, len(out.Expired), out.DataFiles, err)
	return out, err
}

// CleanupPolicy controls the orphan file sweep.
type CleanupPolicy struct {
	// GracePeriod protects files younger than this from deletion. Zero
	// or negative means DefaultCleanupGracePeriod.
	GracePeriod time.Duration
}

// CleanupResult reports what one cleanup run removed.
type CleanupResult struct {
	// Deleted lists the removed object names, sorted.
	Deleted []string
}

// Cleanup deletes unreferenced data, index and manifest objects older
// than the grace period. Orphans accumulate from discarded writers,
// crashed commits and compactions that lost their race; no snapshot
// references them, so expiration alone never reclaims them.
//
// The store must implement blobstore.Stater so the sweep can age-gate
// candidates; files a live writer flushed moments ago look exactly like
// orphans until their commit lands.
func (t *Table) Cleanup(ctx context.Context, policy CleanupPolicy) (CleanupResult, error) {
	start := time.Now()
	res, err := t.cleanup(ctx, policy)
	duration := time.Since(start)

	err = translateError(err)
	t.metrics.RecordCleanup(len(res.Deleted), duration, err)
	t.logger.LogCleanup(ctx, len(res.Deleted), err)
	return res, err
}

func (t *Table) cleanup(ctx context.Context, policy CleanupPolicy) (CleanupResult, error) {
	var res CleanupResult

	stater, ok := t.store.(blobstore.Stater)
	if !ok {
		return res, fmt.Errorf("%w: cleanup needs a store that reports modification times", ErrInvalidConfig)
	}
	grace := policy.GracePeriod
	if grace <= 0 {
		grace = DefaultCleanupGracePeriod
	}
	cutoff := time.Now().Add(-grace)

	reachable, err := t.reachableFiles(ctx)
	if err != nil {
		return res, err
	}

	for _, prefix := range []string{lsm.DataPrefix, lsm.IndexPrefix, manifest.Prefix} {
		names, err := t.store.List(ctx, prefix)
		if err != nil {
			return res, fmt.Errorf("list %s: %w", prefix, err)
		}
		for _, name := range names {
			if _, ok := reachable[name]; ok {
				continue
			}
			info, err := stater.Stat(ctx, name)
			if errors.Is(err, blobstore.ErrNotFound) {
				// Expired or deleted by a concurrent run.
				continue
			}
			if err != nil {
				return res, fmt.Errorf("stat %s: %w", name, err)
			}
			if info.ModTime.After(cutoff) {
				continue
			}
			if err := t.store.Delete(ctx, name); err != nil && !errors.Is(err, blobstore.ErrNotFound) {
				return res, fmt.Errorf("delete %s: %w", name, err)
			}
			res.Deleted = append(res.Deleted, name)
		}
	}
	slices.Sort(res.Deleted)
	return res, nil
}

// reachableFiles collects every object some retained snapshot still
// references: manifest lists, manifests, data files and deletion
// vector blobs. Pins only protect retained snapshots, so walking the
// chain from the latest covers everything a reader can reach.
func (t *Table) reachableFiles(ctx context.Context) (map[string]struct{}, error) {
	reachable := make(map[string]struct{})

	latest, err := t.snapshots.Latest(ctx)
	if err != nil {
		return nil, err
	}
	if latest == nil {
		return reachable, nil
	}

	for snap, err := range t.snapshots.Chain(ctx, latest.ID) {
		if err != nil {
			return nil, err
		}
		reachable[snap.ManifestList] = struct{}{}

		fms, err := t.manifests.ReadList(ctx, snap.ManifestList)
		if err != nil {
			return nil, err
		}
		for _, fm := range fms {
			reachable[fm.Path] = struct{}{}
		}
		fs, err := t.manifests.FileSet(ctx, fms)
		if err != nil {
			return nil, err
		}
		for _, f := range fs.Files() {
			reachable[f.Path] = struct{}{}
			if f.DeleteVector != nil {
				reachable[f.DeleteVector.Path] = struct{}{}
			}
		}
	}
	return reachable, nil
}

// SnapshotInfo describes one snapshot in the table's retained history.
type SnapshotInfo struct {
	ID       uint64
	PrevID   uint64
	Kind     meta.CommitKind
	CommitID string
	Time     time.Time
}

// Snapshots lists the retained history, newest first. An empty table
// returns nil.
func (t *Table) Snapshots(ctx context.Context) ([]SnapshotInfo, error) {
	latest, err := t.snapshots.Latest(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	if latest == nil {
		return nil, nil
	}

	var infos []SnapshotInfo
	for snap, err := range t.snapshots.Chain(ctx, latest.ID) {
		if err != nil {
			return nil, translateError(err)
		}
		infos = append(infos, SnapshotInfo{
			ID:       snap.ID,
			PrevID:   snap.PrevID,
			Kind:     snap.CommitKind,
			CommitID: snap.CommitID,
			Time:     snap.Time(),
		})
	}
	return infos, nil
}
