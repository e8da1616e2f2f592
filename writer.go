// Package lakego provides an embedded lakehouse table engine for Go.
//
// This file implements the table writer: buffered row ingestion with
// bucket routing, flush to data files and the atomic snapshot commit.
package lakego

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/lakego/internal/commit"
	"github.com/hupe1980/lakego/internal/compact"
	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// overwriteRePlans bounds how often an overwrite commit re-resolves its
// target files after losing a race against a concurrent commit.
const overwriteRePlans = 3

type writerOptions struct {
	commitID     string
	overwrite    []model.Partition
	overwriteSet bool
}

// WriterOption configures a Writer.
type WriterOption func(*writerOptions)

// WithCommitID pins the identifier of the writer's next commit instead
// of generating one. Re-running a failed batch under the same commit id
// is safe: a commit id that already applied is recognized and the
// resubmission becomes a no-op returning the original snapshot.
//
// After a successful commit the writer rotates to a fresh id.
func WithCommitID(id string) WriterOption {
	return func(o *writerOptions) {
		o.commitID = id
	}
}

// WithOverwrite makes the writer's commit replace whole partitions
// instead of appending: the live files of the target partitions leave
// the table in the same atomic commit that adds the written rows.
//
// With explicit partitions, exactly those are replaced, written rows or
// not. With none, the partitions touched by the written rows are
// replaced (dynamic overwrite). On an unpartitioned table this replaces
// the full table content.
//
// Example, recomputing one day of an events table:
//
//	w, _ := table.NewWriter(ctx, lakego.WithOverwrite(model.Partition{
//	    {Name: "day", Value: model.String("2024-06-01")},
//	}))
func WithOverwrite(partitions ...model.Partition) WriterOption {
	return func(o *writerOptions) {
		o.overwrite = partitions
		o.overwriteSet = true
	}
}

// CommitResult reports a successful commit.
type CommitResult struct {
	// SnapshotID is the snapshot the commit produced. Zero when the
	// commit had nothing to do.
	SnapshotID uint64
}

// Writer ingests rows into the table. Rows buffer in memory, flush to
// immutable data files per (partition, bucket), and become visible
// atomically at Commit. Nothing a writer does is observable by readers
// before Commit returns.
//
// Insert, Update and Delete are safe for concurrent use by multiple
// goroutines. Commit and Discard must not run concurrently with any
// other call on the same writer.
type Writer struct {
	table *Table
	lsm   *lsm.Writer

	commitID     string
	overwrite    []model.Partition
	overwriteSet bool

	pending []meta.DataFileMeta
	closed  bool
}

// NewWriter returns a writer for the table. Sequence numbers continue
// from the table's committed state, so records written here order after
// everything already committed.
func (t *Table) NewWriter(ctx context.Context, optFns ...WriterOption) (*Writer, error) {
	var wopts writerOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&wopts)
		}
	}

	_, fs, err := t.liveFiles(ctx)
	if err != nil {
		return nil, translateError(err)
	}
	seqs := make(map[lsm.BucketID]uint64)
	for _, fm := range fs.Files() {
		id := lsm.BucketID{Partition: fm.Partition.Key(), Bucket: fm.Bucket}
		if next := fm.MaxSequence + 1; next > seqs[id] {
			seqs[id] = next
		}
	}

	lsmOpts := []lsm.WriterOption{
		lsm.WithSequences(seqs),
		lsm.WithWriterLogger(t.logger.Logger),
	}
	if t.bufferSize > 0 {
		lsmOpts = append(lsmOpts, lsm.WithBufferSize(t.bufferSize))
	}
	lw, err := lsm.NewWriter(t.store, t.format, t.schema, lsmOpts...)
	if err != nil {
		return nil, translateError(err)
	}

	commitID := wopts.commitID
	if commitID == "" {
		commitID = uuid.NewString()
	}

	return &Writer{
		table:        t,
		lsm:          lw,
		commitID:     commitID,
		overwrite:    wopts.overwrite,
		overwriteSet: wopts.overwriteSet,
	}, nil
}

// Insert buffers an insert of the given row.
func (w *Writer) Insert(ctx context.Context, row model.Row) error {
	if w.closed {
		return fmt.Errorf("lakego: writer discarded")
	}
	return translateError(w.lsm.Write(ctx, model.KindInsert, row))
}

// Update buffers an update of the given row. On primary-key tables the
// merge engine decides how it combines with earlier versions of the
// key; on append-only tables it behaves like Insert.
func (w *Writer) Update(ctx context.Context, row model.Row) error {
	if w.closed {
		return fmt.Errorf("lakego: writer discarded")
	}
	return translateError(w.lsm.Write(ctx, model.KindUpdate, row))
}

// Delete buffers a retraction of the row's key. Only primary-key
// tables support deletes.
func (w *Writer) Delete(ctx context.Context, row model.Row) error {
	if w.closed {
		return fmt.Errorf("lakego: writer discarded")
	}
	return translateError(w.lsm.Write(ctx, model.KindDelete, row))
}

// Buffered returns the number of rows currently buffered in memory,
// not counting rows already flushed to pending data files.
func (w *Writer) Buffered() int {
	return w.lsm.Buffered()
}

// Commit flushes all buffered rows and publishes the writer's pending
// files as one atomic snapshot. On success the writer is ready for the
// next batch under a fresh commit id.
//
// A conflict leaves the batch intact: the flushed files stay pending
// and a retry resubmits them under the same commit id.
func (w *Writer) Commit(ctx context.Context) (CommitResult, error) {
	start := time.Now()
	res, files, kind, err := w.commit(ctx)
	duration := time.Since(start)
	err = translateError(err)
	w.table.metrics.RecordCommit(files, duration, err)
	w.table.logger.LogCommit(ctx, res.SnapshotID, kind.String(), files, err)
	return res, err
}

func (w *Writer) commit(ctx context.Context) (CommitResult, int, meta.CommitKind, error) {
	kind := meta.CommitAppend
	if w.overwriteSet {
		kind = meta.CommitOverwrite
	}
	if w.closed {
		return CommitResult{}, 0, kind, fmt.Errorf("lakego: writer discarded")
	}

	flushed, err := w.lsm.Flush(ctx)
	if err != nil {
		return CommitResult{}, 0, kind, err
	}
	w.pending = append(w.pending, flushed...)

	if !w.overwriteSet && len(w.pending) == 0 {
		return CommitResult{}, 0, kind, nil
	}

	for attempt := 0; ; attempt++ {
		var deletes []meta.DataFileMeta
		if w.overwriteSet {
			if deletes, err = w.overwriteTargets(ctx); err != nil {
				return CommitResult{}, len(w.pending), kind, err
			}
		}
		if len(w.pending) == 0 && len(deletes) == 0 {
			return CommitResult{}, 0, kind, nil
		}

		res, err := w.table.committer.Commit(ctx, commit.Proposal{
			Adds:     w.pending,
			Deletes:  deletes,
			CommitID: w.commitID,
			Kind:     kind,
		})
		if err != nil {
			// An overwrite names live files as deletes; when a concurrent
			// commit moved them, the target set is re-resolved and the
			// same logical change retried under the same commit id.
			var ce *commit.ConflictError
			if w.overwriteSet && errors.As(err, &ce) && attempt < overwriteRePlans {
				continue
			}
			return CommitResult{}, len(w.pending), kind, err
		}

		files := len(w.pending)
		w.afterCommit(ctx)
		return CommitResult{SnapshotID: res.SnapshotID}, files, kind, nil
	}
}

// afterCommit resets the writer for the next batch and nudges the
// compactor about the buckets that just grew.
func (w *Writer) afterCommit(ctx context.Context) {
	if w.table.autoCompact {
		seen := make(map[lsm.BucketID]struct{}, len(w.pending))
		for _, fm := range w.pending {
			id := lsm.BucketID{Partition: fm.Partition.Key(), Bucket: fm.Bucket}
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			if err := w.table.compactor.Trigger(ctx, compact.Request{Partition: fm.Partition, Bucket: fm.Bucket}); err != nil {
				w.table.logger.DebugContext(ctx, "compaction trigger skipped", "error", err)
			}
		}
	}
	w.pending = nil
	w.commitID = uuid.NewString()
}

// overwriteTargets resolves the live files the overwrite replaces,
// against current table state.
func (w *Writer) overwriteTargets(ctx context.Context) ([]meta.DataFileMeta, error) {
	_, fs, err := w.table.liveFiles(ctx)
	if err != nil {
		return nil, err
	}

	partitions := w.overwrite
	if len(partitions) == 0 {
		// Dynamic overwrite: replace the partitions the written rows touch.
		seen := make(map[string]struct{}, len(w.pending))
		for _, fm := range w.pending {
			key := fm.Partition.Key()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			partitions = append(partitions, fm.Partition)
		}
	}

	keys := make(map[string]struct{}, len(partitions))
	for _, p := range partitions {
		keys[p.Key()] = struct{}{}
	}

	var targets []meta.DataFileMeta
	for _, fm := range fs.Files() {
		if _, ok := keys[fm.Partition.Key()]; ok {
			targets = append(targets, fm)
		}
	}
	return targets, nil
}

// Discard abandons the writer. Nothing becomes visible to readers:
// every data file the writer produced is best-effort deleted, and files
// a failed delete leaves behind are swept by Cleanup once their grace
// period passes. The writer is unusable afterwards.
func (w *Writer) Discard(ctx context.Context) {
	if w.closed {
		return
	}
	w.closed = true

	// Flush surfaces every file since the last commit attempt,
	// auto-flushed ones included, so the delete loop sees them all.
	files, err := w.lsm.Flush(ctx)
	if err != nil {
		w.table.logger.DebugContext(ctx, "discard flush failed", "error", err)
	}
	w.pending = append(w.pending, files...)
	for _, fm := range w.pending {
		if err := w.table.store.Delete(ctx, fm.Path); err != nil {
			w.table.logger.DebugContext(ctx, "discard left orphan file", "file", fm.Path, "error", err)
		}
	}
	w.pending = nil
}
