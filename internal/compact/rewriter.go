package compact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/format"
	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/internal/resource"
	"github.com/hupe1980/lakego/merge"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// DefaultTargetFileSize is the output split threshold.
const DefaultTargetFileSize = 128 << 20

// RewriterOption configures a Rewriter.
type RewriterOption func(*Rewriter)

// WithMergeFactory sets the merge engine for the rewrite. Keyed tables
// require one; append-only tables rewrite without merging.
func WithMergeFactory(mf merge.Factory) RewriterOption {
	return func(r *Rewriter) {
		r.merger = mf
	}
}

// WithTargetFileSize sets the output split threshold in bytes.
func WithTargetFileSize(n int64) RewriterOption {
	return func(r *Rewriter) {
		if n > 0 {
			r.targetFileSize = n
		}
	}
}

// WithResourceController throttles rewrite IO through the controller.
func WithResourceController(rc *resource.Controller) RewriterOption {
	return func(r *Rewriter) {
		r.rc = rc
	}
}

// WithRewriterLogger sets the logger for rewrite activity.
func WithRewriterLogger(logger *slog.Logger) RewriterOption {
	return func(r *Rewriter) {
		r.logger = logger
	}
}

// Rewriter materializes compaction plans: it streams the plan's inputs
// through the merge engine and writes the survivors back out as sorted
// files at the target level, split at the target size. The merged
// stream holds one record per key, so splitting between records never
// splits a key across outputs.
//
// Outputs are published under fresh uuid names and referenced by
// nothing until the caller commits them; a failed or abandoned rewrite
// leaves only unreferenced blobs.
type Rewriter struct {
	store          blobstore.BlobStore
	format         format.Format
	schema         *model.Schema
	merger         merge.Factory
	rc             *resource.Controller
	targetFileSize int64
	logger         *slog.Logger
}

// NewRewriter returns a rewriter for the given schema. The schema must
// be validated.
func NewRewriter(store blobstore.BlobStore, f format.Format, schema *model.Schema, opts ...RewriterOption) (*Rewriter, error) {
	if store == nil || f == nil {
		return nil, fmt.Errorf("compact: rewriter needs a store and a format")
	}
	if schema == nil {
		return nil, fmt.Errorf("compact: rewriter needs a schema")
	}

	r := &Rewriter{
		store:          store,
		format:         f,
		schema:         schema,
		targetFileSize: DefaultTargetFileSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.schema.HasPrimaryKey() && r.merger == nil {
		// Splitting an unmerged run of equal keys would make outputs
		// overlap at the boundary key.
		return nil, fmt.Errorf("compact: keyed table rewrite needs a merge engine")
	}
	return r, nil
}

// Rewrite executes one plan and returns the output file metadata. The
// inputs are untouched; the caller publishes the swap as a commit. On
// error all outputs written so far are discarded.
func (r *Rewriter) Rewrite(ctx context.Context, plan *Plan) ([]meta.DataFileMeta, error) {
	if plan == nil || len(plan.Inputs) == 0 {
		return nil, nil
	}

	part := plan.Inputs[0].Partition
	bucket := plan.Inputs[0].Bucket
	for i := range plan.Inputs {
		f := &plan.Inputs[i]
		if f.Bucket != bucket || f.Partition.Key() != part.Key() {
			return nil, fmt.Errorf("compact: plan mixes bucket %s/%d with %s/%d",
				part, bucket, f.Partition, f.Bucket)
		}
	}

	var ropts []lsm.ReaderOption
	if r.merger != nil {
		mf := r.merger()
		if plan.DropDelete {
			mf = merge.DropDelete(mf)
		}
		ropts = append(ropts, lsm.WithMergeFunc(mf))
	}

	reader, err := lsm.NewMergeReader(ctx, r.store, r.format, plan.Inputs, ropts...)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var (
		outputs []meta.DataFileMeta
		out     *output
	)
	fail := func(err error) ([]meta.DataFileMeta, error) {
		if out != nil {
			_ = out.wb.Close()
			_ = r.store.Delete(ctx, out.name)
		}
		r.Discard(ctx, outputs)
		return nil, err
	}

	for {
		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fail(err)
		}

		if out == nil {
			if out, err = r.open(ctx, part, bucket); err != nil {
				return fail(err)
			}
		}
		if err := out.rw.Write(rec); err != nil {
			return fail(fmt.Errorf("write data file %s: %w", out.name, err))
		}
		if out.cw.n >= r.targetFileSize {
			fm, err := out.finish(part, bucket, plan.TargetLevel)
			if err != nil {
				return fail(err)
			}
			outputs = append(outputs, fm)
			out = nil
		}
	}
	if out != nil {
		fm, err := out.finish(part, bucket, plan.TargetLevel)
		if err != nil {
			return fail(err)
		}
		outputs = append(outputs, fm)
		out = nil
	}

	if r.logger != nil {
		r.logger.Debug("rewrote bucket files",
			"partition", part.String(), "bucket", bucket,
			"in", len(plan.Inputs), "out", len(outputs), "level", plan.TargetLevel)
	}
	return outputs, nil
}

// Discard deletes rewrite outputs that will never be referenced,
// typically after a lost commit race. Best effort: a leftover blob is
// reclaimed by orphan cleanup.
func (r *Rewriter) Discard(ctx context.Context, files []meta.DataFileMeta) {
	for i := range files {
		if err := r.store.Delete(ctx, files[i].Path); err != nil && r.logger != nil {
			r.logger.Warn("discarding rewrite output failed", "file", files[i].Path, "error", err)
		}
	}
}

// output is one data file being written.
type output struct {
	name string
	wb   blobstore.WritableBlob
	cw   *countingWriter
	rw   format.RecordWriter
}

func (r *Rewriter) open(ctx context.Context, part model.Partition, bucket uint32) (*output, error) {
	name := lsm.DataFilePath(part, bucket, r.format.Name())
	wb, err := r.store.Create(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create data file %s: %w", name, err)
	}

	cw := &countingWriter{w: resource.NewRateLimitedWriter(ctx, wb, r.rc)}
	rw, err := r.format.NewWriter(cw, r.schema)
	if err != nil {
		_ = wb.Close()
		return nil, fmt.Errorf("open data file %s: %w", name, err)
	}
	return &output{name: name, wb: wb, cw: cw, rw: rw}, nil
}

func (o *output) finish(part model.Partition, bucket uint32, level int) (meta.DataFileMeta, error) {
	stats, err := o.rw.Close()
	if err != nil {
		return meta.DataFileMeta{}, fmt.Errorf("finish data file %s: %w", o.name, err)
	}
	if err := o.wb.Close(); err != nil {
		return meta.DataFileMeta{}, fmt.Errorf("close data file %s: %w", o.name, err)
	}

	return meta.DataFileMeta{
		Path:        o.name,
		Partition:   part,
		Bucket:      bucket,
		Level:       level,
		MinKey:      stats.MinKey,
		MaxKey:      stats.MaxKey,
		MinSequence: stats.MinSequence,
		MaxSequence: stats.MaxSequence,
		RowCount:    stats.RowCount,
		FileSize:    stats.Size,
		ColumnStats: stats.ColumnStats,
	}, nil
}

// countingWriter tracks bytes written so outputs split at the target
// size.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
