// Package lakego provides an embedded lakehouse table engine for Go.
//
// This file implements scans: pinned snapshot resolution, partition and
// key-range pruning and the merged record stream.
package lakego

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"time"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/internal/manifest"
	"github.com/hupe1980/lakego/merge"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

type scanOptions struct {
	snapshotID   uint64
	minKey       model.Row
	maxKey       model.Row
	partition    model.Partition
	partitionSet bool
}

// ScanOption configures a Scan.
type ScanOption func(*scanOptions)

// WithScanSnapshot reads the table as of the given snapshot instead of
// the latest one (time travel). ErrSnapshotNotFound is returned when
// the snapshot does not exist, typically because it was expired.
func WithScanSnapshot(id uint64) ScanOption {
	return func(o *scanOptions) {
		o.snapshotID = id
	}
}

// WithKeyRange restricts the scan to primary keys in [min, max],
// inclusive. Bounds are rows of key-field values in key-field order; a
// nil bound is unbounded on that side. Files whose key range lies
// outside the bounds are never opened.
func WithKeyRange(min, max model.Row) ScanOption {
	return func(o *scanOptions) {
		o.minKey, o.maxKey = min, max
	}
}

// WithPartition restricts the scan to one partition.
func WithPartition(partition model.Partition) ScanOption {
	return func(o *scanOptions) {
		o.partition = partition
		o.partitionSet = true
	}
}

// Scanner streams the merged view of one pinned snapshot. The pin keeps
// every file of that snapshot alive until Close, regardless of
// concurrent commits, compactions or snapshot expiration.
type Scanner struct {
	table      *Table
	snapshotID uint64
	pinned     bool
	groups     [][]meta.DataFileMeta
	minKey     []byte
	maxKey     []byte
	cur        *lsm.MergeReader
	closed     bool
}

// Scan opens a scanner over the table's merged view: per key one
// surviving record, deletes dropped, in key order within each bucket.
// On append-only tables records stream in write order per bucket.
//
// The scanner must be closed; the snapshot stays pinned until then.
func (t *Table) Scan(ctx context.Context, optFns ...ScanOption) (*Scanner, error) {
	start := time.Now()
	s, files, err := t.scan(ctx, optFns)
	duration := time.Since(start)
	err = translateError(err)
	t.metrics.RecordScan(duration, err)
	var snapshotID uint64
	if s != nil {
		snapshotID = s.snapshotID
	}
	t.logger.LogScan(ctx, snapshotID, files, err)
	return s, err
}

func (t *Table) scan(ctx context.Context, optFns []ScanOption) (*Scanner, int, error) {
	var sopts scanOptions
	for _, fn := range optFns {
		if fn != nil {
			fn(&sopts)
		}
	}

	var minKey, maxKey []byte
	if sopts.minKey != nil || sopts.maxKey != nil {
		if !t.schema.HasPrimaryKey() {
			return nil, 0, fmt.Errorf("%w: key range on a table without primary key", ErrInvalidConfig)
		}
		var err error
		if minKey, err = t.encodeKeyBound(sopts.minKey); err != nil {
			return nil, 0, err
		}
		if maxKey, err = t.encodeKeyBound(sopts.maxKey); err != nil {
			return nil, 0, err
		}
	}

	snap, fs, err := t.pinSnapshot(ctx, sopts.snapshotID)
	if err != nil {
		return nil, 0, err
	}
	if snap == nil {
		// No commits yet: an empty scan over nothing.
		return &Scanner{table: t}, 0, nil
	}

	var groups [][]meta.DataFileMeta
	total := 0
	for _, pb := range fs.Buckets() {
		if sopts.partitionSet && pb.Partition.Key() != sopts.partition.Key() {
			continue
		}
		files := fs.Bucket(pb.Partition, pb.Bucket)
		if minKey != nil || maxKey != nil {
			var kept []meta.DataFileMeta
			for _, fm := range files {
				if fm.OverlapsRange(minKey, maxKey) {
					kept = append(kept, fm)
				}
			}
			files = kept
		}
		if len(files) == 0 {
			continue
		}
		groups = append(groups, files)
		total += len(files)
	}

	return &Scanner{
		table:      t,
		snapshotID: snap.ID,
		pinned:     true,
		groups:     groups,
		minKey:     minKey,
		maxKey:     maxKey,
	}, total, nil
}

func (t *Table) encodeKeyBound(bound model.Row) ([]byte, error) {
	if bound == nil {
		return nil, nil
	}
	if len(bound) != len(t.schema.KeyFields) {
		return nil, fmt.Errorf("%w: key bound needs %d values, got %d", ErrInvalidConfig, len(t.schema.KeyFields), len(bound))
	}
	return model.EncodeKey(nil, bound)
}

// pinSnapshot resolves the scan snapshot and pins it. A nil snapshot
// means the table has no commits yet and nothing was pinned.
func (t *Table) pinSnapshot(ctx context.Context, id uint64) (*meta.Snapshot, *manifest.FileSet, error) {
	if id != 0 {
		t.snapshots.Pin(id)
		snap, err := t.snapshots.Snapshot(ctx, id)
		if err != nil {
			t.snapshots.Unpin(id)
			if errors.Is(err, blobstore.ErrNotFound) {
				return nil, nil, fmt.Errorf("%w: snapshot %d", ErrSnapshotNotFound, id)
			}
			return nil, nil, err
		}
		fs, err := t.fileSetAt(ctx, snap)
		if err != nil {
			t.snapshots.Unpin(id)
			return nil, nil, err
		}
		return snap, fs, nil
	}

	// Between resolving the latest snapshot and pinning it, aggressive
	// expiration can remove it. Retry against the new latest.
	for attempt := 0; ; attempt++ {
		snap, err := t.snapshots.Latest(ctx)
		if err != nil {
			return nil, nil, err
		}
		if snap == nil {
			return nil, nil, nil
		}
		t.snapshots.Pin(snap.ID)
		fs, err := t.fileSetAt(ctx, snap)
		if err != nil {
			t.snapshots.Unpin(snap.ID)
			if errors.Is(err, blobstore.ErrNotFound) && attempt < 2 {
				continue
			}
			return nil, nil, err
		}
		return snap, fs, nil
	}
}

func (t *Table) fileSetAt(ctx context.Context, snap *meta.Snapshot) (*manifest.FileSet, error) {
	manifests, err := t.manifests.ReadList(ctx, snap.ManifestList)
	if err != nil {
		return nil, err
	}
	return t.manifests.FileSet(ctx, manifests)
}

// SnapshotID returns the snapshot the scan reads. Zero when the table
// had no commits at scan time.
func (s *Scanner) SnapshotID() uint64 {
	return s.snapshotID
}

// Next returns the next record of the merged view. io.EOF after the
// last one. Buckets are read one at a time in (partition, bucket)
// order; files only open as their bucket is reached.
func (s *Scanner) Next(ctx context.Context) (model.Record, error) {
	if s.closed {
		return model.Record{}, fmt.Errorf("lakego: scanner closed")
	}
	for {
		if s.cur == nil {
			if len(s.groups) == 0 {
				return model.Record{}, io.EOF
			}
			r, err := s.openGroup(ctx, s.groups[0])
			if err != nil {
				return model.Record{}, translateError(err)
			}
			s.groups = s.groups[1:]
			s.cur = r
		}

		rec, err := s.cur.Next()
		if errors.Is(err, io.EOF) {
			cerr := s.cur.Close()
			s.cur = nil
			if cerr != nil {
				return model.Record{}, translateError(cerr)
			}
			continue
		}
		if err != nil {
			return model.Record{}, translateError(err)
		}
		return rec, nil
	}
}

func (s *Scanner) openGroup(ctx context.Context, files []meta.DataFileMeta) (*lsm.MergeReader, error) {
	var opts []lsm.ReaderOption
	if s.minKey != nil || s.maxKey != nil {
		opts = append(opts, lsm.WithKeyRange(s.minKey, s.maxKey))
	}
	if s.table.mergeFactory != nil {
		opts = append(opts, lsm.WithMergeFunc(merge.DropDelete(s.table.mergeFactory())))
	}
	return lsm.NewMergeReader(ctx, s.table.store, s.table.format, files, opts...)
}

// Records returns an iterator over the merged view. Iteration ends at
// the first error; the scanner still must be closed.
//
// Example:
//
//	scan, _ := table.Scan(ctx)
//	defer scan.Close()
//	for rec, err := range scan.Records(ctx) {
//	    if err != nil {
//	        return err
//	    }
//	    process(rec.Row)
//	}
func (s *Scanner) Records(ctx context.Context) iter.Seq2[model.Record, error] {
	return func(yield func(model.Record, error) bool) {
		for {
			rec, err := s.Next(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(model.Record{}, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}

// Close releases the scanner's open readers and unpins its snapshot.
// Close is idempotent.
func (s *Scanner) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true

	var err error
	if s.cur != nil {
		err = s.cur.Close()
		s.cur = nil
	}
	if s.pinned {
		s.table.snapshots.Unpin(s.snapshotID)
	}
	s.groups = nil
	return err
}
