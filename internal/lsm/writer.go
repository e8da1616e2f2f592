package lsm

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/format"
	"github.com/hupe1980/lakego/internal/memtable"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// DefaultBufferSize is the per-bucket write buffer threshold.
const DefaultBufferSize = 64 << 20

// DataPrefix is the storage prefix for data files.
const DataPrefix = "data/"

// BucketID identifies one bucket of one partition. Partition is the
// canonical partition key, model.Partition.Key.
type BucketID struct {
	Partition string
	Bucket    uint32
}

// DataFilePath returns the storage name for a new data file of the
// bucket. ext is the format name.
func DataFilePath(part model.Partition, bucket uint32, ext string) string {
	dir := DataPrefix
	if p := part.Path(); p != "" {
		dir += p + "/"
	}
	return fmt.Sprintf("%sbucket-%d/data-%s.%s", dir, bucket, uuid.NewString(), ext)
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithBufferSize sets the per-bucket buffer threshold in bytes.
func WithBufferSize(n int64) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.bufferSize = n
		}
	}
}

// WithSequences seeds the next sequence number per bucket. Buckets
// absent from the map start at 0; the table layer seeds buckets that
// already hold files from their highest committed sequence.
func WithSequences(seqs map[BucketID]uint64) WriterOption {
	return func(w *Writer) {
		maps.Copy(w.seqs, seqs)
	}
}

// WithWriterLogger sets the logger for flush activity.
func WithWriterLogger(logger *slog.Logger) WriterOption {
	return func(w *Writer) {
		w.logger = logger
	}
}

// Writer routes records into per-(partition, bucket) memtables and
// flushes each full buffer as one new level-0 data file. Flushed file
// metadata accumulates until Flush drains it; the caller turns it into
// commit entries.
//
// A Writer is safe for concurrent use. Flushes run under the writer
// lock, so a bucket hitting its threshold briefly blocks other writes.
type Writer struct {
	store      blobstore.BlobStore
	factory    format.WriterFactory
	schema     *model.Schema
	bufferSize int64
	logger     *slog.Logger

	mu      sync.Mutex
	buckets map[BucketID]*bucketBuffer
	seqs    map[BucketID]uint64
	pending []meta.DataFileMeta
}

type bucketBuffer struct {
	partition model.Partition
	table     *memtable.Table
}

// NewWriter returns a writer for the given schema. The schema must be
// validated.
func NewWriter(store blobstore.BlobStore, factory format.WriterFactory, schema *model.Schema, opts ...WriterOption) (*Writer, error) {
	if store == nil || factory == nil {
		return nil, fmt.Errorf("lsm: writer needs a store and a format")
	}
	if schema == nil {
		return nil, fmt.Errorf("lsm: writer needs a schema")
	}

	w := &Writer{
		store:      store,
		factory:    factory,
		schema:     schema,
		bufferSize: DefaultBufferSize,
		buckets:    make(map[BucketID]*bucketBuffer),
		seqs:       make(map[BucketID]uint64),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Write buffers one change. Deletes require a primary key. The row is
// copied; the caller may reuse the slice.
func (w *Writer) Write(ctx context.Context, kind model.Kind, row model.Row) error {
	if !kind.Valid() {
		return fmt.Errorf("lsm: invalid record kind %d", uint8(kind))
	}
	if kind == model.KindDelete && !w.schema.HasPrimaryKey() {
		return fmt.Errorf("lsm: delete on a table without primary key")
	}
	if err := w.schema.CheckRow(row); err != nil {
		return err
	}

	key, err := w.schema.KeyOf(row)
	if err != nil {
		return err
	}
	part := w.schema.PartitionOf(row)
	id := BucketID{Partition: part.Key(), Bucket: w.schema.BucketOf(key)}
	if !w.schema.HasPrimaryKey() {
		// Keyless tables hash the whole row for routing but never merge,
		// so the stored record carries no key.
		key = nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	b, ok := w.buckets[id]
	if !ok {
		b = &bucketBuffer{partition: part, table: memtable.New()}
		w.buckets[id] = b
	}

	seq := w.seqs[id]
	rec := model.Record{Key: key, Sequence: seq, Kind: kind, Row: row.Clone()}
	if err := b.table.Add(rec); err != nil {
		return err
	}
	w.seqs[id] = seq + 1

	if b.table.Size() >= w.bufferSize {
		return w.flushBucket(ctx, id, b)
	}
	return nil
}

// Flush writes out every buffered bucket and returns the metadata of
// all files produced since the last Flush, including auto-flushed
// ones. A failed flush keeps the bucket's records buffered; Flush may
// be retried, and writes to that bucket fail until a retry succeeds.
func (w *Writer) Flush(ctx context.Context) ([]meta.DataFileMeta, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]BucketID, 0, len(w.buckets))
	for id := range w.buckets {
		ids = append(ids, id)
	}
	// Deterministic flush order.
	slices.SortFunc(ids, func(a, b BucketID) int {
		if c := cmp.Compare(a.Partition, b.Partition); c != 0 {
			return c
		}
		return cmp.Compare(a.Bucket, b.Bucket)
	})

	for _, id := range ids {
		b := w.buckets[id]
		if b.table.Len() == 0 {
			delete(w.buckets, id)
			continue
		}
		if err := w.flushBucket(ctx, id, b); err != nil {
			return nil, err
		}
	}

	out := w.pending
	w.pending = nil
	return out, nil
}

// Buffered returns the number of records currently held in memtables.
func (w *Writer) Buffered() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, b := range w.buckets {
		n += b.table.Len()
	}
	return n
}

// flushBucket writes one bucket's buffer as a level-0 file. Callers
// hold w.mu. On failure the output blob is abandoned unpublished and
// the frozen buffer stays in place for retry.
func (w *Writer) flushBucket(ctx context.Context, id BucketID, b *bucketBuffer) error {
	b.table.Freeze()

	name := DataFilePath(b.partition, id.Bucket, w.factory.Name())
	wb, err := w.store.Create(ctx, name)
	if err != nil {
		return fmt.Errorf("create data file %s: %w", name, err)
	}

	rw, err := w.factory.NewWriter(wb, w.schema)
	if err != nil {
		return fmt.Errorf("open data file %s: %w", name, err)
	}
	for rec := range b.table.Records() {
		if err := rw.Write(rec); err != nil {
			return fmt.Errorf("write data file %s: %w", name, err)
		}
	}
	stats, err := rw.Close()
	if err != nil {
		return fmt.Errorf("finish data file %s: %w", name, err)
	}
	if err := wb.Close(); err != nil {
		return fmt.Errorf("close data file %s: %w", name, err)
	}

	w.pending = append(w.pending, meta.DataFileMeta{
		Path:        name,
		Partition:   b.partition,
		Bucket:      id.Bucket,
		Level:       0,
		MinKey:      stats.MinKey,
		MaxKey:      stats.MaxKey,
		MinSequence: stats.MinSequence,
		MaxSequence: stats.MaxSequence,
		RowCount:    stats.RowCount,
		FileSize:    stats.Size,
		ColumnStats: stats.ColumnStats,
	})
	delete(w.buckets, id)

	if w.logger != nil {
		w.logger.Debug("flushed bucket",
			slog.String("file", name),
			slog.String("partition", b.partition.String()),
			slog.Uint64("bucket", uint64(id.Bucket)),
			slog.Uint64("rows", stats.RowCount),
			slog.Int64("bytes", stats.Size),
		)
	}
	return nil
}
