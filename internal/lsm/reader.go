package lsm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/format"
	"github.com/hupe1980/lakego/internal/queue"
	"github.com/hupe1980/lakego/merge"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// Compile time check to ensure MergeReader satisfies the reader contract.
var _ format.RecordReader = (*MergeReader)(nil)

// ReaderOption configures a MergeReader.
type ReaderOption func(*readerConfig)

type readerConfig struct {
	minKey, maxKey []byte
	mergeFunc      merge.Func
}

// WithKeyRange restricts the read to keys in [min, max]. Nil bounds
// are unbounded on that side.
func WithKeyRange(min, max []byte) ReaderOption {
	return func(c *readerConfig) {
		c.minKey, c.maxKey = min, max
	}
}

// WithMergeFunc collapses equal-key runs through f, feeding versions
// oldest-first. Without it records stream unmerged in (key, sequence)
// order, which is the append-only read path.
func WithMergeFunc(f merge.Func) ReaderOption {
	return func(c *readerConfig) {
		c.mergeFunc = f
	}
}

// source is one data file stream feeding the merge heap.
type source struct {
	idx  int
	rec  model.Record
	r    format.RecordReader
	blob blobstore.Blob
}

// next advances to the following record. ok is false at end of stream.
func (s *source) next() (bool, error) {
	rec, err := s.r.Next()
	if errors.Is(err, io.EOF) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	s.rec = rec
	return true, nil
}

// MergeReader is the merged view over a set of data files. It
// implements format.RecordReader; records come out in key order, or in
// sequence order when the files carry no keys.
type MergeReader struct {
	sources []*source
	heap    *queue.Heap[*source]
	mf      merge.Func
}

// NewMergeReader opens the given files and merges their record
// streams. Files outside the requested key range are skipped without
// opening them. Deletion vectors referenced by the metadata are loaded
// from the store and their row positions subtracted before records
// enter the merge.
//
// A merge function requires keyed records; the table layer only
// configures one for primary-key tables.
func NewMergeReader(ctx context.Context, store blobstore.BlobStore, rf format.ReaderFactory, files []meta.DataFileMeta, opts ...ReaderOption) (*MergeReader, error) {
	var cfg readerConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	r := &MergeReader{
		heap: queue.New(len(files), func(a, b *source) bool {
			if c := bytes.Compare(a.rec.Key, b.rec.Key); c != 0 {
				return c < 0
			}
			if a.rec.Sequence != b.rec.Sequence {
				return a.rec.Sequence < b.rec.Sequence
			}
			return a.idx < b.idx
		}),
		mf: cfg.mergeFunc,
	}

	for i := range files {
		fm := &files[i]
		if !fm.OverlapsRange(cfg.minKey, cfg.maxKey) {
			continue
		}
		s, err := openSource(ctx, store, rf, fm, &cfg, len(r.sources))
		if err != nil {
			r.Close()
			return nil, err
		}
		r.sources = append(r.sources, s)

		ok, err := s.next()
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("read data file %s: %w", fm.Path, err)
		}
		if ok {
			r.heap.Push(s)
		}
	}
	return r, nil
}

func openSource(ctx context.Context, store blobstore.BlobStore, rf format.ReaderFactory, fm *meta.DataFileMeta, cfg *readerConfig, idx int) (*source, error) {
	blob, err := store.Open(ctx, fm.Path)
	if err != nil {
		return nil, fmt.Errorf("open data file %s: %w", fm.Path, err)
	}

	var selection *roaring.Bitmap
	if fm.DeleteVector != nil {
		dv, err := LoadDeletionVector(ctx, store, fm.DeleteVector)
		if err != nil {
			blob.Close()
			return nil, err
		}
		selection = roaring.New()
		selection.AddRange(0, fm.RowCount)
		selection.AndNot(dv.Bitmap())
	}

	rr, err := rf.NewReader(ctx, format.ReadContext{
		Blob:      blob,
		FileSize:  fm.FileSize,
		Selection: selection,
		MinKey:    cfg.minKey,
		MaxKey:    cfg.maxKey,
	})
	if err != nil {
		blob.Close()
		return nil, fmt.Errorf("open data file %s: %w", fm.Path, err)
	}
	return &source{idx: idx, r: rr, blob: blob}, nil
}

// Next implements format.RecordReader. io.EOF after the last record.
func (r *MergeReader) Next() (model.Record, error) {
	if r.mf == nil {
		return r.nextPlain()
	}
	return r.nextMerged()
}

func (r *MergeReader) nextPlain() (model.Record, error) {
	s, ok := r.heap.Top()
	if !ok {
		return model.Record{}, io.EOF
	}
	rec := s.rec
	// Keys alias the source's block buffer, which the advance below may
	// replace.
	rec.Key = bytes.Clone(rec.Key)
	if err := r.advanceTop(s); err != nil {
		return model.Record{}, err
	}
	return rec, nil
}

func (r *MergeReader) nextMerged() (model.Record, error) {
	for {
		s, ok := r.heap.Top()
		if !ok {
			return model.Record{}, io.EOF
		}

		// One run of equal keys, oldest version first. The clone
		// outlives the sources' block buffers, so the engine may retain
		// it past Add.
		key := bytes.Clone(s.rec.Key)
		r.mf.Reset(key)
		for {
			s.rec.Key = key
			if err := r.mf.Add(s.rec); err != nil {
				return model.Record{}, err
			}
			if err := r.advanceTop(s); err != nil {
				return model.Record{}, err
			}
			s, ok = r.heap.Top()
			if !ok || !bytes.Equal(s.rec.Key, key) {
				break
			}
		}

		rec, ok, err := r.mf.Result()
		if err != nil {
			return model.Record{}, err
		}
		if ok {
			return rec, nil
		}
		// Nothing survived for this key. On to the next one.
	}
}

// advanceTop moves the current minimum source to its next record and
// restores the heap around it.
func (r *MergeReader) advanceTop(s *source) error {
	ok, err := s.next()
	if err != nil {
		return err
	}
	if ok {
		r.heap.FixTop()
	} else {
		r.heap.Pop()
	}
	return nil
}

// Close releases all underlying file readers. The reader is unusable
// afterwards.
func (r *MergeReader) Close() error {
	var errs []error
	for _, s := range r.sources {
		errs = append(errs, s.r.Close(), s.blob.Close())
	}
	r.sources = nil
	r.heap.Reset()
	return errors.Join(errs...)
}
