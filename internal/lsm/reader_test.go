package lsm

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/format/rowbin"
	"github.com/hupe1980/lakego/merge"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

func encKey(t *testing.T, s *model.Schema, id int64) []byte {
	t.Helper()

	k, err := s.KeyOf(row(id, ""))
	require.NoError(t, err)
	return k
}

func dedupFunc(t *testing.T, s *model.Schema) merge.Func {
	t.Helper()

	factory, err := merge.NewFactory(merge.Config{}, s)
	require.NoError(t, err)
	return factory()
}

// writeBatches flushes each batch as its own level-0 file and returns
// all file metadata in write order.
func writeBatches(t *testing.T, store blobstore.BlobStore, s *model.Schema, batches ...[]model.Record) []meta.DataFileMeta {
	t.Helper()
	ctx := t.Context()

	w, err := NewWriter(store, rowbin.New(), s)
	require.NoError(t, err)

	var files []meta.DataFileMeta
	for _, batch := range batches {
		for _, rec := range batch {
			require.NoError(t, w.Write(ctx, rec.Kind, rec.Row))
		}
		out, err := w.Flush(ctx)
		require.NoError(t, err)
		files = append(files, out...)
	}
	return files
}

func ins(r model.Row) model.Record  { return model.Record{Kind: model.KindInsert, Row: r} }
func upd(r model.Row) model.Record  { return model.Record{Kind: model.KindUpdate, Row: r} }
func del(r model.Row) model.Record  { return model.Record{Kind: model.KindDelete, Row: r} }

func TestMergeReaderCollapsesVersionsAcrossFiles(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := keyedSchema(t)

	files := writeBatches(t, store, schema,
		[]model.Record{ins(row(1, "a1")), ins(row(2, "b1"))},
		[]model.Record{upd(row(2, "b2")), ins(row(3, "c1")), del(row(1, "a1"))},
	)
	require.Len(t, files, 2)

	t.Run("tombstones retained", func(t *testing.T) {
		r, err := NewMergeReader(ctx, store, rowbin.New(), files, WithMergeFunc(dedupFunc(t, schema)))
		require.NoError(t, err)
		defer r.Close()

		recs := readAll(t, r)
		require.Len(t, recs, 3)
		assert.Equal(t, model.KindDelete, recs[0].Kind)
		assert.Equal(t, int64(1), recs[0].Row[0].AsInt64())
		assert.Equal(t, "b2", recs[1].Row[1].AsString())
		assert.Equal(t, "c1", recs[2].Row[1].AsString())
	})

	t.Run("tombstones dropped", func(t *testing.T) {
		mf := merge.DropDelete(dedupFunc(t, schema))
		r, err := NewMergeReader(ctx, store, rowbin.New(), files, WithMergeFunc(mf))
		require.NoError(t, err)
		defer r.Close()

		recs := readAll(t, r)
		require.Len(t, recs, 2)
		assert.Equal(t, int64(2), recs[0].Row[0].AsInt64())
		assert.Equal(t, "b2", recs[0].Row[1].AsString())
		assert.Equal(t, int64(3), recs[1].Row[0].AsInt64())
	})
}

func TestMergeReaderKeyRange(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := keyedSchema(t)

	files := writeBatches(t, store, schema, []model.Record{
		ins(row(1, "a")), ins(row(2, "b")), ins(row(3, "c")), ins(row(4, "d")),
	})

	mf := merge.DropDelete(dedupFunc(t, schema))
	r, err := NewMergeReader(ctx, store, rowbin.New(), files,
		WithMergeFunc(mf),
		WithKeyRange(encKey(t, schema, 2), encKey(t, schema, 3)),
	)
	require.NoError(t, err)
	defer r.Close()

	recs := readAll(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].Row[0].AsInt64())
	assert.Equal(t, int64(3), recs[1].Row[0].AsInt64())
}

func TestMergeReaderSkipsNonOverlappingFiles(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := keyedSchema(t)

	files := writeBatches(t, store, schema,
		[]model.Record{ins(row(1, "a")), ins(row(2, "b"))},
		[]model.Record{ins(row(8, "x")), ins(row(9, "y"))},
	)
	require.Len(t, files, 2)

	r, err := NewMergeReader(ctx, store, rowbin.New(), files,
		WithKeyRange(encKey(t, schema, 8), nil),
	)
	require.NoError(t, err)
	defer r.Close()

	assert.Len(t, r.sources, 1)

	recs := readAll(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(8), recs[0].Row[0].AsInt64())
}

func TestMergeReaderPlainStreamsInSequenceOrder(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := appendSchema(t)

	files := writeBatches(t, store, schema,
		[]model.Record{
			ins(model.Row{model.String("m0")}),
			ins(model.Row{model.String("m1")}),
		},
		[]model.Record{
			ins(model.Row{model.String("m2")}),
		},
	)
	require.Len(t, files, 2)
	assert.Empty(t, files[0].MinKey)

	r, err := NewMergeReader(ctx, store, rowbin.New(), files)
	require.NoError(t, err)
	defer r.Close()

	recs := readAll(t, r)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		assert.Empty(t, rec.Key)
		assert.Equal(t, uint64(i), rec.Sequence)
		assert.Equal(t, "m"+string(rune('0'+i)), rec.Row[0].AsString())
	}
}

func TestMergeReaderAppliesDeletionVectors(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := keyedSchema(t)

	files := writeBatches(t, store, schema, []model.Record{
		ins(row(1, "a")), ins(row(2, "b")), ins(row(3, "c")),
	})
	require.Len(t, files, 1)

	// Drop the middle row by file position.
	dv := meta.NewDeletionVector()
	dv.Delete(1)
	refs, err := WriteDeletionVectors(ctx, store, map[string]*meta.DeletionVector{files[0].Path: dv})
	require.NoError(t, err)
	ref := refs[files[0].Path]
	files[0].DeleteVector = &ref

	r, err := NewMergeReader(ctx, store, rowbin.New(), files, WithMergeFunc(dedupFunc(t, schema)))
	require.NoError(t, err)
	defer r.Close()

	recs := readAll(t, r)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].Row[0].AsInt64())
	assert.Equal(t, int64(3), recs[1].Row[0].AsInt64())
}

func TestMergeReaderNoFiles(t *testing.T) {
	r, err := NewMergeReader(t.Context(), blobstore.NewMemoryStore(), rowbin.New(), nil)
	require.NoError(t, err)
	defer r.Close()

	_, err = r.Next()
	require.ErrorIs(t, err, io.EOF)
}
