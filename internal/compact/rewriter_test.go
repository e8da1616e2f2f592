package compact

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/format"
	"github.com/hupe1980/lakego/format/rowbin"
	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/merge"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

func keyedSchema(t *testing.T) *model.Schema {
	t.Helper()

	s := &model.Schema{
		Fields: []model.Field{
			{Name: "id", Type: model.TypeInt64},
			{Name: "name", Type: model.TypeString},
		},
		KeyFields:   []string{"id"},
		BucketCount: 1,
	}
	require.NoError(t, s.Validate())
	return s
}

func appendSchema(t *testing.T) *model.Schema {
	t.Helper()

	s := &model.Schema{
		Fields: []model.Field{
			{Name: "msg", Type: model.TypeString},
		},
		BucketCount: 1,
	}
	require.NoError(t, s.Validate())
	return s
}

func row(id int64, name string) model.Row {
	return model.Row{model.Int64(id), model.String(name)}
}

func ins(r model.Row) model.Record { return model.Record{Kind: model.KindInsert, Row: r} }
func upd(r model.Row) model.Record { return model.Record{Kind: model.KindUpdate, Row: r} }
func del(r model.Row) model.Record { return model.Record{Kind: model.KindDelete, Row: r} }

// flushOne writes the records through w and flushes them into a single
// level-0 file.
func flushOne(t *testing.T, w *lsm.Writer, recs ...model.Record) meta.DataFileMeta {
	t.Helper()
	ctx := t.Context()

	for _, rec := range recs {
		require.NoError(t, w.Write(ctx, rec.Kind, rec.Row))
	}
	files, err := w.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, files, 1)
	return files[0]
}

func readFiles(t *testing.T, store blobstore.BlobStore, f format.ReaderFactory, files []meta.DataFileMeta) []model.Record {
	t.Helper()

	r, err := lsm.NewMergeReader(t.Context(), store, f, files)
	require.NoError(t, err)
	defer r.Close()

	var out []model.Record
	for {
		rec, err := r.Next()
		if errors.Is(err, io.EOF) {
			return out
		}
		require.NoError(t, err)
		out = append(out, rec)
	}
}

func dedupFactory(t *testing.T, schema *model.Schema) merge.Factory {
	t.Helper()

	mf, err := merge.NewFactory(merge.Config{}, schema)
	require.NoError(t, err)
	return mf
}

func TestRewriteMergesKeyVersions(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := keyedSchema(t)

	w, err := lsm.NewWriter(store, rowbin.New(), schema)
	require.NoError(t, err)
	f1 := flushOne(t, w, ins(row(1, "a")), ins(row(2, "b")), ins(row(3, "c")))
	f2 := flushOne(t, w, upd(row(2, "b2")), del(row(3, "c")))

	r, err := NewRewriter(store, rowbin.New(), schema, WithMergeFactory(dedupFactory(t, schema)))
	require.NoError(t, err)

	outputs, err := r.Rewrite(ctx, &Plan{Inputs: []meta.DataFileMeta{f1, f2}, TargetLevel: 1})
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	out := outputs[0]
	assert.Equal(t, 1, out.Level)
	assert.Equal(t, uint32(0), out.Bucket)
	assert.EqualValues(t, 3, out.RowCount)
	assert.Equal(t, f1.MinKey, out.MinKey)
	assert.Equal(t, f1.MaxKey, out.MaxKey)
	assert.EqualValues(t, 0, out.MinSequence)
	assert.EqualValues(t, 4, out.MaxSequence)

	// One surviving version per key; the tombstone stays because the
	// rewrite did not cover the whole bucket's history.
	recs := readFiles(t, store, rowbin.New(), outputs)
	require.Len(t, recs, 3)
	assert.Equal(t, model.KindInsert, recs[0].Kind)
	assert.Equal(t, "a", recs[0].Row[1].AsString())
	assert.Equal(t, model.KindUpdate, recs[1].Kind)
	assert.Equal(t, "b2", recs[1].Row[1].AsString())
	assert.Equal(t, model.KindDelete, recs[2].Kind)
	assert.Equal(t, int64(3), recs[2].Row[0].AsInt64())
}

func TestRewriteDropsTombstonesOnFullRewrite(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := keyedSchema(t)

	w, err := lsm.NewWriter(store, rowbin.New(), schema)
	require.NoError(t, err)
	f1 := flushOne(t, w, ins(row(1, "a")), ins(row(2, "b")), ins(row(3, "c")))
	f2 := flushOne(t, w, upd(row(2, "b2")), del(row(3, "c")))

	r, err := NewRewriter(store, rowbin.New(), schema, WithMergeFactory(dedupFactory(t, schema)))
	require.NoError(t, err)

	outputs, err := r.Rewrite(ctx, &Plan{
		Inputs:      []meta.DataFileMeta{f1, f2},
		TargetLevel: 2,
		DropDelete:  true,
	})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, 2, outputs[0].Level)
	assert.EqualValues(t, 2, outputs[0].RowCount)

	recs := readFiles(t, store, rowbin.New(), outputs)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(1), recs[0].Row[0].AsInt64())
	assert.Equal(t, int64(2), recs[1].Row[0].AsInt64())
	assert.Equal(t, "b2", recs[1].Row[1].AsString())
}

func TestRewriteSplitsAtTargetSize(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := keyedSchema(t)
	f := rowbin.New(rowbin.WithBlockSize(1), rowbin.WithCompression(rowbin.CompressionNone))

	w, err := lsm.NewWriter(store, f, schema)
	require.NoError(t, err)
	in := flushOne(t, w, ins(row(1, "a")), ins(row(2, "b")), ins(row(3, "c")), ins(row(4, "d")))

	r, err := NewRewriter(store, f, schema,
		WithMergeFactory(dedupFactory(t, schema)), WithTargetFileSize(1))
	require.NoError(t, err)

	outputs, err := r.Rewrite(ctx, &Plan{Inputs: []meta.DataFileMeta{in}, TargetLevel: 1})
	require.NoError(t, err)
	require.Len(t, outputs, 4)
	for _, out := range outputs {
		assert.Equal(t, 1, out.Level)
		assert.EqualValues(t, 1, out.RowCount)
	}

	// Splitting between records keeps the outputs disjoint; they must
	// form a valid sorted run at the target level.
	lv, err := lsm.NewLevels(outputs)
	require.NoError(t, err)
	assert.Equal(t, 4, lv.Len())

	recs := readFiles(t, store, f, outputs)
	require.Len(t, recs, 4)
	for i, rec := range recs {
		assert.Equal(t, int64(i+1), rec.Row[0].AsInt64())
	}
}

func TestRewriteAppendOnly(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := appendSchema(t)

	w, err := lsm.NewWriter(store, rowbin.New(), schema)
	require.NoError(t, err)
	f1 := flushOne(t, w,
		ins(model.Row{model.String("one")}),
		ins(model.Row{model.String("two")}))
	f2 := flushOne(t, w, ins(model.Row{model.String("three")}))

	// No merge engine needed without a primary key.
	r, err := NewRewriter(store, rowbin.New(), schema)
	require.NoError(t, err)

	outputs, err := r.Rewrite(ctx, &Plan{Inputs: []meta.DataFileMeta{f1, f2}, TargetLevel: 1})
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.EqualValues(t, 3, outputs[0].RowCount)

	recs := readFiles(t, store, rowbin.New(), outputs)
	require.Len(t, recs, 3)
	assert.Equal(t, "one", recs[0].Row[0].AsString())
	assert.Equal(t, "two", recs[1].Row[0].AsString())
	assert.Equal(t, "three", recs[2].Row[0].AsString())
}

func TestRewriteAllTombstonesYieldsNoOutputs(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := keyedSchema(t)

	w, err := lsm.NewWriter(store, rowbin.New(), schema)
	require.NoError(t, err)
	f1 := flushOne(t, w, ins(row(1, "a")))
	f2 := flushOne(t, w, del(row(1, "a")))

	r, err := NewRewriter(store, rowbin.New(), schema, WithMergeFactory(dedupFactory(t, schema)))
	require.NoError(t, err)

	outputs, err := r.Rewrite(ctx, &Plan{
		Inputs:      []meta.DataFileMeta{f1, f2},
		TargetLevel: 2,
		DropDelete:  true,
	})
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestRewriteNilPlan(t *testing.T) {
	r, err := NewRewriter(blobstore.NewMemoryStore(), rowbin.New(), appendSchema(t))
	require.NoError(t, err)

	outputs, err := r.Rewrite(t.Context(), nil)
	require.NoError(t, err)
	assert.Empty(t, outputs)
}

func TestRewriteRejectsMixedBuckets(t *testing.T) {
	r, err := NewRewriter(blobstore.NewMemoryStore(), rowbin.New(), appendSchema(t))
	require.NoError(t, err)

	_, err = r.Rewrite(t.Context(), &Plan{
		Inputs: []meta.DataFileMeta{
			{Path: "data/a", Bucket: 0},
			{Path: "data/b", Bucket: 1},
		},
		TargetLevel: 1,
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "mixes bucket")
}

func TestNewRewriterKeyedNeedsMergeEngine(t *testing.T) {
	_, err := NewRewriter(blobstore.NewMemoryStore(), rowbin.New(), keyedSchema(t))
	require.Error(t, err)
	assert.ErrorContains(t, err, "merge engine")
}

func TestDiscardRemovesOutputs(t *testing.T) {
	ctx := t.Context()
	store := blobstore.NewMemoryStore()
	schema := keyedSchema(t)

	w, err := lsm.NewWriter(store, rowbin.New(), schema)
	require.NoError(t, err)
	in := flushOne(t, w, ins(row(1, "a")), ins(row(2, "b")))

	r, err := NewRewriter(store, rowbin.New(), schema, WithMergeFactory(dedupFactory(t, schema)))
	require.NoError(t, err)

	outputs, err := r.Rewrite(ctx, &Plan{Inputs: []meta.DataFileMeta{in}, TargetLevel: 1})
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	r.Discard(ctx, outputs)

	names, err := store.List(ctx, lsm.DataPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{in.Path}, names)
}

func TestRewriteMissingInputFails(t *testing.T) {
	store := blobstore.NewMemoryStore()
	r, err := NewRewriter(store, rowbin.New(), appendSchema(t))
	require.NoError(t, err)

	_, err = r.Rewrite(t.Context(), &Plan{
		Inputs:      []meta.DataFileMeta{{Path: "data/bucket-0/missing.rowbin", Bucket: 0}},
		TargetLevel: 1,
	})
	require.ErrorIs(t, err, blobstore.ErrNotFound)

	// A failed rewrite leaves no stray outputs behind.
	names, err := store.List(t.Context(), lsm.DataPrefix)
	require.NoError(t, err)
	assert.Empty(t, names)
}
