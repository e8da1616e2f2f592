package lakego_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lakego"
	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

func TestCompactFullRewrite(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl,
		model.Row{model.Int64(1), model.String("a")},
		model.Row{model.Int64(2), model.String("b")},
	)
	commitRows(t, tbl, model.Row{model.Int64(1), model.String("a2")})

	require.NoError(t, tbl.Compact(ctx, lakego.CompactRequest{Full: true}))

	snaps, err := tbl.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, meta.CommitCompact, snaps[0].Kind)

	recs := scanRows(t, tbl)
	require.Len(t, recs, 2)
	assert.Equal(t, "a2", recs[0].Row[1].AsString())
	assert.Equal(t, "b", recs[1].Row[1].AsString())
}

func TestCompactFullDropsDeletes(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl,
		model.Row{model.Int64(1), model.String("a")},
		model.Row{model.Int64(2), model.String("b")},
	)

	w, err := tbl.NewWriter(ctx)
	require.NoError(t, err)
	require.NoError(t, w.Delete(ctx, model.Row{model.Int64(1), model.String("a")}))
	_, err = w.Commit(ctx)
	require.NoError(t, err)

	require.NoError(t, tbl.Compact(ctx, lakego.CompactRequest{Full: true}))

	recs := scanRows(t, tbl)
	require.Len(t, recs, 1)
	assert.Equal(t, int64(2), recs[0].Row[0].AsInt64())
}

func TestCompactSinglePartition(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, partitionedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl,
		model.Row{model.String("eu"), model.Int64(1), model.Int64(1)},
		model.Row{model.String("us"), model.Int64(2), model.Int64(2)},
	)
	commitRows(t, tbl,
		model.Row{model.String("eu"), model.Int64(1), model.Int64(10)},
	)

	eu := model.Partition{{Name: "region", Value: model.String("eu")}}
	require.NoError(t, tbl.Compact(ctx, lakego.CompactRequest{Partition: eu, Full: true}))

	snaps, err := tbl.Snapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.CommitCompact, snaps[0].Kind)

	recs := scanRows(t, tbl)
	require.Len(t, recs, 2)
}

func TestCompactNamedFiles(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl, model.Row{model.Int64(1), model.String("a")})
	commitRows(t, tbl, model.Row{model.Int64(1), model.String("b")})

	names, err := store.List(ctx, "data/")
	require.NoError(t, err)
	require.Len(t, names, 2)

	// Stale names are skipped, not an error.
	names = append(names, "data/bucket-0/gone.rowbin")
	require.NoError(t, tbl.Compact(ctx, lakego.CompactRequest{Files: names}))

	snaps, err := tbl.Snapshots(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.CommitCompact, snaps[0].Kind)

	recs := scanRows(t, tbl)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].Row[1].AsString())
}

func TestCompactEmptyTable(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	require.NoError(t, tbl.Compact(ctx, lakego.CompactRequest{Full: true}))

	snaps, err := tbl.Snapshots(ctx)
	require.NoError(t, err)
	assert.Empty(t, snaps)
}

func TestCompactAfterClose(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl, model.Row{model.Int64(1), model.String("a")})
	require.NoError(t, tbl.Close())

	err := tbl.Compact(ctx, lakego.CompactRequest{Full: true})
	require.ErrorIs(t, err, lakego.ErrClosed)
}

func TestExpireSnapshotsRetainMin(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	for i := int64(1); i <= 4; i++ {
		commitRows(t, tbl, model.Row{model.Int64(i), model.String("r")})
	}

	res, err := tbl.ExpireSnapshots(ctx, lakego.ExpirePolicy{RetainMin: 2})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, res.Expired)

	snaps, err := tbl.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	assert.Equal(t, uint64(4), snaps[0].ID)

	_, err = tbl.Scan(ctx, lakego.WithScanSnapshot(1))
	require.ErrorIs(t, err, lakego.ErrSnapshotNotFound)

	assert.Len(t, scanRows(t, tbl), 4)
}

func TestExpireReclaimsRewrittenFiles(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl, model.Row{model.Int64(1), model.String("a")})
	commitRows(t, tbl, model.Row{model.Int64(1), model.String("b")})
	require.NoError(t, tbl.Compact(ctx, lakego.CompactRequest{Full: true}))

	// Only the compacted snapshot survives; the two level-0 files it
	// replaced are unreferenced now and get deleted.
	res, err := tbl.ExpireSnapshots(ctx, lakego.ExpirePolicy{RetainMin: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, res.Expired)
	assert.Equal(t, 2, res.DataFiles)

	recs := scanRows(t, tbl)
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].Row[1].AsString())
}

func TestExpireZeroPolicyUsesDefault(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl, model.Row{model.Int64(1), model.String("a")})
	commitRows(t, tbl, model.Row{model.Int64(2), model.String("b")})

	// DefaultExpirePolicy retains ten snapshots; two fresh ones stay.
	res, err := tbl.ExpireSnapshots(ctx, lakego.ExpirePolicy{})
	require.NoError(t, err)
	assert.Empty(t, res.Expired)

	snaps, err := tbl.Snapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, snaps, 2)
}

func TestCleanupSweepsOrphans(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl, model.Row{model.Int64(1), model.String("a")})

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Put(ctx, "data/bucket-0/orphan.rowbin", []byte("x")))
	require.NoError(t, store.Put(ctx, "manifest/orphan.json", []byte("x")))
	require.NoError(t, store.Put(ctx, "data/bucket-0/young.rowbin", []byte("x")))
	store.SetModTime("data/bucket-0/orphan.rowbin", old)
	store.SetModTime("manifest/orphan.json", old)

	res, err := tbl.Cleanup(ctx, lakego.CleanupPolicy{})
	require.NoError(t, err)
	assert.Equal(t, []string{"data/bucket-0/orphan.rowbin", "manifest/orphan.json"}, res.Deleted)

	// The young orphan survives until its grace period passes.
	names, err := store.List(ctx, "data/")
	require.NoError(t, err)
	assert.Contains(t, names, "data/bucket-0/young.rowbin")

	// Referenced files are untouched.
	recs := scanRows(t, tbl)
	require.Len(t, recs, 1)

	store.SetModTime("data/bucket-0/young.rowbin", time.Now().Add(-2*time.Hour))
	res, err = tbl.Cleanup(ctx, lakego.CleanupPolicy{GracePeriod: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, []string{"data/bucket-0/young.rowbin"}, res.Deleted)
}

// noStatStore hides the Stat method of the wrapped store.
type noStatStore struct {
	blobstore.BlobStore
}

func TestCleanupRequiresStater(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	require.NoError(t, tbl.Close())

	wrapped, err := lakego.Open(t.Context(), noStatStore{store},
		lakego.WithBackgroundCompaction(false))
	require.NoError(t, err)
	defer wrapped.Close()

	_, err = wrapped.Cleanup(t.Context(), lakego.CleanupPolicy{})
	require.ErrorIs(t, err, lakego.ErrInvalidConfig)
}

func TestSnapshotsNewestFirst(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	for i := int64(1); i <= 3; i++ {
		commitRows(t, tbl, model.Row{model.Int64(i), model.String("r")})
	}

	snaps, err := tbl.Snapshots(ctx)
	require.NoError(t, err)
	require.Len(t, snaps, 3)

	assert.Equal(t, uint64(3), snaps[0].ID)
	assert.Equal(t, uint64(2), snaps[1].ID)
	assert.Equal(t, uint64(1), snaps[2].ID)
	for i, snap := range snaps {
		assert.Equal(t, meta.CommitAppend, snap.Kind)
		assert.NotEmpty(t, snap.CommitID)
		assert.False(t, snap.Time.IsZero())
		if i < 2 {
			assert.Equal(t, snaps[i+1].ID, snap.PrevID)
		}
	}
	assert.Zero(t, snaps[2].PrevID)
}
