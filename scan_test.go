package lakego_test

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lakego"
	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/model"
)

func TestScanEmptyTable(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	scan, err := tbl.Scan(ctx)
	require.NoError(t, err)
	defer scan.Close()

	assert.Zero(t, scan.SnapshotID())
	_, err = scan.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
}

func TestScanSnapshotPinsState(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))

	first := commitRows(t, tbl, model.Row{model.Int64(1), model.String("v1")})
	commitRows(t, tbl, model.Row{model.Int64(1), model.String("v2")})

	recs := scanRows(t, tbl)
	require.Len(t, recs, 1)
	assert.Equal(t, "v2", recs[0].Row[1].AsString())

	recs = scanRows(t, tbl, lakego.WithScanSnapshot(first.SnapshotID))
	require.Len(t, recs, 1)
	assert.Equal(t, "v1", recs[0].Row[1].AsString())
}

func TestScanUnknownSnapshot(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	commitRows(t, tbl, model.Row{model.Int64(1), model.String("a")})

	_, err := tbl.Scan(t.Context(), lakego.WithScanSnapshot(99))
	require.ErrorIs(t, err, lakego.ErrSnapshotNotFound)
}

func TestScanReportsSnapshotID(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl, model.Row{model.Int64(1), model.String("a")})
	commitRows(t, tbl, model.Row{model.Int64(2), model.String("b")})

	scan, err := tbl.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), scan.SnapshotID())
	require.NoError(t, scan.Close())

	scan, err = tbl.Scan(ctx, lakego.WithScanSnapshot(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), scan.SnapshotID())
	require.NoError(t, scan.Close())
}

func TestScanKeyRange(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))

	var rows []model.Row
	for i := int64(1); i <= 10; i++ {
		rows = append(rows, model.Row{model.Int64(i), model.String("r")})
	}
	commitRows(t, tbl, rows...)

	// Both bounds are inclusive.
	recs := scanRows(t, tbl, lakego.WithKeyRange(
		model.Row{model.Int64(3)},
		model.Row{model.Int64(7)},
	))
	var ids []int64
	for _, rec := range recs {
		ids = append(ids, rec.Row[0].AsInt64())
	}
	assert.Equal(t, []int64{3, 4, 5, 6, 7}, ids)

	// Half-open on one side.
	recs = scanRows(t, tbl, lakego.WithKeyRange(model.Row{model.Int64(9)}, nil))
	assert.Len(t, recs, 2)
}

func TestScanKeyRangeValidation(t *testing.T) {
	ctx := t.Context()

	t.Run("wrong arity", func(t *testing.T) {
		tbl := newTestTable(t, blobstore.NewMemoryStore(), keyedSchema(t))
		_, err := tbl.Scan(ctx, lakego.WithKeyRange(
			model.Row{model.Int64(1), model.Int64(2)}, nil,
		))
		require.ErrorIs(t, err, lakego.ErrInvalidConfig)
	})

	t.Run("keyless table", func(t *testing.T) {
		tbl := newTestTable(t, blobstore.NewMemoryStore(), appendSchema(t))
		_, err := tbl.Scan(ctx, lakego.WithKeyRange(model.Row{model.String("a")}, nil))
		require.ErrorIs(t, err, lakego.ErrInvalidConfig)
	})
}

func TestScanPartitionPruning(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, partitionedSchema(t))

	commitRows(t, tbl,
		model.Row{model.String("eu"), model.Int64(1), model.Int64(1)},
		model.Row{model.String("eu"), model.Int64(2), model.Int64(2)},
		model.Row{model.String("us"), model.Int64(3), model.Int64(3)},
	)

	eu := model.Partition{{Name: "region", Value: model.String("eu")}}
	recs := scanRows(t, tbl, lakego.WithPartition(eu))
	require.Len(t, recs, 2)
	for _, rec := range recs {
		assert.Equal(t, "eu", rec.Row[0].AsString())
	}

	ap := model.Partition{{Name: "region", Value: model.String("ap")}}
	assert.Empty(t, scanRows(t, tbl, lakego.WithPartition(ap)))
}

// TestScanIsolation verifies an open scanner keeps reading the state it
// pinned while later commits change the table.
func TestScanIsolation(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl,
		model.Row{model.Int64(1), model.String("a")},
		model.Row{model.Int64(2), model.String("b")},
	)

	scan, err := tbl.Scan(ctx)
	require.NoError(t, err)
	defer scan.Close()

	// Change the table under the open scanner.
	commitRows(t, tbl, model.Row{model.Int64(1), model.String("changed")})
	commitRows(t, tbl, model.Row{model.Int64(3), model.String("c")})

	var got []string
	for rec, err := range scan.Records(ctx) {
		require.NoError(t, err)
		got = append(got, rec.Row[1].AsString())
	}
	assert.Equal(t, []string{"a", "b"}, got)

	recs := scanRows(t, tbl)
	assert.Len(t, recs, 3)
}

// TestScanPinBlocksExpiration verifies expiration spares the pinned
// snapshot and everything above it while a scanner is open.
func TestScanPinBlocksExpiration(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	for i := 1; i <= 5; i++ {
		commitRows(t, tbl, model.Row{model.Int64(1), model.String(string(rune('a' + i - 1)))})
	}

	scan, err := tbl.Scan(ctx, lakego.WithScanSnapshot(2))
	require.NoError(t, err)

	res, err := tbl.ExpireSnapshots(ctx, lakego.ExpirePolicy{RetainMin: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, res.Expired)

	// The pinned snapshot still reads cleanly after expiration.
	recs := scanRows(t, tbl, lakego.WithScanSnapshot(2))
	require.Len(t, recs, 1)
	assert.Equal(t, "b", recs[0].Row[1].AsString())

	var got []string
	for rec, err := range scan.Records(ctx) {
		require.NoError(t, err)
		got = append(got, rec.Row[1].AsString())
	}
	assert.Equal(t, []string{"b"}, got)
	require.NoError(t, scan.Close())

	// With the pin released the rest of the backlog can go.
	res, err = tbl.ExpireSnapshots(ctx, lakego.ExpirePolicy{RetainMin: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2, 3, 4}, res.Expired)

	_, err = tbl.Scan(ctx, lakego.WithScanSnapshot(2))
	require.ErrorIs(t, err, lakego.ErrSnapshotNotFound)
}

func TestScanRecordsEarlyBreak(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))
	ctx := t.Context()

	commitRows(t, tbl,
		model.Row{model.Int64(1), model.String("a")},
		model.Row{model.Int64(2), model.String("b")},
		model.Row{model.Int64(3), model.String("c")},
	)

	scan, err := tbl.Scan(ctx)
	require.NoError(t, err)

	seen := 0
	for _, err := range scan.Records(ctx) {
		require.NoError(t, err)
		seen++
		if seen == 1 {
			break
		}
	}
	assert.Equal(t, 1, seen)
	require.NoError(t, scan.Close())
}

func TestScannerCloseIdempotent(t *testing.T) {
	store := blobstore.NewMemoryStore()
	tbl := newTestTable(t, store, keyedSchema(t))

	scan, err := tbl.Scan(t.Context())
	require.NoError(t, err)
	require.NoError(t, scan.Close())
	require.NoError(t, scan.Close())
}
