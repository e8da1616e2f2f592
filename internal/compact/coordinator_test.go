package compact

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/format/rowbin"
	"github.com/hupe1980/lakego/internal/commit"
	"github.com/hupe1980/lakego/internal/lsm"
	"github.com/hupe1980/lakego/internal/manifest"
	"github.com/hupe1980/lakego/internal/snapshot"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// coordFixture bundles one table's metadata layers over a shared store.
type coordFixture struct {
	store blobstore.BlobStore
	ms    *manifest.Store
	ss    *snapshot.Store
	c     *commit.Committer
	rw    *Rewriter
}

func newCoordFixture(t *testing.T, store blobstore.BlobStore, schema *model.Schema, copts ...commit.Option) *coordFixture {
	t.Helper()

	ms := manifest.NewStore(store)
	ss := snapshot.NewStore(store, ms)

	var ropts []RewriterOption
	if schema.HasPrimaryKey() {
		ropts = append(ropts, WithMergeFactory(dedupFactory(t, schema)))
	}
	rw, err := NewRewriter(store, rowbin.New(), schema, ropts...)
	require.NoError(t, err)

	return &coordFixture{
		store: store,
		ms:    ms,
		ss:    ss,
		c:     commit.NewCommitter(ss, ms, copts...),
		rw:    rw,
	}
}

func (f *coordFixture) coordinator(t *testing.T, opts ...Option) *Coordinator {
	t.Helper()

	c, err := NewCoordinator(f.ss, f.ms, f.c, f.rw, opts...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

// appendBatch writes the records, flushes them and commits the result
// as one append snapshot.
func (f *coordFixture) appendBatch(t *testing.T, w *lsm.Writer, id string, recs ...model.Record) []meta.DataFileMeta {
	t.Helper()
	ctx := t.Context()

	for _, rec := range recs {
		require.NoError(t, w.Write(ctx, rec.Kind, rec.Row))
	}
	files, err := w.Flush(ctx)
	require.NoError(t, err)

	_, err = f.c.Commit(ctx, commit.Proposal{Adds: files, CommitID: id, Kind: meta.CommitAppend})
	require.NoError(t, err)
	return files
}

// liveSet replays the latest snapshot's file set.
func (f *coordFixture) liveSet(t *testing.T) *manifest.FileSet {
	t.Helper()
	ctx := t.Context()

	latest, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	manifests, err := f.ms.ReadList(ctx, latest.ManifestList)
	require.NoError(t, err)
	fs, err := f.ms.FileSet(ctx, manifests)
	require.NoError(t, err)
	return fs
}

// countingPicker counts picker calls to make coalescing observable.
type countingPicker struct {
	inner Picker
	fulls atomic.Int32
}

func (p *countingPicker) Pick(levels lsm.Levels) *Plan {
	return p.inner.Pick(levels)
}

func (p *countingPicker) PickFull(levels lsm.Levels) *Plan {
	p.fulls.Add(1)
	return p.inner.PickFull(levels)
}

func TestCoordinatorRunFullCompaction(t *testing.T) {
	ctx := t.Context()
	schema := keyedSchema(t)
	f := newCoordFixture(t, blobstore.NewMemoryStore(), schema)

	w, err := lsm.NewWriter(f.store, rowbin.New(), schema)
	require.NoError(t, err)
	f.appendBatch(t, w, "w-1", ins(row(1, "a")), ins(row(2, "b")))
	f.appendBatch(t, w, "w-2", upd(row(2, "b2")), ins(row(3, "c")))
	f.appendBatch(t, w, "w-3", del(row(1, "a")))

	coord := f.coordinator(t)
	require.NoError(t, coord.Run(ctx, Request{Bucket: 0, Full: true}))

	latest, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(4), latest.ID)
	assert.Equal(t, meta.CommitCompact, latest.CommitKind)

	fs := f.liveSet(t)
	files := fs.Files()
	require.Len(t, files, 1)
	assert.Equal(t, DefaultMaxLevel, files[0].Level)

	// The full rewrite folded history and dropped the tombstone.
	recs := readFiles(t, f.store, rowbin.New(), files)
	require.Len(t, recs, 2)
	assert.Equal(t, int64(2), recs[0].Row[0].AsInt64())
	assert.Equal(t, "b2", recs[0].Row[1].AsString())
	assert.Equal(t, int64(3), recs[1].Row[0].AsInt64())
}

func TestCoordinatorNothingToCompact(t *testing.T) {
	ctx := t.Context()
	schema := keyedSchema(t)
	f := newCoordFixture(t, blobstore.NewMemoryStore(), schema)
	coord := f.coordinator(t)

	// Empty table: no snapshot appears.
	require.NoError(t, coord.Run(ctx, Request{Bucket: 0}))
	latest, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	assert.Nil(t, latest)

	// A balanced bucket stays as it is.
	w, err := lsm.NewWriter(f.store, rowbin.New(), schema)
	require.NoError(t, err)
	f.appendBatch(t, w, "w-1", ins(row(1, "a")))

	require.NoError(t, coord.Run(ctx, Request{Bucket: 0}))
	latest, err = f.ss.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(1), latest.ID)
}

func TestCoordinatorPicksWhenLevelZeroPilesUp(t *testing.T) {
	ctx := t.Context()
	schema := keyedSchema(t)
	f := newCoordFixture(t, blobstore.NewMemoryStore(), schema)

	w, err := lsm.NewWriter(f.store, rowbin.New(), schema)
	require.NoError(t, err)
	f.appendBatch(t, w, "w-1", ins(row(1, "a")))
	f.appendBatch(t, w, "w-2", ins(row(2, "b")))
	f.appendBatch(t, w, "w-3", ins(row(3, "c")))

	coord := f.coordinator(t, WithPicker(NewLeveled(LeveledOptions{Level0FileCount: 2})))
	require.NoError(t, coord.Run(ctx, Request{Bucket: 0}))

	latest, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, meta.CommitCompact, latest.CommitKind)

	fs := f.liveSet(t)
	files := fs.Files()
	require.Len(t, files, 1)
	assert.Equal(t, 1, files[0].Level)
	assert.EqualValues(t, 3, files[0].RowCount)
}

func TestCoordinatorCompactsNamedFiles(t *testing.T) {
	ctx := t.Context()
	schema := keyedSchema(t)
	f := newCoordFixture(t, blobstore.NewMemoryStore(), schema)

	w, err := lsm.NewWriter(f.store, rowbin.New(), schema)
	require.NoError(t, err)
	f1 := f.appendBatch(t, w, "w-1", ins(row(1, "a")), ins(row(2, "b")))
	f2 := f.appendBatch(t, w, "w-2", upd(row(2, "b2")))
	f3 := f.appendBatch(t, w, "w-3", ins(row(50, "x")))

	// Naming one file pulls in its key-overlapping sibling but leaves
	// the disjoint one alone.
	coord := f.coordinator(t)
	require.NoError(t, coord.Run(ctx, Request{Bucket: 0, Files: []string{f1[0].Path}}))

	fs := f.liveSet(t)
	assert.Equal(t, 2, fs.Len())
	assert.True(t, fs.Contains(f3[0].Path))
	assert.False(t, fs.Contains(f1[0].Path))
	assert.False(t, fs.Contains(f2[0].Path))

	for _, fm := range fs.Files() {
		if fm.Path == f3[0].Path {
			continue
		}
		assert.Equal(t, 1, fm.Level)
		assert.EqualValues(t, 2, fm.RowCount)
	}

	// Names no longer live plan nothing.
	require.NoError(t, coord.Run(ctx, Request{Bucket: 0, Files: []string{f1[0].Path}}))
	latest, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), latest.ID)
}

func TestCoordinatorScopesToPartition(t *testing.T) {
	ctx := t.Context()
	schema := &model.Schema{
		Fields: []model.Field{
			{Name: "region", Type: model.TypeString},
			{Name: "id", Type: model.TypeInt64},
		},
		KeyFields:       []string{"id"},
		PartitionFields: []string{"region"},
		BucketCount:     1,
	}
	require.NoError(t, schema.Validate())

	f := newCoordFixture(t, blobstore.NewMemoryStore(), schema)
	w, err := lsm.NewWriter(f.store, rowbin.New(), schema)
	require.NoError(t, err)

	var eu model.Partition
	for i := int64(1); i <= 3; i++ {
		files := f.appendBatch(t, w, fmt.Sprintf("w-%d", i),
			ins(model.Row{model.String("eu"), model.Int64(i)}),
			ins(model.Row{model.String("us"), model.Int64(i)}))
		require.Len(t, files, 2)
		for _, fm := range files {
			if fm.Partition.Key() == "region=eu" {
				eu = fm.Partition
			}
		}
	}
	require.NotNil(t, eu)

	coord := f.coordinator(t)
	require.NoError(t, coord.Run(ctx, Request{Partition: eu, Bucket: 0, Full: true}))

	fs := f.liveSet(t)
	euFiles := fs.Bucket(eu, 0)
	require.Len(t, euFiles, 1)
	assert.Equal(t, DefaultMaxLevel, euFiles[0].Level)

	// The sibling partition keeps its three level-0 files.
	assert.Equal(t, 4, fs.Len())
}

// gateStore holds data file opens until released, keeping a rewrite in
// flight while the test queues more triggers.
type gateStore struct {
	*blobstore.MemoryStore
	hold    chan struct{}
	entered chan struct{}
	armed   atomic.Bool
	once    sync.Once
}

func newGateStore() *gateStore {
	return &gateStore{
		MemoryStore: blobstore.NewMemoryStore(),
		hold:        make(chan struct{}),
		entered:     make(chan struct{}),
	}
}

func (s *gateStore) Open(ctx context.Context, name string) (blobstore.Blob, error) {
	if s.armed.Load() && strings.HasPrefix(name, lsm.DataPrefix) {
		s.once.Do(func() { close(s.entered) })
		<-s.hold
	}
	return s.MemoryStore.Open(ctx, name)
}

func TestCoordinatorCoalescesBusyBucket(t *testing.T) {
	ctx := t.Context()
	schema := keyedSchema(t)
	gs := newGateStore()
	f := newCoordFixture(t, gs, schema)

	w, err := lsm.NewWriter(f.store, rowbin.New(), schema)
	require.NoError(t, err)
	f.appendBatch(t, w, "w-1", ins(row(1, "a")))
	f.appendBatch(t, w, "w-2", ins(row(2, "b")))
	f.appendBatch(t, w, "w-3", ins(row(3, "c")))

	picker := &countingPicker{inner: NewLeveled(DefaultLeveledOptions())}
	coord := f.coordinator(t, WithPicker(picker))

	gs.armed.Store(true)
	runErr := make(chan error, 1)
	go func() { runErr <- coord.Run(ctx, Request{Bucket: 0, Full: true}) }()
	<-gs.entered

	// The bucket is busy; both triggers coalesce into one follow-up.
	require.NoError(t, coord.Trigger(ctx, Request{Bucket: 0, Full: true}))
	require.NoError(t, coord.Trigger(ctx, Request{Bucket: 0, Full: true}))

	close(gs.hold)
	require.NoError(t, <-runErr)

	require.Eventually(t, func() bool {
		coord.mu.Lock()
		defer coord.mu.Unlock()
		return len(coord.busy) == 0
	}, time.Second, time.Millisecond)

	// Three triggers, two runs: the first plus one coalesced follow-up,
	// which found the bucket already compacted.
	assert.EqualValues(t, 2, picker.fulls.Load())

	latest, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(4), latest.ID)
	assert.Equal(t, meta.CommitCompact, latest.CommitKind)
}

// raceStore runs a callback before one metadata publish, letting the
// test land a competing commit while a compaction is mid-commit.
type raceStore struct {
	*blobstore.MemoryStore
	mu    sync.Mutex
	onPut func()
}

func (s *raceStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	fn := s.onPut
	s.onPut = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return s.MemoryStore.PutIfAbsent(ctx, name, data)
}

func TestCoordinatorRepicksAfterLostRace(t *testing.T) {
	ctx := t.Context()
	schema := keyedSchema(t)
	inner := blobstore.NewMemoryStore()
	rs := &raceStore{MemoryStore: inner}

	f := newCoordFixture(t, rs, schema, commit.WithRetryBackoff(time.Millisecond, time.Millisecond))
	w, err := lsm.NewWriter(inner, rowbin.New(), schema)
	require.NoError(t, err)
	f.appendBatch(t, w, "w-1", ins(row(1, "a")))
	f.appendBatch(t, w, "w-2", ins(row(2, "b")))
	f.appendBatch(t, w, "w-3", ins(row(3, "c")))

	picker := &countingPicker{inner: NewLeveled(DefaultLeveledOptions())}
	coord := f.coordinator(t, WithPicker(picker))

	// A competitor on the raw store full-compacts the bucket the moment
	// the coordinator tries to publish its own result.
	comp := newCoordFixture(t, inner, schema)
	compCoord := comp.coordinator(t)
	var competErr error
	rs.mu.Lock()
	rs.onPut = func() {
		competErr = compCoord.Run(context.Background(), Request{Bucket: 0, Full: true})
	}
	rs.mu.Unlock()

	require.NoError(t, coord.Run(ctx, Request{Bucket: 0, Full: true}))
	require.NoError(t, competErr)

	// The competitor's snapshot is the only compaction. The loser
	// re-picked, found nothing left to do, and kept quiet.
	latest, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(4), latest.ID)
	assert.Equal(t, meta.CommitCompact, latest.CommitKind)
	assert.EqualValues(t, 2, picker.fulls.Load())

	fs := f.liveSet(t)
	require.Equal(t, 1, fs.Len())

	// The loser's outputs were discarded: three originals plus the
	// winner's output remain on disk.
	names, err := inner.List(ctx, lsm.DataPrefix)
	require.NoError(t, err)
	assert.Len(t, names, 4)
}

func TestCoordinatorClosed(t *testing.T) {
	schema := keyedSchema(t)
	f := newCoordFixture(t, blobstore.NewMemoryStore(), schema)
	coord := f.coordinator(t)

	coord.Close()
	coord.Close()

	assert.ErrorIs(t, coord.Trigger(t.Context(), Request{Bucket: 0}), ErrClosed)
	assert.ErrorIs(t, coord.Run(t.Context(), Request{Bucket: 0}), ErrClosed)
}
