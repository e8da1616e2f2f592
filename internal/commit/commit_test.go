package commit

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/internal/manifest"
	"github.com/hupe1980/lakego/internal/snapshot"
	"github.com/hupe1980/lakego/meta"
)

type fixture struct {
	store *blobstore.MemoryStore
	ms    *manifest.Store
	ss    *snapshot.Store
	c     *Committer
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()

	store := blobstore.NewMemoryStore()
	ms := manifest.NewStore(store)
	ss := snapshot.NewStore(store, ms)
	return &fixture{store: store, ms: ms, ss: ss, c: NewCommitter(ss, ms, opts...)}
}

// liveSet replays the latest snapshot's file set.
func (f *fixture) liveSet(t *testing.T) *manifest.FileSet {
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

func dataFile(path string, bucket uint32) meta.DataFileMeta {
	return meta.DataFileMeta{
		Path:     path,
		Bucket:   bucket,
		RowCount: 10,
		FileSize: 100,
	}
}

func TestCommitFirstSnapshot(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	res, err := f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/f1", 0), dataFile("data/f2", 1)},
		CommitID: "c-1",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), res.SnapshotID)

	latest, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, uint64(1), latest.ID)
	assert.Zero(t, latest.PrevID)
	assert.Equal(t, "c-1", latest.CommitID)
	assert.Equal(t, meta.CommitAppend, latest.CommitKind)
	assert.False(t, latest.BaseRewrite)
	assert.Positive(t, latest.TimestampMs)

	fs := f.liveSet(t)
	assert.Equal(t, 2, fs.Len())
	assert.True(t, fs.Contains("data/f1"))
	assert.True(t, fs.Contains("data/f2"))
}

func TestCommitExtendsChain(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	_, err := f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/f1", 0)},
		CommitID: "c-1",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)

	res, err := f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/f2", 0)},
		CommitID: "c-2",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.SnapshotID)

	latest, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), latest.PrevID)

	fs := f.liveSet(t)
	assert.True(t, fs.Contains("data/f1"))
	assert.True(t, fs.Contains("data/f2"))
}

func TestCommitCompactReplacesInputs(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	f1, f2 := dataFile("data/f1", 0), dataFile("data/f2", 0)
	_, err := f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{f1, f2},
		CommitID: "c-1",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)

	compacted := dataFile("data/c1", 0)
	compacted.Level = 1
	res, err := f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{compacted},
		Deletes:  []meta.DataFileMeta{f1, f2},
		CommitID: "c-2",
		Kind:     meta.CommitCompact,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.SnapshotID)

	fs := f.liveSet(t)
	assert.Equal(t, 1, fs.Len())
	assert.True(t, fs.Contains("data/c1"))
}

func TestProposalValidation(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	tests := []struct {
		name string
		p    Proposal
	}{
		{"missing commit id", Proposal{Adds: []meta.DataFileMeta{dataFile("data/f1", 0)}}},
		{"no changes", Proposal{CommitID: "c-1"}},
		{"empty add path", Proposal{Adds: []meta.DataFileMeta{{}}, CommitID: "c-1"}},
		{"duplicate add", Proposal{
			Adds:     []meta.DataFileMeta{dataFile("data/f1", 0), dataFile("data/f1", 0)},
			CommitID: "c-1",
		}},
		{"duplicate delete", Proposal{
			Deletes:  []meta.DataFileMeta{dataFile("data/f1", 0), dataFile("data/f1", 0)},
			CommitID: "c-1",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.c.Commit(ctx, tt.p)
			var fe *FatalError
			require.ErrorAs(t, err, &fe)
		})
	}

	// Nothing was published.
	names, err := f.store.List(ctx, snapshot.Prefix)
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestCommitIdempotentResubmission(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	p := Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/f1", 0)},
		CommitID: "c-1",
		Kind:     meta.CommitAppend,
	}
	res1, err := f.c.Commit(ctx, p)
	require.NoError(t, err)

	before, err := f.store.List(ctx, manifest.Prefix)
	require.NoError(t, err)

	res2, err := f.c.Commit(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, res1.SnapshotID, res2.SnapshotID)

	// No new snapshot and no new metadata blobs.
	_, err = f.ss.Snapshot(ctx, 2)
	require.ErrorIs(t, err, blobstore.ErrNotFound)
	after, err := f.store.List(ctx, manifest.Prefix)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// raceStore runs a callback before every snapshot publish, letting
// tests interleave a competing commit at the protocol's only
// serialization point.
type raceStore struct {
	*blobstore.MemoryStore
	mu       sync.Mutex
	onPut    func()
	everyPut bool
}

func (s *raceStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	s.mu.Lock()
	fn := s.onPut
	if !s.everyPut {
		s.onPut = nil
	}
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
	return s.MemoryStore.PutIfAbsent(ctx, name, data)
}

// racingFixture returns a committer whose snapshot publishes can be
// intercepted, plus a plain competitor on the same underlying store.
func racingFixture(t *testing.T, opts ...Option) (*raceStore, *Committer, *fixture) {
	t.Helper()

	inner := blobstore.NewMemoryStore()
	rs := &raceStore{MemoryStore: inner}

	ms := manifest.NewStore(rs)
	ss := snapshot.NewStore(rs, ms)
	opts = append([]Option{WithRetryBackoff(time.Millisecond, time.Millisecond)}, opts...)
	racer := NewCommitter(ss, ms, opts...)

	msB := manifest.NewStore(inner)
	ssB := snapshot.NewStore(inner, msB)
	competitor := &fixture{store: inner, ms: msB, ss: ssB, c: NewCommitter(ssB, msB)}
	return rs, racer, competitor
}

func TestCommitRebasesAfterPointerMoved(t *testing.T) {
	ctx := t.Context()
	rs, racer, other := racingFixture(t)

	rs.onPut = func() {
		_, err := other.c.Commit(ctx, Proposal{
			Adds:     []meta.DataFileMeta{dataFile("data/b1", 1)},
			CommitID: "b-1",
			Kind:     meta.CommitAppend,
		})
		require.NoError(t, err)
	}

	// Disjoint buckets: the rebase re-validates cleanly and lands on
	// the next id.
	res, err := racer.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/a1", 0)},
		CommitID: "a-1",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.SnapshotID)

	fs := other.liveSet(t)
	assert.True(t, fs.Contains("data/a1"))
	assert.True(t, fs.Contains("data/b1"))
}

func TestCommitConflictOnRemovedDeleteTarget(t *testing.T) {
	ctx := t.Context()
	rs, racer, other := racingFixture(t)

	f1 := dataFile("data/f1", 0)
	_, err := other.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{f1},
		CommitID: "setup",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)

	// The competitor compacts f1 away while our commit is in flight.
	rs.onPut = func() {
		_, err := other.c.Commit(ctx, Proposal{
			Adds:     []meta.DataFileMeta{dataFile("data/c2", 0)},
			Deletes:  []meta.DataFileMeta{f1},
			CommitID: "b-compact",
			Kind:     meta.CommitCompact,
		})
		require.NoError(t, err)
	}

	_, err = racer.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/c1", 0)},
		Deletes:  []meta.DataFileMeta{f1},
		CommitID: "a-compact",
		Kind:     meta.CommitCompact,
	})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 2, ce.Attempts)
	assert.Contains(t, ce.Reason, "data/f1")

	// The winner's state stands untouched.
	fs := other.liveSet(t)
	assert.Equal(t, 1, fs.Len())
	assert.True(t, fs.Contains("data/c2"))
}

func TestCommitConflictOnDeleteOfUnknownFile(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	_, err := f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/f1", 0)},
		CommitID: "c-1",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)

	_, err = f.c.Commit(ctx, Proposal{
		Deletes:  []meta.DataFileMeta{dataFile("data/ghost", 0)},
		Adds:     []meta.DataFileMeta{dataFile("data/c1", 0)},
		CommitID: "c-2",
		Kind:     meta.CommitCompact,
	})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 1, ce.Attempts)
}

func TestCommitRejectsAddOfLiveFile(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	f1, f2 := dataFile("data/f1", 0), dataFile("data/f2", 0)
	_, err := f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{f1, f2},
		CommitID: "c-1",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)

	_, err = f.c.Commit(ctx, Proposal{
		Deletes:  []meta.DataFileMeta{f2},
		Adds:     []meta.DataFileMeta{f1},
		CommitID: "c-2",
		Kind:     meta.CommitOverwrite,
	})
	var fe *FatalError
	require.ErrorAs(t, err, &fe)
	assert.Contains(t, fe.Error(), "data/f1")
}

func TestCommitExhaustsRetries(t *testing.T) {
	ctx := t.Context()
	rs, racer, other := racingFixture(t, WithMaxRetries(2))

	n := 0
	rs.everyPut = true
	rs.onPut = func() {
		n++
		_, err := other.c.Commit(ctx, Proposal{
			Adds:     []meta.DataFileMeta{dataFile(fmt.Sprintf("data/b%d", n), 1)},
			CommitID: fmt.Sprintf("b-%d", n),
			Kind:     meta.CommitAppend,
		})
		require.NoError(t, err)
	}

	_, err := racer.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/a1", 0)},
		CommitID: "a-1",
		Kind:     meta.CommitAppend,
	})
	var ce *ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Attempts)
	assert.Equal(t, 3, n)
}

func TestCommitMergesManifests(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t, WithMergeOptions(manifest.MergeOptions{MinCount: 2, TargetSize: 8 << 20}))

	_, err := f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/f1", 0)},
		CommitID: "c-1",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)

	one, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	assert.False(t, one.BaseRewrite)

	_, err = f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{dataFile("data/f2", 0)},
		CommitID: "c-2",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)

	two, err := f.ss.Latest(ctx)
	require.NoError(t, err)
	assert.True(t, two.BaseRewrite)

	manifests, err := f.ms.ReadList(ctx, two.ManifestList)
	require.NoError(t, err)
	assert.Len(t, manifests, 1)

	fs := f.liveSet(t)
	assert.True(t, fs.Contains("data/f1"))
	assert.True(t, fs.Contains("data/f2"))
}

func TestCommitReplacesDescriptorForDeletionVector(t *testing.T) {
	ctx := t.Context()
	f := newFixture(t)

	f1 := dataFile("data/f1", 0)
	_, err := f.c.Commit(ctx, Proposal{
		Adds:     []meta.DataFileMeta{f1},
		CommitID: "c-1",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)

	withDV := f1
	withDV.DeleteVector = &meta.DeletionVectorRef{Path: "index/dv-1", Length: 16, Cardinality: 3}
	res, err := f.c.Commit(ctx, Proposal{
		Deletes:  []meta.DataFileMeta{f1},
		Adds:     []meta.DataFileMeta{withDV},
		CommitID: "c-2",
		Kind:     meta.CommitAppend,
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), res.SnapshotID)

	fs := f.liveSet(t)
	require.Equal(t, 1, fs.Len())
	got, ok := fs.File("data/f1")
	require.True(t, ok)
	require.NotNil(t, got.DeleteVector)
	assert.Equal(t, uint64(3), got.DeleteVector.Cardinality)
}
