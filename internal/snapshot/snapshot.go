package snapshot

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/codec"
	"github.com/hupe1980/lakego/internal/manifest"
	"github.com/hupe1980/lakego/meta"
)

const (
	// Prefix is the directory for snapshot descriptors and hints,
	// relative to the table root.
	Prefix = "snapshot/"

	// LatestHint names the advisory blob holding the newest snapshot id.
	LatestHint = Prefix + "LATEST"

	// EarliestHint names the advisory blob holding the oldest live
	// snapshot id.
	EarliestHint = Prefix + "EARLIEST"
)

// Name returns the blob name of a snapshot descriptor.
func Name(id uint64) string {
	return fmt.Sprintf("%ssnapshot-%d", Prefix, id)
}

// Store reads, commits and expires snapshot descriptors.
//
// All methods are safe for concurrent use.
type Store struct {
	store     blobstore.BlobStore
	manifests *manifest.Store
	codec     codec.Codec
	logger    *slog.Logger

	mu   sync.Mutex
	pins map[uint64]int
}

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the metadata codec. Defaults to codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

// WithLogger sets the logger for chain maintenance.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a snapshot store. The manifest store is used by
// expiration to resolve which blobs the expired range referenced.
func NewStore(store blobstore.BlobStore, manifests *manifest.Store, opts ...Option) *Store {
	s := &Store{
		store:     store,
		manifests: manifests,
		codec:     codec.Default,
		pins:      make(map[uint64]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Snapshot loads one descriptor by id.
func (s *Store) Snapshot(ctx context.Context, id uint64) (*meta.Snapshot, error) {
	data, err := blobstore.ReadAll(ctx, s.store, Name(id))
	if err != nil {
		return nil, fmt.Errorf("read snapshot %d: %w", id, err)
	}
	var snap meta.Snapshot
	if err := s.codec.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %d: %w: %v", id, ErrCorrupt, err)
	}
	if snap.ID != id {
		return nil, fmt.Errorf("snapshot %d: %w: descriptor says id %d", id, ErrCorrupt, snap.ID)
	}
	return &snap, nil
}

// Latest returns the newest snapshot, or nil when the table has none.
//
// The LATEST hint bounds the probe but is advisory: Latest probes forward
// from it and falls back to listing the snapshot directory when the hint
// points at nothing.
func (s *Store) Latest(ctx context.Context) (*meta.Snapshot, error) {
	hint := s.readHint(ctx, LatestHint)

	last, err := s.probeForward(ctx, hint)
	if err != nil {
		return nil, err
	}
	if last != nil {
		return last, nil
	}

	if hint > 0 {
		snap, err := s.Snapshot(ctx, hint)
		if err == nil {
			return snap, nil
		}
		if !errors.Is(err, blobstore.ErrNotFound) {
			return nil, err
		}
		if s.logger != nil {
			s.logger.Warn("stale LATEST hint", "hint", hint)
		}
	}

	// The hint was useless; recover from a listing.
	_, max, err := s.scanIDs(ctx)
	if err != nil {
		return nil, err
	}
	if max == 0 {
		return nil, nil
	}
	return s.Snapshot(ctx, max)
}

// Commit publishes a snapshot descriptor via create-if-absent. A taken id
// returns ErrPointerMoved; the caller rebases and retries with a new id.
func (s *Store) Commit(ctx context.Context, snap *meta.Snapshot) error {
	if snap.ID == 0 {
		return fmt.Errorf("snapshot: commit with id 0")
	}
	data, err := s.codec.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %d: %w", snap.ID, err)
	}
	if err := s.store.PutIfAbsent(ctx, Name(snap.ID), data); err != nil {
		if errors.Is(err, blobstore.ErrAlreadyExists) {
			return fmt.Errorf("snapshot %d taken: %w", snap.ID, ErrPointerMoved)
		}
		return fmt.Errorf("write snapshot %d: %w", snap.ID, err)
	}
	s.writeHint(ctx, LatestHint, snap.ID)
	return nil
}

// Chain walks the chain backward from fromID toward genesis, lazily
// loading one descriptor per step. The walk ends cleanly at the expired
// boundary (the first missing descriptor).
func (s *Store) Chain(ctx context.Context, fromID uint64) iter.Seq2[meta.Snapshot, error] {
	return func(yield func(meta.Snapshot, error) bool) {
		id := fromID
		for id > 0 {
			snap, err := s.Snapshot(ctx, id)
			if err != nil {
				if errors.Is(err, blobstore.ErrNotFound) {
					return
				}
				yield(meta.Snapshot{}, err)
				return
			}
			if !yield(*snap, nil) {
				return
			}
			if snap.PrevID >= id {
				yield(meta.Snapshot{}, fmt.Errorf("snapshot %d: %w: prev id %d not decreasing", id, ErrCorrupt, snap.PrevID))
				return
			}
			id = snap.PrevID
		}
	}
}

// probeForward loads descriptors from+1, from+2, ... until the first
// missing one and returns the last hit, or nil when from+1 is missing.
func (s *Store) probeForward(ctx context.Context, from uint64) (*meta.Snapshot, error) {
	var last *meta.Snapshot
	for id := from + 1; ; id++ {
		snap, err := s.Snapshot(ctx, id)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				return last, nil
			}
			return nil, err
		}
		last = snap
	}
}

// scanIDs lists the snapshot directory and returns the smallest and
// largest descriptor ids, or zeros when there are none.
func (s *Store) scanIDs(ctx context.Context) (uint64, uint64, error) {
	names, err := s.store.List(ctx, Prefix)
	if err != nil {
		return 0, 0, fmt.Errorf("list snapshots: %w", err)
	}
	var min, max uint64
	for _, name := range names {
		id, ok := parseName(name)
		if !ok {
			continue
		}
		if min == 0 || id < min {
			min = id
		}
		if id > max {
			max = id
		}
	}
	return min, max, nil
}

func parseName(name string) (uint64, bool) {
	rest, ok := strings.CutPrefix(name, Prefix+"snapshot-")
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseUint(rest, 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return id, true
}

// readHint returns the id stored in a hint blob, or 0 when the hint is
// missing or unreadable. Hints are advisory.
func (s *Store) readHint(ctx context.Context, name string) uint64 {
	data, err := blobstore.ReadAll(ctx, s.store, name)
	if err != nil {
		return 0
	}
	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("garbled snapshot hint", "hint", name, "content", string(data))
		}
		return 0
	}
	return id
}

// writeHint updates a hint blob best-effort. Failures are logged, never
// returned: the hint is advisory.
func (s *Store) writeHint(ctx context.Context, name string, id uint64) {
	if err := s.store.Put(ctx, name, []byte(strconv.FormatUint(id, 10))); err != nil {
		if s.logger != nil {
			s.logger.Warn("snapshot hint write failed", "hint", name, "id", id, "error", err)
		}
	}
}
