package manifest

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/codec"
	"github.com/hupe1980/lakego/meta"
)

const (
	// Prefix is the directory for all manifest objects, relative to the
	// table root.
	Prefix = "manifest/"

	filePrefix = Prefix + "manifest-"
	listPrefix = Prefix + "manifest-list-"

	// formatVersion is bumped when the envelope layout changes.
	formatVersion = 1
)

// fileEnvelope is the encoded form of one manifest file.
type fileEnvelope struct {
	Version int                  `json:"version"`
	Entries []meta.ManifestEntry `json:"entries"`
}

// listEnvelope is the encoded form of one manifest list.
type listEnvelope struct {
	Version   int                     `json:"version"`
	Manifests []meta.ManifestFileMeta `json:"manifests"`
}

// Store reads and writes manifest files and manifest lists.
//
// The store is stateless and every blob it writes is immutable, so all
// methods are safe for concurrent use.
type Store struct {
	store  blobstore.BlobStore
	codec  codec.Codec
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithCodec sets the metadata codec. Defaults to codec.Default.
func WithCodec(c codec.Codec) Option {
	return func(s *Store) {
		s.codec = c
	}
}

// WithLogger sets the logger for manifest maintenance.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// NewStore creates a manifest store on top of a blob store rooted at the
// table directory.
func NewStore(store blobstore.BlobStore, opts ...Option) *Store {
	s := &Store{
		store: store,
		codec: codec.Default,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Write persists one manifest file holding the given entries and returns
// its descriptor. The blob is fully written when Write returns, so a list
// may reference it immediately.
func (s *Store) Write(ctx context.Context, entries []meta.ManifestEntry) (meta.ManifestFileMeta, error) {
	if len(entries) == 0 {
		return meta.ManifestFileMeta{}, fmt.Errorf("manifest: write with no entries")
	}

	fm := meta.ManifestFileMeta{EntryCount: uint64(len(entries))}
	for _, e := range entries {
		switch e.Kind {
		case meta.EntryAdd:
			fm.AddCount++
		case meta.EntryDelete:
			fm.DeleteCount++
		default:
			return meta.ManifestFileMeta{}, fmt.Errorf("manifest: unknown entry kind %d", uint8(e.Kind))
		}
	}

	data, err := s.codec.Marshal(fileEnvelope{Version: formatVersion, Entries: entries})
	if err != nil {
		return meta.ManifestFileMeta{}, fmt.Errorf("encode manifest: %w", err)
	}

	fm.Path = filePrefix + uuid.NewString()
	fm.Size = int64(len(data))
	if err := s.store.Put(ctx, fm.Path, data); err != nil {
		return meta.ManifestFileMeta{}, fmt.Errorf("write manifest %s: %w", fm.Path, err)
	}
	return fm, nil
}

// Entries returns the entries of one manifest file as a lazy sequence.
// The blob is read when iteration starts, so each range over the sequence
// re-reads it; the sequence is finite and restartable.
func (s *Store) Entries(ctx context.Context, fm meta.ManifestFileMeta) iter.Seq2[meta.ManifestEntry, error] {
	return func(yield func(meta.ManifestEntry, error) bool) {
		entries, err := s.readFile(ctx, fm)
		if err != nil {
			yield(meta.ManifestEntry{}, err)
			return
		}
		for _, e := range entries {
			if !yield(e, nil) {
				return
			}
		}
	}
}

// WriteList persists a manifest list referencing the given manifests in
// order and returns its path. Every referenced manifest must already be
// fully written.
func (s *Store) WriteList(ctx context.Context, manifests []meta.ManifestFileMeta) (string, error) {
	data, err := s.codec.Marshal(listEnvelope{Version: formatVersion, Manifests: manifests})
	if err != nil {
		return "", fmt.Errorf("encode manifest list: %w", err)
	}
	name := listPrefix + uuid.NewString()
	if err := s.store.Put(ctx, name, data); err != nil {
		return "", fmt.Errorf("write manifest list %s: %w", name, err)
	}
	return name, nil
}

// ReadList loads the manifest descriptors referenced by one list.
func (s *Store) ReadList(ctx context.Context, listPath string) ([]meta.ManifestFileMeta, error) {
	data, err := blobstore.ReadAll(ctx, s.store, listPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest list %s: %w", listPath, err)
	}
	var env listEnvelope
	if err := s.codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode manifest list %s: %w: %v", listPath, ErrCorrupt, err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("manifest list %s: %w %d", listPath, ErrIncompatibleVersion, env.Version)
	}
	return env.Manifests, nil
}

func (s *Store) readFile(ctx context.Context, fm meta.ManifestFileMeta) ([]meta.ManifestEntry, error) {
	data, err := blobstore.ReadAll(ctx, s.store, fm.Path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", fm.Path, err)
	}
	var env fileEnvelope
	if err := s.codec.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w: %v", fm.Path, ErrCorrupt, err)
	}
	if env.Version != formatVersion {
		return nil, fmt.Errorf("manifest %s: %w %d", fm.Path, ErrIncompatibleVersion, env.Version)
	}
	if uint64(len(env.Entries)) != fm.EntryCount {
		return nil, fmt.Errorf("manifest %s: %w: holds %d entries, descriptor says %d",
			fm.Path, ErrCorrupt, len(env.Entries), fm.EntryCount)
	}
	return env.Entries, nil
}
