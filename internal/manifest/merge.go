package manifest

import (
	"context"
	"fmt"

	"github.com/hupe1980/lakego/meta"
)

// MergeOptions bound metadata read amplification.
type MergeOptions struct {
	// MinCount is how many undersized manifests may accumulate in a list
	// before Merge folds the list into full-size manifests.
	MinCount int

	// TargetSize is the encoded size a rewritten manifest aims for.
	// Manifests at or above it do not count toward MinCount.
	TargetSize int64
}

// DefaultMergeOptions returns the merge policy used by the commit path.
func DefaultMergeOptions() MergeOptions {
	return MergeOptions{
		MinCount:   30,
		TargetSize: 8 << 20,
	}
}

// Merge decides whether the combined manifest list needs a rewrite and
// performs it. It returns the manifests the new list should reference and
// whether a rewrite happened.
//
// Without a rewrite the result is existing followed by incoming. With one,
// the result is a fresh set of manifests holding one ADD per live file,
// chunked near TargetSize; ADD/DELETE pairs that cancelled out are gone.
// A rewrite never changes the live file set, but the snapshot publishing
// it must be marked a base rewrite so concurrent committers rebase onto
// the new structure instead of extending a list that was replaced. Old
// manifest blobs stay in place for older snapshots; expiration removes
// them once no retained snapshot references them.
func (s *Store) Merge(ctx context.Context, existing, incoming []meta.ManifestFileMeta, opts MergeOptions) ([]meta.ManifestFileMeta, bool, error) {
	def := DefaultMergeOptions()
	if opts.MinCount <= 0 {
		opts.MinCount = def.MinCount
	}
	if opts.TargetSize <= 0 {
		opts.TargetSize = def.TargetSize
	}

	combined := make([]meta.ManifestFileMeta, 0, len(existing)+len(incoming))
	combined = append(combined, existing...)
	combined = append(combined, incoming...)

	small := 0
	for _, fm := range combined {
		if fm.Size < opts.TargetSize {
			small++
		}
	}
	if small < opts.MinCount {
		return combined, false, nil
	}

	fs, err := s.FileSet(ctx, combined)
	if err != nil {
		return nil, false, err
	}

	var (
		merged []meta.ManifestFileMeta
		chunk  []meta.ManifestEntry
		size   int64
	)
	flush := func() error {
		if len(chunk) == 0 {
			return nil
		}
		fm, err := s.Write(ctx, chunk)
		if err != nil {
			return err
		}
		merged = append(merged, fm)
		chunk, size = nil, 0
		return nil
	}

	for _, f := range fs.Files() {
		e := meta.ManifestEntry{Kind: meta.EntryAdd, File: f}
		sz, err := s.entrySize(e)
		if err != nil {
			return nil, false, err
		}
		if size+sz > opts.TargetSize && len(chunk) > 0 {
			if err := flush(); err != nil {
				return nil, false, err
			}
		}
		chunk = append(chunk, e)
		size += sz
	}
	if err := flush(); err != nil {
		return nil, false, err
	}

	if s.logger != nil {
		s.logger.Debug("merged manifests",
			"in", len(combined), "out", len(merged), "live_files", fs.Len())
	}
	return merged, true, nil
}

func (s *Store) entrySize(e meta.ManifestEntry) (int64, error) {
	data, err := s.codec.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode manifest entry: %w", err)
	}
	return int64(len(data)), nil
}
