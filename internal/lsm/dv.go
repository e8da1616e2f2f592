package lsm

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/google/uuid"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/meta"
)

// IndexPrefix is the storage prefix for shared deletion-vector blobs.
const IndexPrefix = "index/"

// WriteDeletionVectors serializes the vectors, keyed by data file
// path, into one shared index blob and returns a ref per file. Empty
// and nil vectors are skipped; nothing is written when none remain.
func WriteDeletionVectors(ctx context.Context, store blobstore.BlobStore, vectors map[string]*meta.DeletionVector) (map[string]meta.DeletionVectorRef, error) {
	name := IndexPrefix + "dv-" + uuid.NewString()
	refs := make(map[string]meta.DeletionVectorRef, len(vectors))

	var buf []byte
	for _, path := range slices.Sorted(maps.Keys(vectors)) {
		dv := vectors[path]
		if dv == nil || dv.IsEmpty() {
			continue
		}
		data, err := dv.Marshal()
		if err != nil {
			return nil, fmt.Errorf("deletion vector for %s: %w", path, err)
		}
		refs[path] = meta.DeletionVectorRef{
			Path:        name,
			Offset:      int64(len(buf)),
			Length:      int64(len(data)),
			Cardinality: dv.Cardinality(),
		}
		buf = append(buf, data...)
	}
	if len(refs) == 0 {
		return nil, nil
	}

	if err := store.Put(ctx, name, buf); err != nil {
		return nil, fmt.Errorf("write deletion vectors: %w", err)
	}
	return refs, nil
}

// LoadDeletionVector reads one vector out of its shared index blob and
// verifies it against the ref.
func LoadDeletionVector(ctx context.Context, store blobstore.BlobStore, ref *meta.DeletionVectorRef) (*meta.DeletionVector, error) {
	b, err := store.Open(ctx, ref.Path)
	if err != nil {
		return nil, fmt.Errorf("open deletion vectors %s: %w", ref.Path, err)
	}
	defer b.Close()

	rc, err := b.ReadRange(ctx, ref.Offset, ref.Length)
	if err != nil {
		return nil, fmt.Errorf("read deletion vector at %s+%d: %w", ref.Path, ref.Offset, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("read deletion vector at %s+%d: %w", ref.Path, ref.Offset, err)
	}

	dv, err := meta.UnmarshalDeletionVector(data)
	if err != nil {
		return nil, fmt.Errorf("deletion vector at %s+%d: %w", ref.Path, ref.Offset, err)
	}
	if got := dv.Cardinality(); got != ref.Cardinality {
		return nil, fmt.Errorf("deletion vector at %s+%d has cardinality %d, ref says %d: %w",
			ref.Path, ref.Offset, got, ref.Cardinality, ErrCorrupt)
	}
	return dv, nil
}
