package blobstore

import (
	"context"
	"io"
	"os"
	"time"
)

// ErrNotFound is returned when a blob does not exist.
//
// Implementations return an error satisfying errors.Is(err, ErrNotFound).
// The default maps to os.ErrNotExist so local stores need no translation.
var ErrNotFound = os.ErrNotExist

// ErrAlreadyExists is returned by PutIfAbsent when the name is taken.
//
// Implementations return an error satisfying
// errors.Is(err, ErrAlreadyExists). The default maps to os.ErrExist.
var ErrAlreadyExists = os.ErrExist

// BlobStore is the storage abstraction for immutable blobs.
type BlobStore interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (Blob, error)

	// Create opens a new blob for streaming writes. The blob becomes
	// visible to readers no earlier than Close; a blob abandoned before
	// Close must never be observed under its final name.
	Create(ctx context.Context, name string) (WritableBlob, error)

	// Put writes a small blob in one call, atomically visible.
	Put(ctx context.Context, name string, data []byte) error

	// PutIfAbsent writes the blob only if the name does not exist yet,
	// atomically, and returns ErrAlreadyExists otherwise. This is the
	// conditional-write primitive the commit protocol serializes on.
	PutIfAbsent(ctx context.Context, name string, data []byte) error

	// Delete removes a blob. Deleting a missing blob is not an error.
	Delete(ctx context.Context, name string) error

	// List returns the names under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
}

// Blob is a read-only handle to an immutable blob.
type Blob interface {
	// ReadAt reads len(p) bytes at offset off, io.ReaderAt semantics.
	ReadAt(ctx context.Context, p []byte, off int64) (int, error)

	// ReadRange streams length bytes starting at off. Remote stores
	// serve this as a single ranged request.
	ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error)

	// Size returns the blob size in bytes.
	Size() int64

	io.Closer
}

// WritableBlob is a streaming write handle returned by Create.
type WritableBlob interface {
	io.Writer

	// Sync forces written bytes to durable storage where the backend
	// distinguishes this from Close.
	Sync() error

	// Close finalizes and publishes the blob.
	io.Closer
}

// Info describes a stored blob.
type Info struct {
	// Size is the blob size in bytes.
	Size int64

	// ModTime is the time the blob was last written. Object stores
	// report the upload time; immutable blobs make the two the same.
	ModTime time.Time
}

// Stater is an optional BlobStore capability reporting blob metadata
// without opening the blob. Orphan cleanup requires it to age files
// before deleting them.
type Stater interface {
	// Stat returns metadata for the named blob, or ErrNotFound.
	Stat(ctx context.Context, name string) (Info, error)
}

// ReadAll reads an entire blob. It is the common path for metadata
// objects, which are small.
func ReadAll(ctx context.Context, store BlobStore, name string) ([]byte, error) {
	b, err := store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	defer b.Close()

	rc, err := b.ReadRange(ctx, 0, b.Size())
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return io.ReadAll(rc)
}
