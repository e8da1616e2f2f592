package blobstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/hupe1980/lakego/internal/mmap"
)

// LocalStore implements BlobStore on the local file system.
//
// Reads are memory-mapped. Writes publish atomically: content lands in a
// temp file, is synced, and only then appears under its final name (via
// rename, or via link for PutIfAbsent), so readers never observe a
// partially written blob.
type LocalStore struct {
	root string
}

var (
	_ BlobStore = (*LocalStore)(nil)
	_ Stater    = (*LocalStore)(nil)
)

// NewLocalStore creates a LocalStore rooted at the given directory,
// creating it if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create blob root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) path(name string) string {
	return filepath.Join(s.root, filepath.FromSlash(name))
}

// Open opens a blob for reading.
func (s *LocalStore) Open(_ context.Context, name string) (Blob, error) {
	m, err := mmap.Open(s.path(name))
	if err != nil {
		return nil, err
	}
	// Scans seek between blocks, so random beats the readahead default.
	_ = m.Advise(mmap.AccessRandom)
	return &localBlob{m: m}, nil
}

// Stat returns blob metadata.
func (s *LocalStore) Stat(_ context.Context, name string) (Info, error) {
	fi, err := os.Stat(s.path(name))
	if err != nil {
		return Info{}, err
	}
	return Info{Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// Create opens a temp file; Close syncs, renames it into place, and
// syncs the directory.
func (s *LocalStore) Create(_ context.Context, name string) (WritableBlob, error) {
	final := s.path(name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, err
	}
	f, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".tmp-*")
	if err != nil {
		return nil, err
	}
	return &localWritableBlob{f: f, tmp: f.Name(), final: final}, nil
}

// Put writes a small blob atomically.
func (s *LocalStore) Put(ctx context.Context, name string, data []byte) error {
	w, err := s.Create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		w.(*localWritableBlob).abort()
		return err
	}
	return w.Close()
}

// PutIfAbsent writes the blob only if the name is free. The content is
// fully durable in a temp file before the name is claimed with a hard
// link, so a winner's blob is complete from the first moment it is
// visible.
func (s *LocalStore) PutIfAbsent(_ context.Context, name string, data []byte) error {
	final := s.path(name)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(final), filepath.Base(final)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp)

	if err := writeAndSync(f, data); err != nil {
		return err
	}

	err = os.Link(tmp, final)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		return fmt.Errorf("blob %s: %w", name, ErrAlreadyExists)
	default:
		// Filesystems without hard links: degrade to an exclusive create.
		ef, cerr := os.OpenFile(final, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if cerr != nil {
			if errors.Is(cerr, fs.ErrExist) {
				return fmt.Errorf("blob %s: %w", name, ErrAlreadyExists)
			}
			return err
		}
		if werr := writeAndSync(ef, data); werr != nil {
			os.Remove(final)
			return werr
		}
	}
	return syncDir(filepath.Dir(final))
}

// Delete removes a blob. Missing blobs are a no-op.
func (s *LocalStore) Delete(_ context.Context, name string) error {
	err := os.Remove(s.path(name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List walks the root and returns slash-separated names under prefix,
// sorted. Unpublished temp files are skipped.
func (s *LocalStore) List(_ context.Context, prefix string) ([]string, error) {
	var names []string
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) || strings.Contains(name, ".tmp-") {
			return nil
		}
		names = append(names, name)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func writeAndSync(f *os.File, data []byte) error {
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil && runtime.GOOS != "windows" {
		// Windows cannot fsync a directory handle.
		return err
	}
	return nil
}

// localBlob serves reads from a memory mapping.
type localBlob struct {
	m *mmap.Mapping
}

func (b *localBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return b.m.ReadAt(p, off)
}

func (b *localBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data := b.m.Bytes()
	if off < 0 || off >= int64(len(data)) {
		return io.NopCloser(bytes.NewReader(nil)), nil
	}
	end := min(off+length, int64(len(data)))
	// The reader aliases the mapping; it is only valid until Close.
	return io.NopCloser(bytes.NewReader(data[off:end])), nil
}

func (b *localBlob) Size() int64 { return b.m.Size() }

func (b *localBlob) Close() error { return b.m.Close() }

// localWritableBlob writes through a temp file and publishes on Close.
type localWritableBlob struct {
	f     *os.File
	tmp   string
	final string
}

func (w *localWritableBlob) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

func (w *localWritableBlob) Sync() error { return w.f.Sync() }

func (w *localWritableBlob) Close() error {
	if err := w.f.Sync(); err != nil {
		w.abort()
		return err
	}
	if err := w.f.Close(); err != nil {
		os.Remove(w.tmp)
		return err
	}
	if err := os.Rename(w.tmp, w.final); err != nil {
		os.Remove(w.tmp)
		return err
	}
	return syncDir(filepath.Dir(w.final))
}

func (w *localWritableBlob) abort() {
	w.f.Close()
	os.Remove(w.tmp)
}
