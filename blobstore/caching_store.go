package blobstore

import (
	"context"
	"errors"
	"io"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/lakego/internal/cache"
)

// CachingStore wraps a BlobStore and adds block-level read caching.
// Files are immutable once published, so cached blocks never go stale;
// entries are invalidated only when a name is deleted or overwritten.
type CachingStore struct {
	inner     BlobStore
	cache     cache.BlockCache
	blockSize int64
}

var (
	_ BlobStore = (*CachingStore)(nil)
	_ Stater    = (*CachingStore)(nil)
)

// NewCachingStore creates a new CachingStore.
// blockSize defaults to 64KB if <= 0.
func NewCachingStore(inner BlobStore, blockCache cache.BlockCache, blockSize int64) *CachingStore {
	if blockSize <= 0 {
		blockSize = 64 << 10
	}
	return &CachingStore{
		inner:     inner,
		cache:     blockCache,
		blockSize: blockSize,
	}
}

func (s *CachingStore) Open(ctx context.Context, name string) (Blob, error) {
	b, err := s.inner.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	return &CachingBlob{
		inner:     b,
		cache:     s.cache,
		name:      name,
		blockSize: s.blockSize,
	}, nil
}

// Create passes through; only reads are cached.
func (s *CachingStore) Create(ctx context.Context, name string) (WritableBlob, error) {
	return s.inner.Create(ctx, name)
}

func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	s.invalidate(name)
	return s.inner.Put(ctx, name, data)
}

func (s *CachingStore) PutIfAbsent(ctx context.Context, name string, data []byte) error {
	return s.inner.PutIfAbsent(ctx, name, data)
}

func (s *CachingStore) Delete(ctx context.Context, name string) error {
	// The name may be reused after deletion, so stale blocks must go.
	s.invalidate(name)
	return s.inner.Delete(ctx, name)
}

func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

// Stat passes through when the wrapped store supports it.
func (s *CachingStore) Stat(ctx context.Context, name string) (Info, error) {
	st, ok := s.inner.(Stater)
	if !ok {
		return Info{}, errors.ErrUnsupported
	}
	return st.Stat(ctx, name)
}

func (s *CachingStore) invalidate(name string) {
	s.cache.Invalidate(func(key cache.CacheKey) bool {
		return key.Kind == cache.CacheKindBlob && key.Path == name
	})
}

// CachingBlob wraps a Blob and serves reads from the block cache.
type CachingBlob struct {
	inner     Blob
	cache     cache.BlockCache
	name      string
	blockSize int64
}

func (b *CachingBlob) Close() error {
	return b.inner.Close()
}

func (b *CachingBlob) Size() int64 {
	return b.inner.Size()
}

func (b *CachingBlob) key(blk int64) cache.CacheKey {
	return cache.CacheKey{
		Kind:   cache.CacheKindBlob,
		Path:   b.name,
		Offset: uint64(blk),
	}
}

func (b *CachingBlob) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off >= b.Size() {
		return 0, io.EOF
	}

	startBlock := off / b.blockSize
	endBlock := (off + int64(len(p)) - 1) / b.blockSize

	// Fetch missing blocks up front, coalescing contiguous runs.
	if err := b.fillCache(ctx, startBlock, endBlock); err != nil {
		return 0, err
	}

	totalRead := 0
	for blk := startBlock; blk <= endBlock; blk++ {
		blkStart := blk * b.blockSize

		// Intersection of the block with [off, off+len(p)).
		intersectStart := max(blkStart, off)
		intersectEnd := min(blkStart+b.blockSize, off+int64(len(p)))
		if intersectEnd <= intersectStart {
			continue
		}

		blockData, err := b.fetchBlock(ctx, blk)
		if err != nil {
			return totalRead, err
		}

		srcOffset := intersectStart - blkStart
		if srcOffset >= int64(len(blockData)) {
			break
		}

		copySize := intersectEnd - intersectStart
		// The final block of a file is usually short.
		if srcOffset+copySize > int64(len(blockData)) {
			copySize = int64(len(blockData)) - srcOffset
		}

		n := copy(p[intersectStart-off:], blockData[srcOffset:srcOffset+copySize])
		totalRead += n
	}

	if totalRead < len(p) {
		return totalRead, io.EOF
	}
	return totalRead, nil
}

// fillCache loads the missing blocks in [startBlock, endBlock] into the
// cache, fetching contiguous runs of missing blocks in single backend
// requests.
func (b *CachingBlob) fillCache(ctx context.Context, startBlock, endBlock int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	type run struct {
		start, count int64
	}
	var missing []run

	runStart := int64(-1)
	runCount := int64(0)
	for blk := startBlock; blk <= endBlock; blk++ {
		if _, ok := b.cache.Get(ctx, b.key(blk)); !ok {
			if runStart == -1 {
				runStart = blk
			}
			runCount++
			continue
		}
		if runStart != -1 {
			missing = append(missing, run{runStart, runCount})
			runStart, runCount = -1, 0
		}
	}
	if runStart != -1 {
		missing = append(missing, run{runStart, runCount})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(16)

	for _, r := range missing {
		g.Go(func() error {
			byteStart := r.start * b.blockSize
			byteSize := r.count * b.blockSize

			fileSize := b.Size()
			if byteStart >= fileSize {
				return nil
			}
			if byteStart+byteSize > fileSize {
				byteSize = fileSize - byteStart
			}

			buf := make([]byte, byteSize)
			n, err := b.inner.ReadAt(gctx, buf, byteStart)
			if err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			if n == 0 {
				return nil
			}
			valid := buf[:n]

			for i := range r.count {
				offsetInRun := i * b.blockSize
				if offsetInRun >= int64(len(valid)) {
					break
				}
				endInRun := min(offsetInRun+b.blockSize, int64(len(valid)))

				// Copy so the cache does not pin the whole run buffer.
				block := make([]byte, endInRun-offsetInRun)
				copy(block, valid[offsetInRun:endInRun])

				b.cache.Set(ctx, b.key(r.start+i), block)
			}
			return nil
		})
	}
	return g.Wait()
}

func (b *CachingBlob) fetchBlock(ctx context.Context, blk int64) ([]byte, error) {
	key := b.key(blk)

	if data, ok := b.cache.Get(ctx, key); ok {
		return data, nil
	}

	// Cache miss after fillCache means the entry was rejected or
	// evicted; read through.
	buf := make([]byte, b.blockSize)
	n, err := b.inner.ReadAt(ctx, buf, blk*b.blockSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	valid := buf[:n]

	if n > 0 {
		b.cache.Set(ctx, key, valid)
	}
	return valid, nil
}

func (b *CachingBlob) ReadRange(ctx context.Context, off, length int64) (io.ReadCloser, error) {
	return io.NopCloser(&contextSectionReader{blob: b, ctx: ctx, off: off, limit: off + length}), nil
}

// contextSectionReader adapts CachingBlob.ReadAt to io.Reader.
type contextSectionReader struct {
	blob  *CachingBlob
	ctx   context.Context
	off   int64
	limit int64
}

func (r *contextSectionReader) Read(p []byte) (n int, err error) {
	if r.off >= r.limit {
		return 0, io.EOF
	}
	if remaining := r.limit - r.off; int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err = r.blob.ReadAt(r.ctx, p, r.off)
	r.off += int64(n)
	if err != nil && errors.Is(err, io.EOF) && n > 0 {
		err = nil
	}
	return
}
