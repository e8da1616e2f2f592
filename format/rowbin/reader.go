package rowbin

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/bits-and-blooms/bloom/v3"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/codec"
	"github.com/hupe1980/lakego/format"
	"github.com/hupe1980/lakego/internal/hash"
	"github.com/hupe1980/lakego/model"
)

// ChecksumError reports a block or section whose stored checksum does
// not match its bytes. It matches ErrCorrupt under errors.Is.
type ChecksumError struct {
	Offset   int64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("rowbin: checksum mismatch at offset %d: expected %08x, got %08x",
		e.Offset, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool { return target == ErrCorrupt }

// dirSection is one parsed directory entry.
type dirSection struct {
	typ      uint16
	checksum uint32
	offset   uint64
	length   uint64
}

// Reader iterates the records of a rowbin file. Blocks outside the
// selection or the key bounds are skipped without being fetched.
type Reader struct {
	ctx  context.Context
	blob blobstore.Blob
	size int64

	entries  []blockEntry
	sections map[uint16]dirSection

	selection      *roaring.Bitmap
	minKey, maxKey []byte
	// sorted is true when the file carries record keys, which are
	// ascending by construction. It enables early termination at maxKey.
	sorted bool

	blockIdx int
	block    []byte
	ordinal  uint64
	done     bool

	filter      *bloom.BloomFilter
	filterTried bool
}

var _ format.RecordReader = (*Reader)(nil)

// NewReader implements format.ReaderFactory. It reads the footer, the
// section directory, and the block index; record blocks are fetched
// lazily as Next advances.
func (f *Format) NewReader(ctx context.Context, rc format.ReadContext) (format.RecordReader, error) {
	if rc.Blob == nil {
		return nil, errors.New("rowbin: nil blob")
	}
	if rc.FileSize < headerSize+dirHdrSize+footerSize {
		return nil, fmt.Errorf("rowbin: file of %d bytes is too small: %w", rc.FileSize, ErrCorrupt)
	}

	sections, err := readDirectory(ctx, rc.Blob, rc.FileSize)
	if err != nil {
		return nil, err
	}

	idxSec, ok := sections[sectionBlockIndex]
	if !ok {
		return nil, fmt.Errorf("rowbin: missing block index section: %w", ErrCorrupt)
	}
	idxData, err := readSection(ctx, rc.Blob, idxSec)
	if err != nil {
		return nil, err
	}
	entries, err := decodeBlockIndex(idxData, rc.FileSize)
	if err != nil {
		return nil, err
	}

	sorted := true
	for _, e := range entries {
		if len(e.firstKey) == 0 {
			sorted = false
			break
		}
	}

	return &Reader{
		ctx:       ctx,
		blob:      rc.Blob,
		size:      rc.FileSize,
		entries:   entries,
		sections:  sections,
		selection: rc.Selection,
		minKey:    rc.MinKey,
		maxKey:    rc.MaxKey,
		sorted:    sorted,
	}, nil
}

// Next implements format.RecordReader.
func (r *Reader) Next() (model.Record, error) {
	if r.done {
		return model.Record{}, io.EOF
	}
	for {
		if len(r.block) == 0 {
			if err := r.loadNextBlock(); err != nil {
				if errors.Is(err, io.EOF) {
					r.done = true
				}
				return model.Record{}, err
			}
		}

		rec, rest, err := decodeRecord(r.block)
		if err != nil {
			return model.Record{}, err
		}
		r.block = rest
		ord := r.ordinal
		r.ordinal++

		if r.selection != nil && !r.selection.Contains(uint32(ord)) {
			continue
		}
		if len(rec.Key) > 0 {
			if r.minKey != nil && bytes.Compare(rec.Key, r.minKey) < 0 {
				continue
			}
			if r.maxKey != nil && bytes.Compare(rec.Key, r.maxKey) > 0 {
				if r.sorted {
					r.done = true
					return model.Record{}, io.EOF
				}
				continue
			}
		}
		return rec, nil
	}
}

// loadNextBlock advances to the next block that can contain selected
// rows, fetches it, and verifies its checksum. io.EOF when no block
// remains.
func (r *Reader) loadNextBlock() error {
	for r.blockIdx < len(r.entries) {
		e := r.entries[r.blockIdx]

		if r.sorted && r.maxKey != nil && len(e.firstKey) > 0 && bytes.Compare(e.firstKey, r.maxKey) > 0 {
			// Every remaining block starts above the bound.
			return io.EOF
		}
		if r.sorted && r.minKey != nil && r.blockIdx+1 < len(r.entries) {
			next := r.entries[r.blockIdx+1].firstKey
			// Keys in this block never exceed the next block's first
			// key, so the whole block sits below the bound.
			if len(next) > 0 && bytes.Compare(next, r.minKey) < 0 {
				r.blockIdx++
				continue
			}
		}
		if r.selection != nil && !r.selection.IntersectsWithInterval(e.firstRow, e.firstRow+uint64(e.rowCount)) {
			r.blockIdx++
			continue
		}

		stored := make([]byte, e.storedLen)
		if err := readAt(r.ctx, r.blob, stored, int64(e.offset)); err != nil {
			return err
		}
		if actual := hash.CRC32C(stored); actual != e.checksum {
			return &ChecksumError{Offset: int64(e.offset), Expected: e.checksum, Actual: actual}
		}
		raw, err := decompressBlock(stored, e.codec, int(e.rawLen))
		if err != nil {
			return fmt.Errorf("rowbin: block at offset %d: %v: %w", e.offset, err, ErrCorrupt)
		}

		r.block = raw
		r.ordinal = e.firstRow
		r.blockIdx++
		return nil
	}
	return io.EOF
}

// Close implements format.RecordReader. The underlying blob belongs to
// the caller and stays open.
func (r *Reader) Close() error {
	r.done = true
	r.block = nil
	return nil
}

// MightContainKey probes the file's bloom filter. A false result
// guarantees the key is absent; true means it must be read to know.
// Files without a filter always report true.
func (r *Reader) MightContainKey(key []byte) bool {
	if len(key) == 0 {
		return true
	}
	if len(r.entries) == 0 {
		return false
	}
	filter := r.loadFilter()
	if filter == nil {
		return true
	}
	return filter.Test(key)
}

// loadFilter reads the bloom section on first use. A filter that fails
// to load degrades to always-maybe rather than failing the read.
func (r *Reader) loadFilter() *bloom.BloomFilter {
	if r.filterTried {
		return r.filter
	}
	r.filterTried = true

	sec, ok := r.sections[sectionBloom]
	if !ok {
		return nil
	}
	data, err := readSection(r.ctx, r.blob, sec)
	if err != nil {
		return nil
	}
	var filter bloom.BloomFilter
	if err := filter.UnmarshalBinary(data); err != nil {
		return nil
	}
	r.filter = &filter
	return r.filter
}

// ReadStats reads the properties section of a finished file back as
// write stats, without touching any record block.
func ReadStats(ctx context.Context, blob blobstore.Blob, size int64) (*format.WriteStats, error) {
	if size < headerSize+dirHdrSize+footerSize {
		return nil, fmt.Errorf("rowbin: file of %d bytes is too small: %w", size, ErrCorrupt)
	}

	hdr := make([]byte, headerSize)
	if err := readAt(ctx, blob, hdr, 0); err != nil {
		return nil, err
	}
	if !bytes.Equal(hdr[0:4], rowbinMagic[:]) {
		return nil, fmt.Errorf("rowbin: bad header magic: %w", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(hdr[4:6]); v != rowbinVersion {
		return nil, fmt.Errorf("rowbin: unsupported version %d", v)
	}
	nameLen := int(binary.LittleEndian.Uint16(hdr[6:8]))
	if int64(headerSize+nameLen) > size {
		return nil, fmt.Errorf("rowbin: codec name exceeds file: %w", ErrCorrupt)
	}
	nameBuf := make([]byte, nameLen)
	if err := readAt(ctx, blob, nameBuf, headerSize); err != nil {
		return nil, err
	}
	c, ok := codec.ByName(string(nameBuf))
	if !ok {
		return nil, fmt.Errorf("rowbin: unknown codec %q", nameBuf)
	}

	sections, err := readDirectory(ctx, blob, size)
	if err != nil {
		return nil, err
	}
	sec, ok := sections[sectionProps]
	if !ok {
		return nil, fmt.Errorf("rowbin: missing props section: %w", ErrCorrupt)
	}
	data, err := readSection(ctx, blob, sec)
	if err != nil {
		return nil, err
	}

	var props fileProps
	if err := c.Unmarshal(data, &props); err != nil {
		return nil, fmt.Errorf("rowbin: decode props: %v: %w", err, ErrCorrupt)
	}
	return &format.WriteStats{
		RowCount:    props.RowCount,
		MinKey:      props.MinKey,
		MaxKey:      props.MaxKey,
		MinSequence: props.MinSequence,
		MaxSequence: props.MaxSequence,
		ColumnStats: props.ColumnStats,
		Size:        size,
	}, nil
}

// readDirectory parses the footer and the section directory.
func readDirectory(ctx context.Context, blob blobstore.Blob, size int64) (map[uint16]dirSection, error) {
	footer := make([]byte, footerSize)
	if err := readAt(ctx, blob, footer, size-footerSize); err != nil {
		return nil, err
	}
	if !bytes.Equal(footer[0:4], rowbinFooterMagic[:]) {
		return nil, fmt.Errorf("rowbin: bad footer magic: %w", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint16(footer[4:6]); v != rowbinVersion {
		return nil, fmt.Errorf("rowbin: unsupported version %d", v)
	}
	dirOffset := binary.LittleEndian.Uint64(footer[8:16])
	dirLen := binary.LittleEndian.Uint64(footer[16:24])

	if dirLen < dirHdrSize || (dirLen-dirHdrSize)%dirEntSize != 0 {
		return nil, fmt.Errorf("rowbin: directory length %d is invalid: %w", dirLen, ErrCorrupt)
	}
	if dirOffset < headerSize || dirOffset+dirLen > uint64(size-footerSize) {
		return nil, fmt.Errorf("rowbin: directory [%d, %d) out of range: %w", dirOffset, dirOffset+dirLen, ErrCorrupt)
	}

	dir := make([]byte, dirLen)
	if err := readAt(ctx, blob, dir, int64(dirOffset)); err != nil {
		return nil, err
	}
	if !bytes.Equal(dir[0:4], rowbinDirMagic[:]) {
		return nil, fmt.Errorf("rowbin: bad directory magic: %w", ErrCorrupt)
	}
	count := int(binary.LittleEndian.Uint16(dir[6:8]))
	if count != (len(dir)-dirHdrSize)/dirEntSize {
		return nil, fmt.Errorf("rowbin: directory count %d does not match length: %w", count, ErrCorrupt)
	}

	sections := make(map[uint16]dirSection, count)
	for i := range count {
		ent := dir[dirHdrSize+i*dirEntSize:]
		s := dirSection{
			typ:      binary.LittleEndian.Uint16(ent[0:2]),
			checksum: binary.LittleEndian.Uint32(ent[4:8]),
			offset:   binary.LittleEndian.Uint64(ent[8:16]),
			length:   binary.LittleEndian.Uint64(ent[16:24]),
		}
		if s.offset < headerSize || s.offset+s.length > dirOffset {
			return nil, fmt.Errorf("rowbin: section %d at [%d, %d) out of range: %w",
				s.typ, s.offset, s.offset+s.length, ErrCorrupt)
		}
		if _, dup := sections[s.typ]; dup {
			return nil, fmt.Errorf("rowbin: duplicate section %d: %w", s.typ, ErrCorrupt)
		}
		sections[s.typ] = s
	}
	return sections, nil
}

// readSection fetches a section and verifies its checksum.
func readSection(ctx context.Context, blob blobstore.Blob, sec dirSection) ([]byte, error) {
	data := make([]byte, sec.length)
	if err := readAt(ctx, blob, data, int64(sec.offset)); err != nil {
		return nil, err
	}
	if actual := hash.CRC32C(data); actual != sec.checksum {
		return nil, &ChecksumError{Offset: int64(sec.offset), Expected: sec.checksum, Actual: actual}
	}
	return data, nil
}

// decodeBlockIndex parses and validates the block index section.
// Blocks must be contiguous in row space and inside the file.
func decodeBlockIndex(data []byte, fileSize int64) ([]blockEntry, error) {
	count, data, err := readUvarint(data, "block count")
	if err != nil {
		return nil, err
	}
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("rowbin: block count %d exceeds section: %w", count, ErrCorrupt)
	}

	entries := make([]blockEntry, 0, count)
	var nextRow uint64
	for i := range count {
		var e blockEntry
		if e.offset, data, err = readUvarint(data, "block offset"); err != nil {
			return nil, err
		}
		var v uint64
		if v, data, err = readUvarint(data, "block stored length"); err != nil {
			return nil, err
		}
		e.storedLen = uint32(v)
		if v, data, err = readUvarint(data, "block raw length"); err != nil {
			return nil, err
		}
		e.rawLen = uint32(v)
		if len(data) < 5 {
			return nil, fmt.Errorf("truncated block entry: %w", ErrCorrupt)
		}
		e.checksum = binary.LittleEndian.Uint32(data[0:4])
		e.codec = Compression(data[4])
		data = data[5:]
		if e.firstRow, data, err = readUvarint(data, "block first row"); err != nil {
			return nil, err
		}
		if v, data, err = readUvarint(data, "block row count"); err != nil {
			return nil, err
		}
		e.rowCount = uint32(v)
		var keyLen uint64
		if keyLen, data, err = readUvarint(data, "block first key length"); err != nil {
			return nil, err
		}
		if keyLen > uint64(len(data)) {
			return nil, fmt.Errorf("block first key exceeds section: %w", ErrCorrupt)
		}
		e.firstKey = bytes.Clone(data[:keyLen])
		data = data[keyLen:]

		if e.storedLen == 0 || e.rowCount == 0 {
			return nil, fmt.Errorf("rowbin: block %d is empty: %w", i, ErrCorrupt)
		}
		if e.offset < headerSize || e.offset+uint64(e.storedLen) > uint64(fileSize) {
			return nil, fmt.Errorf("rowbin: block %d at [%d, %d) out of range: %w",
				i, e.offset, e.offset+uint64(e.storedLen), ErrCorrupt)
		}
		if e.firstRow != nextRow {
			return nil, fmt.Errorf("rowbin: block %d starts at row %d, expected %d: %w",
				i, e.firstRow, nextRow, ErrCorrupt)
		}
		nextRow = e.firstRow + uint64(e.rowCount)
		entries = append(entries, e)
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("rowbin: %d trailing bytes after block index: %w", len(data), ErrCorrupt)
	}
	return entries, nil
}

// readAt fills p from the blob, treating a short read as corruption.
func readAt(ctx context.Context, blob blobstore.Blob, p []byte, off int64) error {
	n, err := blob.ReadAt(ctx, p, off)
	if err != nil && !(errors.Is(err, io.EOF) && n == len(p)) {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("rowbin: truncated read of %d bytes at offset %d: %w", len(p), off, ErrCorrupt)
		}
		return err
	}
	if n < len(p) {
		return fmt.Errorf("rowbin: truncated read of %d bytes at offset %d: %w", len(p), off, ErrCorrupt)
	}
	return nil
}
