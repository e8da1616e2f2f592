package rowbin

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/hupe1980/lakego/codec"
	"github.com/hupe1980/lakego/format"
	"github.com/hupe1980/lakego/internal/hash"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// blockEntry describes one record block in the block index section.
type blockEntry struct {
	offset    uint64
	storedLen uint32
	rawLen    uint32
	checksum  uint32
	codec     Compression
	firstRow  uint64
	rowCount  uint32
	// firstKey is the key of the first record; empty for files without
	// record keys.
	firstKey []byte
}

// fileProps is the properties section payload. It mirrors the stats
// the flush path records in manifests, making files self-describing.
type fileProps struct {
	RowCount    uint64             `json:"row_count"`
	MinKey      []byte             `json:"min_key,omitempty"`
	MaxKey      []byte             `json:"max_key,omitempty"`
	MinSequence uint64             `json:"min_sequence"`
	MaxSequence uint64             `json:"max_sequence"`
	ColumnStats []meta.ColumnStats `json:"column_stats,omitempty"`
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// colAcc accumulates per-column min/max/null statistics.
type colAcc struct {
	min   model.Value
	max   model.Value
	nulls uint64
	seen  bool
}

func (c *colAcc) update(v model.Value) {
	if v.IsNull() {
		c.nulls++
		return
	}
	if !c.seen {
		c.min, c.max, c.seen = v, v, true
		return
	}
	if model.CompareValues(v, c.min) < 0 {
		c.min = v
	}
	if model.CompareValues(v, c.max) > 0 {
		c.max = v
	}
}

// Writer encodes records into a rowbin file.
//
// Distinct record keys are retained in memory until Close so the bloom
// filter can be sized to the actual key count instead of a guess.
type Writer struct {
	cw     *countingWriter
	schema *model.Schema
	opts   options
	pk     bool

	buf           []byte
	blockFirstKey []byte
	blockFirstRow uint64
	blockRows     uint32
	index         []blockEntry

	wantBloom bool
	keys      [][]byte

	rows    uint64
	minKey  []byte
	maxKey  []byte
	lastKey []byte
	lastSeq uint64
	minSeq  uint64
	maxSeq  uint64
	cols    []colAcc

	closed bool
}

var _ format.RecordWriter = (*Writer)(nil)

// NewWriter implements format.WriterFactory. The schema must be
// validated; primary-key tables must write records in (key asc,
// sequence asc) order.
func (f *Format) NewWriter(w io.Writer, schema *model.Schema) (format.RecordWriter, error) {
	if schema == nil {
		return nil, errors.New("rowbin: nil schema")
	}
	pk := schema.HasPrimaryKey()
	wantBloom := pk && !f.opts.bloomOff

	sectionCount := uint16(2)
	if wantBloom {
		sectionCount++
	}

	cw := &countingWriter{w: w}
	if err := writeHeader(cw, f.opts.codec, sectionCount); err != nil {
		return nil, err
	}

	return &Writer{
		cw:        cw,
		schema:    schema,
		opts:      f.opts,
		pk:        pk,
		buf:       make([]byte, 0, f.opts.blockSize+1024),
		wantBloom: wantBloom,
		cols:      make([]colAcc, len(schema.Fields)),
	}, nil
}

func writeHeader(cw *countingWriter, c codec.Codec, sections uint16) error {
	name := c.Name()
	hdr := make([]byte, headerSize, headerSize+len(name))
	copy(hdr[0:4], rowbinMagic[:])                             // [0:4] magic
	binary.LittleEndian.PutUint16(hdr[4:6], rowbinVersion)     // [4:6] version
	binary.LittleEndian.PutUint16(hdr[6:8], uint16(len(name))) // [6:8] codec name length
	binary.LittleEndian.PutUint16(hdr[8:10], sections)         // [8:10] section count, [10:16] reserved
	hdr = append(hdr, name...)

	_, err := cw.Write(hdr)
	return err
}

// Write implements format.RecordWriter.
func (w *Writer) Write(r model.Record) error {
	if w.closed {
		return errors.New("rowbin: writer is closed")
	}
	if len(r.Row) != len(w.schema.Fields) {
		return fmt.Errorf("rowbin: record has %d fields, schema has %d", len(r.Row), len(w.schema.Fields))
	}

	if w.pk {
		if len(r.Key) == 0 {
			return errors.New("rowbin: record without key on a primary-key table")
		}
		newKey := w.rows == 0 || !bytes.Equal(r.Key, w.lastKey)
		if w.rows > 0 {
			if c := bytes.Compare(r.Key, w.lastKey); c < 0 || (c == 0 && r.Sequence <= w.lastSeq) {
				return fmt.Errorf("rowbin: records out of order: (%x, %d) after (%x, %d)",
					r.Key, r.Sequence, w.lastKey, w.lastSeq)
			}
		}
		w.lastKey = append(w.lastKey[:0], r.Key...)
		w.lastSeq = r.Sequence
		if w.rows == 0 {
			w.minKey = bytes.Clone(r.Key)
		}
		w.maxKey = append(w.maxKey[:0], r.Key...)
		if w.wantBloom && newKey {
			w.keys = append(w.keys, bytes.Clone(r.Key))
		}
	}

	if w.rows == 0 || r.Sequence < w.minSeq {
		w.minSeq = r.Sequence
	}
	if w.rows == 0 || r.Sequence > w.maxSeq {
		w.maxSeq = r.Sequence
	}
	for i, v := range r.Row {
		w.cols[i].update(v)
	}

	if len(w.buf) == 0 {
		w.blockFirstRow = w.rows
		w.blockFirstKey = append(w.blockFirstKey[:0], r.Key...)
	}
	w.buf = appendRecord(w.buf, r)
	w.blockRows++
	w.rows++

	if len(w.buf) >= w.opts.blockSize {
		return w.flushBlock()
	}
	return nil
}

func (w *Writer) flushBlock() error {
	if len(w.buf) == 0 {
		return nil
	}
	stored, used, err := compressBlock(w.buf, w.opts.compression)
	if err != nil {
		return err
	}
	w.index = append(w.index, blockEntry{
		offset:    uint64(w.cw.n),
		storedLen: uint32(len(stored)),
		rawLen:    uint32(len(w.buf)),
		checksum:  hash.CRC32C(stored),
		codec:     used,
		firstRow:  w.blockFirstRow,
		rowCount:  w.blockRows,
		firstKey:  bytes.Clone(w.blockFirstKey),
	})
	if _, err := w.cw.Write(stored); err != nil {
		return err
	}
	w.buf = w.buf[:0]
	w.blockRows = 0
	return nil
}

// Close implements format.RecordWriter. It flushes the final block,
// writes the metadata sections, directory, and footer, and returns the
// file stats.
func (w *Writer) Close() (*format.WriteStats, error) {
	if w.closed {
		return nil, errors.New("rowbin: writer is closed")
	}
	w.closed = true

	if err := w.flushBlock(); err != nil {
		return nil, err
	}

	type section struct {
		typ  uint16
		data []byte
	}
	sections := make([]section, 0, 3)
	sections = append(sections, section{sectionBlockIndex, encodeBlockIndex(w.index)})

	if w.wantBloom {
		filter := bloom.NewWithEstimates(uint(max(len(w.keys), 1)), w.opts.bloomFPR)
		for _, k := range w.keys {
			filter.Add(k)
		}
		data, err := filter.MarshalBinary()
		if err != nil {
			return nil, fmt.Errorf("marshal bloom filter: %w", err)
		}
		sections = append(sections, section{sectionBloom, data})
	}

	if w.rows == 0 {
		w.minSeq, w.maxSeq = 0, 0
	}
	var colStats []meta.ColumnStats
	if w.rows > 0 {
		colStats = make([]meta.ColumnStats, len(w.cols))
		for i, c := range w.cols {
			colStats[i] = meta.ColumnStats{
				Field:     w.schema.Fields[i].Name,
				Min:       c.min,
				Max:       c.max,
				NullCount: c.nulls,
			}
		}
	}
	propsData, err := w.opts.codec.Marshal(fileProps{
		RowCount:    w.rows,
		MinKey:      w.minKey,
		MaxKey:      w.maxKey,
		MinSequence: w.minSeq,
		MaxSequence: w.maxSeq,
		ColumnStats: colStats,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal file props: %w", err)
	}
	sections = append(sections, section{sectionProps, propsData})

	dir := make([]byte, dirHdrSize, dirHdrSize+len(sections)*dirEntSize)
	copy(dir[0:4], rowbinDirMagic[:])                              // [0:4] magic
	binary.LittleEndian.PutUint16(dir[4:6], rowbinVersion)         // [4:6] version
	binary.LittleEndian.PutUint16(dir[6:8], uint16(len(sections))) // [6:8] section count, [8:12] reserved

	for _, s := range sections {
		ent := make([]byte, dirEntSize)
		binary.LittleEndian.PutUint16(ent[0:2], s.typ)                 // [0:2] section type, [2:4] reserved
		binary.LittleEndian.PutUint32(ent[4:8], hash.CRC32C(s.data))   // [4:8] checksum
		binary.LittleEndian.PutUint64(ent[8:16], uint64(w.cw.n))       // [8:16] offset
		binary.LittleEndian.PutUint64(ent[16:24], uint64(len(s.data))) // [16:24] length, [24:32] reserved
		dir = append(dir, ent...)

		if _, err := w.cw.Write(s.data); err != nil {
			return nil, err
		}
	}

	dirOffset := uint64(w.cw.n)
	if _, err := w.cw.Write(dir); err != nil {
		return nil, err
	}

	footer := make([]byte, footerSize)
	copy(footer[0:4], rowbinFooterMagic[:])                        // [0:4] magic
	binary.LittleEndian.PutUint16(footer[4:6], rowbinVersion)      // [4:6] version, [6:8] reserved
	binary.LittleEndian.PutUint64(footer[8:16], dirOffset)         // [8:16] directory offset
	binary.LittleEndian.PutUint64(footer[16:24], uint64(len(dir))) // [16:24] directory length
	if _, err := w.cw.Write(footer); err != nil {
		return nil, err
	}

	return &format.WriteStats{
		RowCount:    w.rows,
		MinKey:      w.minKey,
		MaxKey:      bytes.Clone(w.maxKey),
		MinSequence: w.minSeq,
		MaxSequence: w.maxSeq,
		ColumnStats: colStats,
		Size:        w.cw.n,
	}, nil
}

func encodeBlockIndex(entries []blockEntry) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		buf = binary.AppendUvarint(buf, e.offset)
		buf = binary.AppendUvarint(buf, uint64(e.storedLen))
		buf = binary.AppendUvarint(buf, uint64(e.rawLen))
		buf = binary.LittleEndian.AppendUint32(buf, e.checksum)
		buf = append(buf, byte(e.codec))
		buf = binary.AppendUvarint(buf, e.firstRow)
		buf = binary.AppendUvarint(buf, uint64(e.rowCount))
		buf = binary.AppendUvarint(buf, uint64(len(e.firstKey)))
		buf = append(buf, e.firstKey...)
	}
	return buf
}
