package meta

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/lakego/internal/hash"
)

// DeletionVector marks row positions of one data file as deleted without
// rewriting the file. Readers subtract it before merging; compaction
// materializes it and drops the vector from its outputs.
type DeletionVector struct {
	bm *roaring.Bitmap
}

// NewDeletionVector returns an empty deletion vector.
func NewDeletionVector() *DeletionVector {
	return &DeletionVector{bm: roaring.New()}
}

// Delete marks the row at pos as deleted.
func (d *DeletionVector) Delete(pos uint32) { d.bm.Add(pos) }

// IsDeleted reports whether the row at pos is deleted.
func (d *DeletionVector) IsDeleted(pos uint32) bool { return d.bm.Contains(pos) }

// Cardinality returns the number of deleted rows.
func (d *DeletionVector) Cardinality() uint64 { return d.bm.GetCardinality() }

// IsEmpty reports whether no rows are deleted.
func (d *DeletionVector) IsEmpty() bool { return d.bm.IsEmpty() }

// Merge folds another vector for the same file into this one.
func (d *DeletionVector) Merge(o *DeletionVector) {
	if o != nil {
		d.bm.Or(o.bm)
	}
}

// Bitmap exposes the underlying roaring bitmap. Callers must not mutate
// it; it feeds the read path's row-selection filtering.
func (d *DeletionVector) Bitmap() *roaring.Bitmap { return d.bm }

// Serialized layout: bitmap length, roaring wire bytes, CRC32C of those
// bytes. The checksum guards the vector independently of the blob it is
// embedded in, because many vectors share one index blob.
func (d *DeletionVector) Marshal() ([]byte, error) {
	var payload bytes.Buffer
	if _, err := d.bm.WriteTo(&payload); err != nil {
		return nil, fmt.Errorf("serialize deletion vector: %w", err)
	}
	out := make([]byte, 0, 8+payload.Len())
	out = binary.BigEndian.AppendUint32(out, uint32(payload.Len()))
	out = append(out, payload.Bytes()...)
	out = binary.BigEndian.AppendUint32(out, hash.CRC32C(payload.Bytes()))
	return out, nil
}

// UnmarshalDeletionVector decodes a vector written by Marshal.
func UnmarshalDeletionVector(data []byte) (*DeletionVector, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("deletion vector too short: %d bytes", len(data))
	}
	n := binary.BigEndian.Uint32(data[:4])
	if uint32(len(data)) < 8+n {
		return nil, fmt.Errorf("deletion vector truncated: want %d bytes, have %d", 8+n, len(data))
	}
	payload := data[4 : 4+n]
	sum := binary.BigEndian.Uint32(data[4+n : 8+n])
	if got := hash.CRC32C(payload); got != sum {
		return nil, fmt.Errorf("deletion vector checksum mismatch: got %08x, want %08x", got, sum)
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(payload); err != nil {
		return nil, fmt.Errorf("decode deletion vector: %w", err)
	}
	return &DeletionVector{bm: bm}, nil
}
