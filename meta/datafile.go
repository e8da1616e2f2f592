package meta

import (
	"bytes"
	"fmt"

	"github.com/hupe1980/lakego/model"
)

// ColumnStats carries per-file min/max/null statistics for one field.
// Min and Max are null when the file holds only nulls for the field.
type ColumnStats struct {
	Field     string      `json:"field"`
	Min       model.Value `json:"min"`
	Max       model.Value `json:"max"`
	NullCount uint64      `json:"null_count"`
}

// DeletionVectorRef points at a serialized deletion vector inside a
// shared index blob.
type DeletionVectorRef struct {
	Path        string `json:"path"`
	Offset      int64  `json:"offset"`
	Length      int64  `json:"length"`
	Cardinality uint64 `json:"cardinality"`
}

// DataFileMeta describes one immutable data file. Identity is the path:
// two metas with the same path describe the same file, and a meta is
// never mutated after the file is written.
type DataFileMeta struct {
	Path         string             `json:"path"`
	Partition    model.Partition    `json:"partition,omitempty"`
	Bucket       uint32             `json:"bucket"`
	Level        int                `json:"level"`
	MinKey       []byte             `json:"min_key,omitempty"`
	MaxKey       []byte             `json:"max_key,omitempty"`
	MinSequence  uint64             `json:"min_sequence"`
	MaxSequence  uint64             `json:"max_sequence"`
	RowCount     uint64             `json:"row_count"`
	FileSize     int64              `json:"file_size"`
	ColumnStats  []ColumnStats      `json:"column_stats,omitempty"`
	DeleteVector *DeletionVectorRef `json:"delete_vector,omitempty"`
}

// KeyRangeOverlaps reports whether the key ranges of two files intersect.
// Files without key bounds (append-only tables) always overlap.
func (m *DataFileMeta) KeyRangeOverlaps(o *DataFileMeta) bool {
	if len(m.MinKey) == 0 || len(o.MinKey) == 0 {
		return true
	}
	return bytes.Compare(m.MinKey, o.MaxKey) <= 0 && bytes.Compare(o.MinKey, m.MaxKey) <= 0
}

// OverlapsRange reports whether the file's key range intersects
// [min, max]. A nil bound is unbounded on that side.
func (m *DataFileMeta) OverlapsRange(min, max []byte) bool {
	if len(m.MinKey) == 0 {
		return true
	}
	if min != nil && bytes.Compare(m.MaxKey, min) < 0 {
		return false
	}
	if max != nil && bytes.Compare(m.MinKey, max) > 0 {
		return false
	}
	return true
}

// LiveRowCount returns the row count net of the deletion vector.
func (m *DataFileMeta) LiveRowCount() uint64 {
	if m.DeleteVector == nil {
		return m.RowCount
	}
	if m.DeleteVector.Cardinality > m.RowCount {
		return 0
	}
	return m.RowCount - m.DeleteVector.Cardinality
}

// String implements fmt.Stringer for log output.
func (m *DataFileMeta) String() string {
	return fmt.Sprintf("file(%s L%d rows=%d size=%d)", m.Path, m.Level, m.RowCount, m.FileSize)
}
