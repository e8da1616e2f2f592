package model

// Row holds the field values of one record, positionally matching the
// table schema.
type Row []Value

// Clone returns a copy of the row. Values are immutable, so a shallow
// copy of the slice is a full copy.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	copy(out, r)
	return out
}

// Record is one keyed change to a table.
//
// Key is the memcomparable encoding of the schema's key fields (empty for
// append-only tables). Sequence orders versions of the same key: higher
// sequence means newer. Records inside a data file are sorted by
// (Key asc, Sequence asc).
type Record struct {
	Key      []byte
	Sequence uint64
	Kind     Kind
	Row      Row
}
