package model

import (
	"fmt"

	"github.com/hupe1980/lakego/internal/hash"
)

// Field is one named, typed column of a table.
type Field struct {
	Name string    `json:"name"`
	Type ValueType `json:"type"`
}

// Schema describes a table: its fields, the subset forming the primary
// key, the subset forming the partition, and the fixed bucket count.
//
// A schema with no key fields describes an append-only table: records are
// never merged by key and deletes are not supported.
type Schema struct {
	Fields          []Field  `json:"fields"`
	KeyFields       []string `json:"key_fields,omitempty"`
	PartitionFields []string `json:"partition_fields,omitempty"`
	BucketCount     int      `json:"bucket_count"`

	keyIdx  []int
	partIdx []int
}

// Validate checks the schema once at table open and caches the field
// index lookups. It must be called before any other method.
func (s *Schema) Validate() error {
	if len(s.Fields) == 0 {
		return fmt.Errorf("schema has no fields")
	}
	if s.BucketCount < 1 {
		return fmt.Errorf("bucket count must be at least 1, got %d", s.BucketCount)
	}
	byName := make(map[string]int, len(s.Fields))
	for i, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("field %d has an empty name", i)
		}
		if f.Type == TypeNull || f.Type > TypeBytes {
			return fmt.Errorf("field %q has invalid type %s", f.Name, f.Type)
		}
		if _, dup := byName[f.Name]; dup {
			return fmt.Errorf("duplicate field name %q", f.Name)
		}
		byName[f.Name] = i
	}
	var err error
	if s.keyIdx, err = resolveFields(byName, s.KeyFields, "key"); err != nil {
		return err
	}
	if s.partIdx, err = resolveFields(byName, s.PartitionFields, "partition"); err != nil {
		return err
	}
	return nil
}

func resolveFields(byName map[string]int, names []string, what string) ([]int, error) {
	if len(names) == 0 {
		return nil, nil
	}
	idx := make([]int, len(names))
	seen := make(map[string]struct{}, len(names))
	for i, name := range names {
		pos, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("%s field %q not in schema", what, name)
		}
		if _, dup := seen[name]; dup {
			return nil, fmt.Errorf("duplicate %s field %q", what, name)
		}
		seen[name] = struct{}{}
		idx[i] = pos
	}
	return idx, nil
}

// HasPrimaryKey reports whether the table merges records by key.
func (s *Schema) HasPrimaryKey() bool { return len(s.keyIdx) > 0 }

// CheckRow validates a row's arity and field types against the schema.
func (s *Schema) CheckRow(row Row) error {
	if len(row) != len(s.Fields) {
		return fmt.Errorf("row has %d fields, schema has %d", len(row), len(s.Fields))
	}
	for i, v := range row {
		if v.IsNull() {
			continue
		}
		if v.Type() != s.Fields[i].Type {
			return fmt.Errorf("field %q: got %s, want %s", s.Fields[i].Name, v.Type(), s.Fields[i].Type)
		}
	}
	return nil
}

// KeyOf encodes the row's key fields into memcomparable bytes. For
// append-only tables it returns the encoding of the whole row, which is
// used for bucket routing only, never for merging.
func (s *Schema) KeyOf(row Row) ([]byte, error) {
	if len(s.keyIdx) == 0 {
		return EncodeKey(nil, row)
	}
	fields := make([]Value, len(s.keyIdx))
	for i, idx := range s.keyIdx {
		fields[i] = row[idx]
	}
	return EncodeKey(nil, fields)
}

// PartitionOf extracts the row's partition tuple.
func (s *Schema) PartitionOf(row Row) Partition {
	if len(s.partIdx) == 0 {
		return nil
	}
	p := make(Partition, len(s.partIdx))
	for i, idx := range s.partIdx {
		p[i] = PartitionField{Name: s.Fields[idx].Name, Value: row[idx]}
	}
	return p
}

// BucketOf routes an encoded key to a bucket. The routing is a stable
// contract: separate writer processes must agree on it.
func (s *Schema) BucketOf(key []byte) uint32 {
	return hash.CRC32C(key) % uint32(s.BucketCount)
}

// FieldIndex returns the position of the named field, or -1.
func (s *Schema) FieldIndex(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}
