package model

import (
	"fmt"
	"net/url"
	"strings"
)

// PartitionField is one named literal of a partition tuple.
type PartitionField struct {
	Name  string `json:"name"`
	Value Value  `json:"value"`
}

// Partition identifies one partition of a table: an ordered tuple of
// typed literals, one per partition field of the schema. The empty
// Partition denotes an unpartitioned table.
type Partition []PartitionField

// Key returns a canonical string form usable as a map key. Two partitions
// of the same schema are equal iff their keys are equal.
func (p Partition) Key() string {
	if len(p) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, f := range p {
		if i > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(f.Name)
		sb.WriteByte('=')
		sb.WriteString(partitionLiteral(f.Value))
	}
	return sb.String()
}

// Path returns the storage path fragment for the partition, in Hive
// layout ("dt=2024-01-01/hh=12"). Empty for unpartitioned tables.
// Literals are escaped so path separators inside values stay unambiguous.
func (p Partition) Path() string {
	if len(p) == 0 {
		return ""
	}
	var sb strings.Builder
	for i, f := range p {
		if i > 0 {
			sb.WriteByte('/')
		}
		sb.WriteString(url.PathEscape(f.Name))
		sb.WriteByte('=')
		sb.WriteString(url.PathEscape(partitionLiteral(f.Value)))
	}
	return sb.String()
}

// Equal reports whether two partitions are the same tuple.
func (p Partition) Equal(o Partition) bool {
	if len(p) != len(o) {
		return false
	}
	for i := range p {
		if p[i].Name != o[i].Name || !p[i].Value.Equal(o[i].Value) {
			return false
		}
	}
	return true
}

// String implements fmt.Stringer.
func (p Partition) String() string {
	if len(p) == 0 {
		return "{}"
	}
	return "{" + p.Key() + "}"
}

func partitionLiteral(v Value) string {
	if v.IsNull() {
		return "__NULL__"
	}
	switch v.Type() {
	case TypeString:
		return v.AsString()
	case TypeBytes:
		return fmt.Sprintf("0x%x", v.raw)
	default:
		return strings.Trim(v.String(), `"`)
	}
}
