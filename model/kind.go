package model

import "fmt"

// Kind is the change kind of a record.
//
// The numeric values are part of the on-disk format and must not change.
type Kind uint8

const (
	// KindInsert adds a new row for a key.
	KindInsert Kind = 0
	// KindUpdate replaces or amends the row for a key.
	KindUpdate Kind = 1
	// KindDelete retracts the row for a key.
	KindDelete Kind = 2
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k <= KindDelete
}

// String returns a short human-readable form ("+I", "+U", "-D").
func (k Kind) String() string {
	switch k {
	case KindInsert:
		return "+I"
	case KindUpdate:
		return "+U"
	case KindDelete:
		return "-D"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}
