package model

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Key encoding tags. One tag byte precedes every encoded field so that a
// null field and an empty string field remain distinguishable and ordered.
const (
	keyTagNull    = 0x00
	keyTagBool    = 0x01
	keyTagInt64   = 0x02
	keyTagFloat64 = 0x03
	keyTagString  = 0x04
	keyTagBytes   = 0x05
)

// Escape scheme for variable-length fields: 0x00 inside the payload is
// written as {0x00 0xFF}; the field ends with {0x00 0x01}. The terminator
// compares below every escaped continuation, which preserves prefix order.
const (
	keyEscape      = 0x00
	keyEscapedByte = 0xFF
	keyTerminator  = 0x01
)

// EncodeKey appends the memcomparable encoding of fields to dst and
// returns the extended slice. bytes.Compare on two encodings equals the
// field-by-field CompareValues order, provided both were produced from
// the same schema.
func EncodeKey(dst []byte, fields []Value) ([]byte, error) {
	for _, v := range fields {
		var err error
		dst, err = encodeKeyValue(dst, v)
		if err != nil {
			return nil, err
		}
	}
	return dst, nil
}

func encodeKeyValue(dst []byte, v Value) ([]byte, error) {
	switch v.Type() {
	case TypeNull:
		return append(dst, keyTagNull), nil
	case TypeBool:
		b := byte(0)
		if v.AsBool() {
			b = 1
		}
		return append(dst, keyTagBool, b), nil
	case TypeInt64:
		// Flipping the sign bit maps int64 order onto uint64 order.
		u := uint64(v.AsInt64()) ^ (1 << 63)
		dst = append(dst, keyTagInt64)
		return binary.BigEndian.AppendUint64(dst, u), nil
	case TypeFloat64:
		dst = append(dst, keyTagFloat64)
		return binary.BigEndian.AppendUint64(dst, floatSortBits(v.AsFloat64())), nil
	case TypeString:
		dst = append(dst, keyTagString)
		return appendEscaped(dst, []byte(v.AsString())), nil
	case TypeBytes:
		dst = append(dst, keyTagBytes)
		return appendEscaped(dst, v.raw), nil
	default:
		return nil, fmt.Errorf("unsupported key field type %s", v.Type())
	}
}

// floatSortBits transforms IEEE 754 bits so unsigned order equals float
// order: negative floats have all bits flipped, non-negative floats have
// the sign bit set.
func floatSortBits(f float64) uint64 {
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | (1 << 63)
}

func appendEscaped(dst, payload []byte) []byte {
	for _, b := range payload {
		if b == keyEscape {
			dst = append(dst, keyEscape, keyEscapedByte)
			continue
		}
		dst = append(dst, b)
	}
	return append(dst, keyEscape, keyTerminator)
}
