package rowbin

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/hupe1980/lakego/model"
)

// Record wire form, all integers varint unless noted:
//
//	[uvarint] key length
//	[bytes]   key
//	[uvarint] sequence
//	[1]       change kind
//	[uvarint] field count
//	fields:
//	  [1]     value type
//	  payload (type dependent; float64 is 8 bytes little endian)

func appendRecord(dst []byte, r model.Record) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(r.Key)))
	dst = append(dst, r.Key...)
	dst = binary.AppendUvarint(dst, r.Sequence)
	dst = append(dst, byte(r.Kind))
	dst = binary.AppendUvarint(dst, uint64(len(r.Row)))
	for _, v := range r.Row {
		dst = appendValue(dst, v)
	}
	return dst
}

func appendValue(dst []byte, v model.Value) []byte {
	dst = append(dst, byte(v.Type()))
	switch v.Type() {
	case model.TypeNull:
	case model.TypeBool:
		var b byte
		if v.AsBool() {
			b = 1
		}
		dst = append(dst, b)
	case model.TypeInt64:
		dst = binary.AppendVarint(dst, v.AsInt64())
	case model.TypeFloat64:
		dst = binary.LittleEndian.AppendUint64(dst, math.Float64bits(v.AsFloat64()))
	case model.TypeString:
		s := v.AsString()
		dst = binary.AppendUvarint(dst, uint64(len(s)))
		dst = append(dst, s...)
	case model.TypeBytes:
		b := v.AsBytes()
		dst = binary.AppendUvarint(dst, uint64(len(b)))
		dst = append(dst, b...)
	}
	return dst
}

// decodeRecord parses one record from data and returns the remainder.
// The returned key aliases data; callers that outlive the block buffer
// must copy it.
func decodeRecord(data []byte) (model.Record, []byte, error) {
	var r model.Record

	keyLen, data, err := readUvarint(data, "key length")
	if err != nil {
		return r, nil, err
	}
	if keyLen > uint64(len(data)) {
		return r, nil, fmt.Errorf("key length %d exceeds block: %w", keyLen, ErrCorrupt)
	}
	if keyLen > 0 {
		r.Key = data[:keyLen:keyLen]
		data = data[keyLen:]
	}

	if r.Sequence, data, err = readUvarint(data, "sequence"); err != nil {
		return r, nil, err
	}

	if len(data) == 0 {
		return r, nil, fmt.Errorf("truncated record kind: %w", ErrCorrupt)
	}
	r.Kind = model.Kind(data[0])
	data = data[1:]
	if !r.Kind.Valid() {
		return r, nil, fmt.Errorf("unknown record kind %d: %w", uint8(r.Kind), ErrCorrupt)
	}

	fieldCount, data, err := readUvarint(data, "field count")
	if err != nil {
		return r, nil, err
	}
	if fieldCount > uint64(len(data)) {
		// Every field takes at least one byte, so this cannot decode.
		return r, nil, fmt.Errorf("field count %d exceeds block: %w", fieldCount, ErrCorrupt)
	}

	r.Row = make(model.Row, fieldCount)
	for i := range r.Row {
		if r.Row[i], data, err = decodeValue(data); err != nil {
			return r, nil, err
		}
	}
	return r, data, nil
}

func decodeValue(data []byte) (model.Value, []byte, error) {
	if len(data) == 0 {
		return model.Value{}, nil, fmt.Errorf("truncated value type: %w", ErrCorrupt)
	}
	typ := model.ValueType(data[0])
	data = data[1:]

	switch typ {
	case model.TypeNull:
		return model.Null(), data, nil

	case model.TypeBool:
		if len(data) < 1 {
			return model.Value{}, nil, fmt.Errorf("truncated bool value: %w", ErrCorrupt)
		}
		return model.Bool(data[0] != 0), data[1:], nil

	case model.TypeInt64:
		n, rest, err := readVarint(data)
		if err != nil {
			return model.Value{}, nil, err
		}
		return model.Int64(n), rest, nil

	case model.TypeFloat64:
		if len(data) < 8 {
			return model.Value{}, nil, fmt.Errorf("truncated float64 value: %w", ErrCorrupt)
		}
		bits := binary.LittleEndian.Uint64(data)
		return model.Float64(math.Float64frombits(bits)), data[8:], nil

	case model.TypeString:
		n, rest, err := readUvarint(data, "string length")
		if err != nil {
			return model.Value{}, nil, err
		}
		if n > uint64(len(rest)) {
			return model.Value{}, nil, fmt.Errorf("string length %d exceeds block: %w", n, ErrCorrupt)
		}
		return model.String(string(rest[:n])), rest[n:], nil

	case model.TypeBytes:
		n, rest, err := readUvarint(data, "bytes length")
		if err != nil {
			return model.Value{}, nil, err
		}
		if n > uint64(len(rest)) {
			return model.Value{}, nil, fmt.Errorf("bytes length %d exceeds block: %w", n, ErrCorrupt)
		}
		return model.Bytes(rest[:n]), rest[n:], nil

	default:
		return model.Value{}, nil, fmt.Errorf("unknown value type %d: %w", uint8(typ), ErrCorrupt)
	}
}

func readUvarint(data []byte, what string) (uint64, []byte, error) {
	v, n := binary.Uvarint(data)
	if n <= 0 {
		return 0, nil, fmt.Errorf("truncated %s: %w", what, ErrCorrupt)
	}
	return v, data[n:], nil
}

func readVarint(data []byte) (int64, []byte, error) {
	v, n := binary.Varint(data)
	if n <= 0 {
		return 0, nil, fmt.Errorf("truncated varint: %w", ErrCorrupt)
	}
	return v, data[n:], nil
}
