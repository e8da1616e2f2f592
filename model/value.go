package model

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueType identifies the type of a Value.
//
// The numeric values are part of the on-disk format and must not change.
type ValueType uint8

const (
	TypeNull ValueType = iota
	TypeBool
	TypeInt64
	TypeFloat64
	TypeString
	TypeBytes
)

// String returns the lowercase type name used in serialized schemas.
func (t ValueType) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeBool:
		return "bool"
	case TypeInt64:
		return "int64"
	case TypeFloat64:
		return "float64"
	case TypeString:
		return "string"
	case TypeBytes:
		return "bytes"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ValueTypeByName resolves a serialized type name back to its ValueType.
func ValueTypeByName(name string) (ValueType, error) {
	switch name {
	case "null":
		return TypeNull, nil
	case "bool":
		return TypeBool, nil
	case "int64":
		return TypeInt64, nil
	case "float64":
		return TypeFloat64, nil
	case "string":
		return TypeString, nil
	case "bytes":
		return TypeBytes, nil
	default:
		return 0, fmt.Errorf("unknown value type %q", name)
	}
}

// Value is a typed field value. The zero Value is null.
//
// Values are immutable; Bytes copies on construction and access so callers
// can never alias engine-internal buffers.
type Value struct {
	typ ValueType
	num uint64
	str string
	raw []byte
}

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a bool value.
func Bool(v bool) Value {
	var n uint64
	if v {
		n = 1
	}
	return Value{typ: TypeBool, num: n}
}

// Int64 returns an int64 value.
func Int64(v int64) Value { return Value{typ: TypeInt64, num: uint64(v)} }

// Float64 returns a float64 value.
func Float64(v float64) Value { return Value{typ: TypeFloat64, num: math.Float64bits(v)} }

// String returns a string value.
func String(v string) Value { return Value{typ: TypeString, str: v} }

// Bytes returns a bytes value. The input is copied.
func Bytes(v []byte) Value {
	return Value{typ: TypeBytes, raw: bytes.Clone(v)}
}

// Type returns the type tag of the value.
func (v Value) Type() ValueType { return v.typ }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.typ == TypeNull }

// AsBool returns the bool payload. Only valid for TypeBool.
func (v Value) AsBool() bool { return v.num != 0 }

// AsInt64 returns the int64 payload. Only valid for TypeInt64.
func (v Value) AsInt64() int64 { return int64(v.num) }

// AsFloat64 returns the float64 payload. Only valid for TypeFloat64.
func (v Value) AsFloat64() float64 { return math.Float64frombits(v.num) }

// AsString returns the string payload. Only valid for TypeString.
func (v Value) AsString() string { return v.str }

// AsBytes returns a copy of the bytes payload. Only valid for TypeBytes.
func (v Value) AsBytes() []byte { return bytes.Clone(v.raw) }

// Equal reports whether two values have the same type and payload.
func (v Value) Equal(o Value) bool {
	return CompareValues(v, o) == 0 && v.typ == o.typ
}

// Size returns an approximate in-memory footprint in bytes. Write
// buffers use it for flush accounting.
func (v Value) Size() int {
	switch v.typ {
	case TypeString:
		return 16 + len(v.str)
	case TypeBytes:
		return 24 + len(v.raw)
	default:
		return 16
	}
}

// String implements fmt.Stringer for debugging output.
func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "null"
	case TypeBool:
		return fmt.Sprintf("%t", v.AsBool())
	case TypeInt64:
		return fmt.Sprintf("%d", v.AsInt64())
	case TypeFloat64:
		return fmt.Sprintf("%g", v.AsFloat64())
	case TypeString:
		return fmt.Sprintf("%q", v.str)
	case TypeBytes:
		return fmt.Sprintf("0x%x", v.raw)
	default:
		return fmt.Sprintf("value(%d)", uint8(v.typ))
	}
}

// CompareValues orders two values of the same type. Null sorts before every
// non-null value; two nulls are equal. Comparing distinct non-null types is
// undefined and reports the type tag order.
func CompareValues(a, b Value) int {
	if a.typ == TypeNull || b.typ == TypeNull {
		switch {
		case a.typ == b.typ:
			return 0
		case a.typ == TypeNull:
			return -1
		default:
			return 1
		}
	}
	if a.typ != b.typ {
		return int(a.typ) - int(b.typ)
	}
	switch a.typ {
	case TypeBool, TypeInt64:
		ai, bi := int64(a.num), int64(b.num)
		switch {
		case ai < bi:
			return -1
		case ai > bi:
			return 1
		}
		return 0
	case TypeFloat64:
		af, bf := a.AsFloat64(), b.AsFloat64()
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	case TypeString:
		switch {
		case a.str < b.str:
			return -1
		case a.str > b.str:
			return 1
		}
		return 0
	case TypeBytes:
		return bytes.Compare(a.raw, b.raw)
	default:
		return 0
	}
}

// valueJSON is the stable wire form of a Value.
type valueJSON struct {
	Type  string `json:"type"`
	Bool  *bool  `json:"bool,omitempty"`
	Int   *int64 `json:"int,omitempty"`
	// Floats ride as strings so NaN and infinities survive the trip.
	Float *string `json:"float,omitempty"`
	Str   *string `json:"str,omitempty"`
	Bytes *string `json:"bytes,omitempty"`
}

// MarshalJSON implements json.Marshaler with stable field names.
func (v Value) MarshalJSON() ([]byte, error) {
	w := valueJSON{Type: v.typ.String()}
	switch v.typ {
	case TypeBool:
		b := v.AsBool()
		w.Bool = &b
	case TypeInt64:
		i := v.AsInt64()
		w.Int = &i
	case TypeFloat64:
		f := strconv.FormatFloat(v.AsFloat64(), 'g', -1, 64)
		w.Float = &f
	case TypeString:
		s := v.str
		w.Str = &s
	case TypeBytes:
		s := base64.StdEncoding.EncodeToString(v.raw)
		w.Bytes = &s
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w valueJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	typ, err := ValueTypeByName(w.Type)
	if err != nil {
		return err
	}
	switch typ {
	case TypeNull:
		*v = Null()
	case TypeBool:
		if w.Bool == nil {
			return fmt.Errorf("bool value missing payload")
		}
		*v = Bool(*w.Bool)
	case TypeInt64:
		if w.Int == nil {
			return fmt.Errorf("int64 value missing payload")
		}
		*v = Int64(*w.Int)
	case TypeFloat64:
		if w.Float == nil {
			return fmt.Errorf("float64 value missing payload")
		}
		f, err := strconv.ParseFloat(*w.Float, 64)
		if err != nil {
			return fmt.Errorf("parse float64 value: %w", err)
		}
		*v = Float64(f)
	case TypeString:
		if w.Str == nil {
			return fmt.Errorf("string value missing payload")
		}
		*v = String(*w.Str)
	case TypeBytes:
		if w.Bytes == nil {
			return fmt.Errorf("bytes value missing payload")
		}
		raw, err := base64.StdEncoding.DecodeString(*w.Bytes)
		if err != nil {
			return fmt.Errorf("decode bytes value: %w", err)
		}
		*v = Value{typ: TypeBytes, raw: raw}
	}
	return nil
}
