package model

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func encodeOne(t *testing.T, fields ...Value) []byte {
	t.Helper()
	key, err := EncodeKey(nil, fields)
	require.NoError(t, err)
	return key
}

func TestEncodeKeyOrdering(t *testing.T) {
	tests := []struct {
		name string
		a, b []Value
		want int
	}{
		{"int positive", []Value{Int64(1)}, []Value{Int64(2)}, -1},
		{"int negative vs positive", []Value{Int64(-5)}, []Value{Int64(3)}, -1},
		{"int min vs max", []Value{Int64(-1 << 62)}, []Value{Int64(1 << 62)}, -1},
		{"int equal", []Value{Int64(42)}, []Value{Int64(42)}, 0},
		{"float negative vs positive", []Value{Float64(-1.5)}, []Value{Float64(0.5)}, -1},
		{"float fractions", []Value{Float64(1.25)}, []Value{Float64(1.5)}, -1},
		{"float negzero vs poszero", []Value{Float64(-0.0)}, []Value{Float64(0.0)}, -1},
		{"bool", []Value{Bool(false)}, []Value{Bool(true)}, -1},
		{"string prefix", []Value{String("a")}, []Value{String("ab")}, -1},
		{"string embedded zero", []Value{String("a")}, []Value{String("a\x00b")}, -1},
		{"string zero vs one", []Value{String("a\x00")}, []Value{String("a\x01")}, -1},
		{"bytes empty vs zero", []Value{Bytes(nil)}, []Value{Bytes([]byte{0})}, -1},
		{"null sorts first", []Value{Null()}, []Value{Int64(-1 << 62)}, -1},
		{"composite first field wins", []Value{String("a"), Int64(9)}, []Value{String("b"), Int64(1)}, -1},
		{"composite second field breaks tie", []Value{String("a"), Int64(1)}, []Value{String("a"), Int64(2)}, -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytes.Compare(encodeOne(t, tt.a...), encodeOne(t, tt.b...))
			require.Equal(t, tt.want, got)

			// The mirrored comparison must flip.
			mirror := bytes.Compare(encodeOne(t, tt.b...), encodeOne(t, tt.a...))
			require.Equal(t, -tt.want, mirror)
		})
	}
}

func TestEncodeKeyMatchesCompareValues(t *testing.T) {
	vals := []Value{
		Null(),
		Int64(-100), Int64(0), Int64(1), Int64(99999),
	}
	for i, a := range vals {
		for j, b := range vals {
			ka := encodeOne(t, a)
			kb := encodeOne(t, b)
			want := CompareValues(a, b)
			got := bytes.Compare(ka, kb)
			require.Equal(t, sign(want), sign(got), "vals[%d] vs vals[%d]", i, j)
		}
	}
}

func sign(v int) int {
	switch {
	case v < 0:
		return -1
	case v > 0:
		return 1
	default:
		return 0
	}
}

func TestEncodeKeyEmptyVsNull(t *testing.T) {
	// An empty string and a null field must encode differently.
	empty := encodeOne(t, String(""))
	null := encodeOne(t, Null())
	require.NotEqual(t, empty, null)
	require.Equal(t, -1, bytes.Compare(null, empty))
}
