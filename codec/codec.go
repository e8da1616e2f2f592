// Package codec centralizes metadata encoding.
//
// Snapshots, manifests, and manifest lists round-trip through a Codec.
// The encoded field names are the cross-version wire contract; the codec
// itself only picks the byte encoding of those fields. Lakego treats
// codec selection as a breaking-change boundary: bytes written by one
// codec are not guaranteed to decode under another.
package codec

import "fmt"

// Codec encodes/decodes metadata values.
// Implementations must be safe for concurrent use.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
	Name() string
}

// ByName returns a built-in codec by its stable name.
//
// Deployments that pin a codec in table options use this to resolve the
// same codec on every process that opens the table.
func ByName(name string) (Codec, bool) {
	switch name {
	case "json":
		return JSON{}, true
	case "go-json":
		return GoJSON{}, true
	default:
		return nil, false
	}
}

// MustMarshal is a helper for internal tests.
func MustMarshal(c Codec, v any) []byte {
	if c == nil {
		c = Default
	}
	b, err := c.Marshal(v)
	if err != nil {
		panic(fmt.Errorf("codec %s marshal failed: %w", c.Name(), err))
	}
	return b
}
