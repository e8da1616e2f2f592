package codec

import (
	"encoding/json"
)

// JSON is the standard-library JSON codec.
//
// It is the most portable option: every metadata object Lakego writes is
// a plain struct with stable tags, so stdlib JSON always round-trips it.
type JSON struct{}

// Marshal encodes the value to JSON.
func (JSON) Marshal(v any) ([]byte, error) { return json.Marshal(v) }

// Unmarshal decodes the JSON data into v.
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }

// Name returns the unique name of the codec ("json").
func (JSON) Name() string { return "json" }

// Default is the codec used when table options do not pin one.
//
// Commit-heavy tables decode manifests on every scan and every commit
// validation, which is where the faster encoder pays off.
var Default Codec = GoJSON{}
