// Package model defines the record model shared by every layer of Lakego.
//
// # Records
//
//   - Kind: change kind of a record (insert, update, delete)
//   - Value: typed field value (null, bool, int64, float64, string, bytes)
//   - Row: positional field values matching a Schema
//   - Record: a keyed, sequenced row with a change kind
//
// # Keys
//
// Primary keys are encoded into memcomparable bytes: bytes.Compare on two
// encoded keys equals the logical field-by-field comparison. The engine
// only ever compares, routes, and range-prunes on the encoded form.
//
// # Schema
//
// Schema describes a table's fields, the subset forming the primary key,
// the subset forming the partition, and the fixed bucket count. It is
// validated once at table open; later row checks are cheap.
package model
