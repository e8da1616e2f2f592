// Package meta defines the immutable metadata value objects of a table:
// data file descriptors, manifest entries, manifest file descriptors,
// snapshot descriptors, and deletion vectors.
//
// Everything here is a value: once written under a snapshot it is never
// mutated, only superseded by new objects in later snapshots. JSON field
// names are a wire contract; readers of other versions depend on them.
package meta
