// Package manifest implements the two-level metadata index of a table.
//
// # Overview
//
// Every commit produces one or more manifest files: immutable, uuid-named
// change lists of ADD/DELETE entries for data files. A manifest list is an
// ordered collection of manifest file references; replaying the entries of
// all listed manifests reconstructs the complete live file set of one
// snapshot. Both levels round-trip through a codec.Codec, so the JSON field
// names in the meta package are the wire contract.
//
// # Write-Then-Link
//
// A manifest blob is fully written before any reference to it exists. A
// crash between writing a manifest and writing the list that references it
// leaves an orphan blob, never a dangling reference; orphans are removed by
// table cleanup.
//
// # Replay
//
// A data file is live iff its net ADD count exceeds its DELETE count; in a
// well-formed history that is exactly one ADD and at most one DELETE. The
// one sanctioned exception is descriptor replacement: a commit may DELETE a
// live file and ADD it again with an updated descriptor (attaching a
// deletion vector does this). Replay is otherwise strict: an ADD for a file
// that is already live or a DELETE for one that is not fails with
// ErrCorrupt instead of repairing the set, so a diverging table is caught
// at the first read rather than papered over.
//
// # Merging
//
// Frequent commits accumulate many small manifests and reconstructing a
// file set would touch many blobs. Merge rewrites the accumulated entries
// into fewer manifests near a target size, dropping ADD/DELETE pairs that
// cancel out. The rewritten list describes the same live file set; the
// snapshot publishing it is flagged as a base rewrite so conflict checks
// know the manifest structure changed while the file set did not.
package manifest
