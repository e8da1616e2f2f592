// Package lsm organizes one bucket's data files into levels and builds
// the merged view that reads consume.
//
// # Levels
//
// Level 0 holds freshly flushed files whose key ranges may overlap.
// Every level above it is a sorted run: files ordered by key with no
// overlap between neighbors. Compaction is the only path that moves a
// file to a higher level; files are never rewritten in place, so a
// Levels value is immutable and every flush or compaction produces a
// new one.
//
// # Merge-On-Read
//
// A scan opens all files overlapping the requested key range and
// merges their streams with a k-way heap ordered by (key, sequence).
// Versions of one key therefore reach the table's merge engine
// oldest-first, no matter which files they sit in. Deletion vectors
// subtract dropped row positions before records enter the heap.
// Append-only tables skip key merging: the reader concatenates live
// rows in sequence order.
//
// # Flushing
//
// A Writer buffers records per (partition, bucket) in memtables and
// writes each full buffer as one new level-0 file through the
// configured format. A failed flush abandons the output blob and keeps
// the buffer; no metadata ever references the partial file.
package lsm
