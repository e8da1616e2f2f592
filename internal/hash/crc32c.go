// Package hash provides the checksum and routing hash used across Lakego.
//
// Everything uses CRC32-Castagnoli: block checksums in the data file
// format, manifest integrity checks, and bucket routing of keys. The
// routing use makes it a cross-process contract: two writers built from
// different versions must route the same key to the same bucket, so the
// polynomial can never change.
package hash

import (
	"hash"
	"hash/crc32"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// CRC32C computes the CRC32-Castagnoli checksum of data.
// Uses hardware acceleration when available (SSE4.2, ARM CRC).
func CRC32C(data []byte) uint32 {
	return crc32.Checksum(data, crc32cTable)
}

// NewCRC32C returns a streaming CRC32-Castagnoli hash.Hash32.
func NewCRC32C() hash.Hash32 {
	return crc32.New(crc32cTable)
}
