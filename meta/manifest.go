package meta

import "fmt"

// EntryKind records whether a manifest entry adds or deletes a file.
//
// The numeric values are part of the wire format and must not change.
type EntryKind uint8

const (
	// EntryAdd marks a file joining the live set.
	EntryAdd EntryKind = 0
	// EntryDelete marks a file leaving the live set.
	EntryDelete EntryKind = 1
)

// String implements fmt.Stringer.
func (k EntryKind) String() string {
	switch k {
	case EntryAdd:
		return "ADD"
	case EntryDelete:
		return "DELETE"
	default:
		return fmt.Sprintf("EntryKind(%d)", uint8(k))
	}
}

// ManifestEntry records one file status change produced by one commit.
type ManifestEntry struct {
	Kind EntryKind    `json:"kind"`
	File DataFileMeta `json:"file"`
}

// ManifestFileMeta describes one manifest file inside a manifest list.
// The counts let readers skip manifests whose entries fully cancel out
// and let the manifest merge policy find small files.
type ManifestFileMeta struct {
	Path        string `json:"path"`
	EntryCount  uint64 `json:"entry_count"`
	AddCount    uint64 `json:"add_count"`
	DeleteCount uint64 `json:"delete_count"`
	Size        int64  `json:"size"`
}

// String implements fmt.Stringer for log output.
func (m ManifestFileMeta) String() string {
	return fmt.Sprintf("manifest(%s entries=%d size=%d)", m.Path, m.EntryCount, m.Size)
}
