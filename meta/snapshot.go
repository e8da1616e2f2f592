package meta

import (
	"encoding/json"
	"fmt"
	"time"
)

// CommitKind classifies what produced a snapshot.
type CommitKind uint8

const (
	// CommitAppend is a regular data commit from a writer flush.
	CommitAppend CommitKind = iota
	// CommitCompact is a file-rewriting commit that does not change
	// logical table content.
	CommitCompact
	// CommitOverwrite replaces the live files of entire partitions.
	CommitOverwrite
)

var commitKindNames = map[CommitKind]string{
	CommitAppend:    "APPEND",
	CommitCompact:   "COMPACT",
	CommitOverwrite: "OVERWRITE",
}

// String implements fmt.Stringer.
func (k CommitKind) String() string {
	if name, ok := commitKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("CommitKind(%d)", uint8(k))
}

// MarshalJSON writes the kind as its stable wire name.
func (k CommitKind) MarshalJSON() ([]byte, error) {
	name, ok := commitKindNames[k]
	if !ok {
		return nil, fmt.Errorf("unknown commit kind %d", uint8(k))
	}
	return json.Marshal(name)
}

// UnmarshalJSON resolves a wire name back to the kind.
func (k *CommitKind) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for kind, n := range commitKindNames {
		if n == name {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown commit kind %q", name)
}

// Snapshot is one immutable, numbered, consistent view of the table.
// IDs start at 1 and the committed history has no gaps; PrevID links the
// chain back to genesis (PrevID 0 on the first snapshot).
//
// The descriptor is the unit of the atomic pointer advance: committing
// snapshot N means create-if-absent of the object named for N.
type Snapshot struct {
	ID           uint64     `json:"id"`
	PrevID       uint64     `json:"prev_id,omitempty"`
	ManifestList string     `json:"manifest_list"`
	CommitID     string     `json:"commit_id"`
	CommitKind   CommitKind `json:"commit_kind"`
	TimestampMs  int64      `json:"timestamp_ms"`

	// BaseRewrite marks snapshots whose manifest list was rebuilt by a
	// manifest merge instead of extended. The live-file set is unchanged;
	// conflict checks must diff file sets, not list structure.
	BaseRewrite bool `json:"base_rewrite,omitempty"`
}

// Time returns the commit time.
func (s *Snapshot) Time() time.Time {
	return time.UnixMilli(s.TimestampMs)
}

// String implements fmt.Stringer for log output.
func (s *Snapshot) String() string {
	return fmt.Sprintf("snapshot(%d %s commit=%q)", s.ID, s.CommitKind, s.CommitID)
}
