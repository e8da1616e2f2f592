package snapshot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/meta"
)

// Policy controls which snapshots Expire removes.
type Policy struct {
	// RetainMin is the number of newest snapshots that always survive.
	RetainMin int

	// RetainMax caps the chain length; snapshots beyond it expire.
	// Zero means no count-based expiration.
	RetainMax int

	// MaxAge expires snapshots whose commit time is older than this.
	// Zero means no age-based expiration.
	MaxAge time.Duration
}

// DefaultPolicy returns the expiration policy used by table maintenance.
func DefaultPolicy() Policy {
	return Policy{
		RetainMin: 10,
		MaxAge:    time.Hour,
	}
}

// ExpireResult reports what one Expire call removed.
type ExpireResult struct {
	// Expired lists the removed snapshot ids, ascending.
	Expired []uint64

	// DataFiles counts deleted data and deletion-vector blobs.
	DataFiles int

	// Manifests counts deleted manifest files.
	Manifests int

	// Lists counts deleted manifest lists.
	Lists int
}

// refSet accumulates the blob names a range of snapshots references.
type refSet struct {
	lists     map[string]bool
	manifests map[string]bool
	files     map[string]bool
}

func newRefSet() *refSet {
	return &refSet{
		lists:     make(map[string]bool),
		manifests: make(map[string]bool),
		files:     make(map[string]bool),
	}
}

// Expire removes a prefix of the snapshot chain per policy and deletes
// every blob only the expired range referenced. A pinned snapshot and
// everything after the lowest pin always survive, so in-flight reads keep
// resolving against stable files.
//
// Expire is restartable: a failure mid-deletion leaves descriptors in
// place and a later call resumes, skipping blobs already gone.
func (s *Store) Expire(ctx context.Context, policy Policy) (ExpireResult, error) {
	if policy.RetainMin < 1 {
		policy.RetainMin = 1
	}

	var res ExpireResult

	latest, err := s.Latest(ctx)
	if err != nil {
		return res, err
	}
	if latest == nil {
		return res, nil
	}
	earliest, _, err := s.scanIDs(ctx)
	if err != nil {
		return res, err
	}
	if earliest == 0 {
		return res, nil
	}

	keepFrom := s.keepFrom(ctx, policy, earliest, latest)
	if keepFrom <= earliest {
		return res, nil
	}

	// Everything a surviving snapshot can still reach must stay.
	keep := newRefSet()
	for id := keepFrom; id <= latest.ID; id++ {
		snap, err := s.Snapshot(ctx, id)
		if err != nil {
			return res, err
		}
		if err := s.collectSurvivor(ctx, snap, keep); err != nil {
			return res, err
		}
	}

	// Everything the expired range mentions is a deletion candidate.
	drop := newRefSet()
	var expired []uint64
	for id := earliest; id < keepFrom; id++ {
		snap, err := s.Snapshot(ctx, id)
		if err != nil {
			if errors.Is(err, blobstore.ErrNotFound) {
				continue
			}
			return res, err
		}
		expired = append(expired, id)
		s.collectExpired(ctx, snap, drop)
	}
	if len(expired) == 0 {
		return res, nil
	}

	// Data blobs first, descriptors last: a crash leaves the chain
	// scannable and the next Expire finishes the job.
	for path := range drop.files {
		if keep.files[path] {
			continue
		}
		if err := s.store.Delete(ctx, path); err != nil {
			return res, fmt.Errorf("delete data file %s: %w", path, err)
		}
		res.DataFiles++
	}
	for path := range drop.manifests {
		if keep.manifests[path] {
			continue
		}
		if err := s.store.Delete(ctx, path); err != nil {
			return res, fmt.Errorf("delete manifest %s: %w", path, err)
		}
		res.Manifests++
	}
	for path := range drop.lists {
		if keep.lists[path] {
			continue
		}
		if err := s.store.Delete(ctx, path); err != nil {
			return res, fmt.Errorf("delete manifest list %s: %w", path, err)
		}
		res.Lists++
	}
	for _, id := range expired {
		if err := s.store.Delete(ctx, Name(id)); err != nil {
			return res, fmt.Errorf("delete snapshot %d: %w", id, err)
		}
	}
	res.Expired = expired

	s.writeHint(ctx, EarliestHint, keepFrom)

	if s.logger != nil {
		s.logger.Info("expired snapshots",
			"from", expired[0], "to", expired[len(expired)-1],
			"data_files", res.DataFiles, "manifests", res.Manifests, "lists", res.Lists)
	}
	return res, nil
}

// keepFrom resolves the policy to the first snapshot id that survives.
func (s *Store) keepFrom(ctx context.Context, policy Policy, earliest uint64, latest *meta.Snapshot) uint64 {
	keepFrom := earliest

	if policy.RetainMax > 0 {
		if count := latest.ID - earliest + 1; count > uint64(policy.RetainMax) {
			keepFrom = latest.ID - uint64(policy.RetainMax) + 1
		}
	}

	if policy.MaxAge > 0 {
		cutoff := time.Now().Add(-policy.MaxAge)
		for id := keepFrom; id < latest.ID; id++ {
			snap, err := s.Snapshot(ctx, id)
			if err != nil {
				if errors.Is(err, blobstore.ErrNotFound) {
					continue
				}
				break
			}
			if !snap.Time().Before(cutoff) {
				break
			}
			keepFrom = id + 1
		}
	}

	var minKeep uint64 = 1
	if latest.ID >= uint64(policy.RetainMin) {
		minKeep = latest.ID - uint64(policy.RetainMin) + 1
	}
	if keepFrom > minKeep {
		keepFrom = minKeep
	}

	if floor := s.pinnedFloor(); floor > 0 && keepFrom > floor {
		keepFrom = floor
	}
	return keepFrom
}

// collectSurvivor records every blob a surviving snapshot can reach: its
// list, the manifests the list references, and the data and deletion
// vector blobs live in its file set. Failures here are fatal; a surviving
// snapshot must stay fully readable.
func (s *Store) collectSurvivor(ctx context.Context, snap *meta.Snapshot, set *refSet) error {
	set.lists[snap.ManifestList] = true

	fms, err := s.manifests.ReadList(ctx, snap.ManifestList)
	if err != nil {
		return err
	}
	for _, fm := range fms {
		set.manifests[fm.Path] = true
	}

	fs, err := s.manifests.FileSet(ctx, fms)
	if err != nil {
		return err
	}
	for _, f := range fs.Files() {
		set.files[f.Path] = true
		if f.DeleteVector != nil {
			set.files[f.DeleteVector.Path] = true
		}
	}
	return nil
}

// collectExpired records every blob an expired snapshot mentions: its
// list, manifests, and every path an entry names, live or not. Partially
// deleted metadata from an interrupted run is tolerated; whatever cannot
// be read anymore is left for orphan cleanup.
func (s *Store) collectExpired(ctx context.Context, snap *meta.Snapshot, set *refSet) {
	set.lists[snap.ManifestList] = true

	fms, err := s.manifests.ReadList(ctx, snap.ManifestList)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("skipping unreadable expired list", "snapshot", snap.ID, "error", err)
		}
		return
	}
	for _, fm := range fms {
		set.manifests[fm.Path] = true
		for e, err := range s.manifests.Entries(ctx, fm) {
			if err != nil {
				if s.logger != nil {
					s.logger.Warn("skipping unreadable expired manifest", "snapshot", snap.ID, "manifest", fm.Path, "error", err)
				}
				break
			}
			set.files[e.File.Path] = true
			if e.File.DeleteVector != nil {
				set.files[e.File.DeleteVector.Path] = true
			}
		}
	}
}
