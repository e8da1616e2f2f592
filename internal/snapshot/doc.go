// Package snapshot maintains the snapshot chain of a table.
//
// # Overview
//
// Every successful commit produces one snapshot: an immutable descriptor
// named snapshot-<id> that references the manifest list describing the
// table at that point. IDs start at 1 and increase without gaps; PrevID
// links each descriptor to its predecessor, forming a singly linked,
// append-only chain back to genesis.
//
// # Atomic Advance
//
// The chain itself is the pointer. Committing snapshot N means a
// create-if-absent write of snapshot-<N>; whoever wins owns N, everyone
// else observes ErrPointerMoved and rebases. There is no mutable HEAD
// object to corrupt and no lock to leak.
//
// # Hints
//
// LATEST and EARLIEST are advisory hint blobs holding a bare snapshot id.
// They save probing on hot paths but correctness never depends on them:
// Latest probes forward from the hint and falls back to listing the
// snapshot directory when the hint is missing or stale; hint writes are
// best-effort and may lag under concurrent commits.
//
// # Pins And Expiration
//
// Scans pin the snapshot id they resolved so expiration cannot delete
// files out from under an in-flight read. Expire removes a prefix of the
// chain by policy (retain counts, age), never a pinned id or anything
// after the lowest pin, then deletes the blobs only the expired range
// referenced: data files and deletion vectors live in no surviving
// snapshot, manifests in no surviving list, and the expired lists and
// descriptors themselves.
package snapshot
