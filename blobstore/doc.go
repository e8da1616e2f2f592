// Package blobstore provides the storage abstraction for Lakego's
// immutable objects: data files, manifests, manifest lists, snapshot
// descriptors, and deletion-vector index blobs.
//
// Blob names use forward slashes on every backend. Implementations must
// be safe for concurrent use.
//
// # The one hard requirement
//
// PutIfAbsent is the only primitive the commit protocol relies on: a
// conditional create that fails with ErrAlreadyExists when the name is
// taken. Everything else (multi-writer serialization, snapshot
// atomicity) is built on top of it. All other operations are plain
// object I/O.
//
// # Built-in implementations
//
//   - MemoryStore: in-memory, for tests
//   - LocalStore: local filesystem, mmap reads, atomic publish via
//     rename and link
//   - s3.Store: Amazon S3 with range reads, parallel uploads, and
//     conditional puts (plus a DynamoDB pointer store for buckets where
//     conditional writes are not available)
//   - minio.Store: MinIO and other S3-compatible object stores
//   - CachingStore: wraps any store with block-level read caching
package blobstore
