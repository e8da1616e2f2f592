// Package lakego provides an embedded lakehouse table engine for Go.
//
// Lakego stores schematized tables as immutable data files on shared
// object storage and coordinates all access through an append-only
// chain of snapshots. Any number of processes can read and write the
// same table concurrently; optimistic commits with file-level conflict
// detection keep every reader on a consistent view without a central
// server.
//
// # Quick Start
//
// Create a table on any blob store (memory, local disk, S3, MinIO):
//
//	ctx := context.Background()
//	store, _ := blobstore.NewLocalStore("./warehouse/events")
//
//	schema := &model.Schema{
//	    Fields: []model.Field{
//	        {Name: "region", Type: model.TypeString},
//	        {Name: "id", Type: model.TypeInt64},
//	        {Name: "clicks", Type: model.TypeInt64},
//	    },
//	    KeyFields:       []string{"id"},
//	    PartitionFields: []string{"region"},
//	    BucketCount:     4,
//	}
//
//	table, _ := lakego.Create(ctx, store, schema)
//	defer table.Close()
//
// Write rows through a writer; nothing is visible until Commit:
//
//	w, _ := table.NewWriter(ctx)
//	_ = w.Insert(ctx, model.Row{model.String("eu"), model.Int64(1), model.Int64(10)})
//	_ = w.Insert(ctx, model.Row{model.String("eu"), model.Int64(2), model.Int64(5)})
//	result, _ := w.Commit(ctx)
//	fmt.Println("committed snapshot", result.SnapshotID)
//
// Scan the merged table view, or any older snapshot:
//
//	scan, _ := table.Scan(ctx)
//	defer scan.Close()
//	for rec, err := range scan.Records(ctx) {
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    process(rec.Row)
//	}
//
//	old, _ := table.Scan(ctx, lakego.WithScanSnapshot(result.SnapshotID))
//
// # Table Kinds
//
// A schema with key fields defines a primary-key table: rows sharing a
// key collapse into one through the configured merge engine
// (deduplicate, first-row, partial-update or aggregate), and deletes
// retract earlier rows. A schema without key fields defines an
// append-only table: rows are never merged and deletes are rejected.
//
// # Durability Model
//
// Lakego uses commit-oriented durability (append-only versioned
// snapshots):
//
//	w.Insert(ctx, row)  // buffered in memory
//	w.Commit(ctx)       // durable and visible after this
//
// Readers pin the snapshot they open and keep a consistent view for
// the whole scan, regardless of concurrent commits, compactions or
// snapshot expiration.
//
// # Maintenance
//
// Background compaction runs by itself after commits. Housekeeping is
// explicit, either through the API or the lakectl CLI:
//
//	table.Compact(ctx, lakego.CompactRequest{Full: true})
//	table.ExpireSnapshots(ctx, lakego.ExpirePolicy{RetainMin: 10, MaxAge: time.Hour})
//	table.Cleanup(ctx, lakego.CleanupPolicy{GracePeriod: 24 * time.Hour})
//
// # Key Features
//
//   - ACID commits on plain object storage (no server, no lock service)
//   - Primary-key upserts with pluggable merge engines
//   - Hash-bucketed LSM layout with leveled background compaction
//   - Snapshot isolation, time travel and pinned scans
//   - Deletion vectors for sub-file deletes without rewrites
//   - Partition pruning, key-range and bloom-filter data skipping
//   - Pluggable blob stores (memory, local, S3, MinIO) and file formats
package lakego
