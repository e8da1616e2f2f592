// Package lakego provides an embedded lakehouse table engine for Go.
//
// This file implements the Table facade: creating and opening tables and
// wiring the metadata stores, the committer and the compaction coordinator.
package lakego

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/hupe1980/lakego/blobstore"
	"github.com/hupe1980/lakego/codec"
	"github.com/hupe1980/lakego/format"
	"github.com/hupe1980/lakego/format/rowbin"
	"github.com/hupe1980/lakego/internal/commit"
	"github.com/hupe1980/lakego/internal/compact"
	"github.com/hupe1980/lakego/internal/manifest"
	"github.com/hupe1980/lakego/internal/resource"
	"github.com/hupe1980/lakego/internal/snapshot"
	"github.com/hupe1980/lakego/merge"
	"github.com/hupe1980/lakego/meta"
	"github.com/hupe1980/lakego/model"
)

// descriptorName is the blob holding the table descriptor. Its presence
// marks the store root as a table.
const descriptorName = "table.json"

// descriptorVersion is the current descriptor layout version.
const descriptorVersion = 1

// tableDescriptor is the immutable identity of a table: schema, merge
// behavior and data file format. Create writes it once; every Open
// reads it back, so all processes sharing the table agree.
type tableDescriptor struct {
	Version int           `json:"version"`
	Schema  *model.Schema `json:"schema"`
	Merge   merge.Config  `json:"merge,omitempty"`
	Format  string        `json:"format"`
}

// Table is a lakehouse table on shared object storage. All mutation
// goes through writers and commits; all reads go through snapshots.
// A Table is safe for concurrent use, and any number of Table handles
// in any number of processes may share the same store.
type Table struct {
	store  blobstore.BlobStore
	codec  codec.Codec
	format format.Format
	schema *model.Schema

	mergeConfig  merge.Config
	mergeFactory merge.Factory // nil for append-only tables

	manifests *manifest.Store
	snapshots *snapshot.Store
	committer *commit.Committer
	compactor *compact.Coordinator

	autoCompact bool
	bufferSize  int64

	metrics MetricsCollector
	logger  *Logger

	closeOnce sync.Once
}

// Create initializes a new table at the store root and returns it ready
// for use. Schema, merge configuration and data file format become the
// table's immutable descriptor. ErrTableExists is returned when a
// descriptor is already in place.
func Create(ctx context.Context, store blobstore.BlobStore, schema *model.Schema, optFns ...Option) (*Table, error) {
	opts := applyOptions(optFns)

	if store == nil {
		return nil, fmt.Errorf("%w: blob store required", ErrInvalidConfig)
	}
	if schema == nil {
		return nil, fmt.Errorf("%w: schema required", ErrInvalidConfig)
	}
	if err := schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	var mergeCfg merge.Config
	if opts.mergeConfig != nil {
		mergeCfg = *opts.mergeConfig
	}
	var mergeFactory merge.Factory
	if schema.HasPrimaryKey() {
		var err error
		if mergeFactory, err = merge.NewFactory(mergeCfg, schema); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	} else if opts.mergeConfig != nil {
		return nil, fmt.Errorf("%w: merge configuration requires key fields", ErrInvalidConfig)
	}

	f := opts.format
	if f == nil {
		f = rowbin.New()
	}
	c := opts.codec
	if c == nil {
		c = codec.Default
	}

	desc := tableDescriptor{
		Version: descriptorVersion,
		Schema:  schema,
		Merge:   mergeCfg,
		Format:  f.Name(),
	}
	data, err := c.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("marshal table descriptor: %w", err)
	}
	if err := store.PutIfAbsent(ctx, descriptorName, data); err != nil {
		if errors.Is(err, blobstore.ErrAlreadyExists) {
			return nil, ErrTableExists
		}
		return nil, fmt.Errorf("write table descriptor: %w", err)
	}

	return newTable(store, desc, f, c, mergeFactory, opts)
}

// Open loads an existing table from the store root. The descriptor
// written at Create decides schema, merge behavior and format.
// ErrTableNotFound is returned when none is present.
func Open(ctx context.Context, store blobstore.BlobStore, optFns ...Option) (*Table, error) {
	opts := applyOptions(optFns)

	if store == nil {
		return nil, fmt.Errorf("%w: blob store required", ErrInvalidConfig)
	}
	if opts.mergeConfig != nil {
		return nil, fmt.Errorf("%w: merge configuration is fixed at Create", ErrInvalidConfig)
	}

	c := opts.codec
	if c == nil {
		c = codec.Default
	}

	data, err := blobstore.ReadAll(ctx, store, descriptorName)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			return nil, ErrTableNotFound
		}
		return nil, fmt.Errorf("read table descriptor: %w", err)
	}

	var desc tableDescriptor
	if err := c.Unmarshal(data, &desc); err != nil {
		return nil, fmt.Errorf("%w: table descriptor: %w", ErrCorruption, err)
	}
	if desc.Version != descriptorVersion {
		return nil, fmt.Errorf("%w: unsupported table descriptor version %d", ErrCorruption, desc.Version)
	}
	if desc.Schema == nil {
		return nil, fmt.Errorf("%w: table descriptor has no schema", ErrCorruption)
	}
	if err := desc.Schema.Validate(); err != nil {
		return nil, fmt.Errorf("%w: table descriptor: %w", ErrCorruption, err)
	}

	f := opts.format
	if f == nil {
		var ok bool
		if f, ok = format.ByName(desc.Format); !ok {
			return nil, fmt.Errorf("%w: format %q is not registered", ErrInvalidConfig, desc.Format)
		}
	} else if f.Name() != desc.Format {
		return nil, fmt.Errorf("%w: format %q does not match table format %q", ErrInvalidConfig, f.Name(), desc.Format)
	}

	var mergeFactory merge.Factory
	if desc.Schema.HasPrimaryKey() {
		if mergeFactory, err = merge.NewFactory(desc.Merge, desc.Schema); err != nil {
			return nil, fmt.Errorf("%w: table descriptor: %w", ErrCorruption, err)
		}
	}

	return newTable(store, desc, f, c, mergeFactory, opts)
}

func newTable(store blobstore.BlobStore, desc tableDescriptor, f format.Format, c codec.Codec, mergeFactory merge.Factory, opts options) (*Table, error) {
	if opts.metricsCollector == nil {
		opts.metricsCollector = NoopMetricsCollector{}
	}
	if opts.logger == nil {
		opts.logger = NoopLogger()
	}
	slogger := opts.logger.Logger

	manifests := manifest.NewStore(store, manifest.WithCodec(c), manifest.WithLogger(slogger))
	snapshots := snapshot.NewStore(store, manifests, snapshot.WithCodec(c), snapshot.WithLogger(slogger))

	commitOpts := []commit.Option{commit.WithLogger(slogger)}
	if opts.commitRetries > 0 {
		commitOpts = append(commitOpts, commit.WithMaxRetries(opts.commitRetries))
	}
	if opts.commitBackoffBase > 0 {
		commitOpts = append(commitOpts, commit.WithRetryBackoff(opts.commitBackoffBase, opts.commitBackoffMax))
	}
	committer := commit.NewCommitter(snapshots, manifests, commitOpts...)

	rewriterOpts := []compact.RewriterOption{compact.WithRewriterLogger(slogger)}
	if mergeFactory != nil {
		rewriterOpts = append(rewriterOpts, compact.WithMergeFactory(mergeFactory))
	}
	if opts.targetFileSize > 0 {
		rewriterOpts = append(rewriterOpts, compact.WithTargetFileSize(opts.targetFileSize))
	}
	if opts.resources != nil {
		controller := resource.NewController(resource.Config{
			MemoryLimitBytes:     opts.resources.MemoryLimitBytes,
			MaxBackgroundWorkers: opts.resources.MaxBackgroundWorkers,
			IOLimitBytesPerSec:   opts.resources.IOLimitBytesPerSec,
		})
		rewriterOpts = append(rewriterOpts, compact.WithResourceController(controller))
	}
	rewriter, err := compact.NewRewriter(store, f, desc.Schema, rewriterOpts...)
	if err != nil {
		return nil, err
	}

	coordOpts := []compact.Option{compact.WithLogger(slogger)}
	if opts.compaction != (CompactionPolicy{}) {
		coordOpts = append(coordOpts, compact.WithPicker(compact.NewLeveled(compact.LeveledOptions{
			Level0FileCount: opts.compaction.Level0FileCount,
			SizeRatio:       opts.compaction.SizeRatio,
			MaxLevel:        opts.compaction.MaxLevel,
		})))
	}
	if opts.maxWorkers > 0 {
		coordOpts = append(coordOpts, compact.WithMaxWorkers(opts.maxWorkers))
	}
	compactor, err := compact.NewCoordinator(snapshots, manifests, committer, rewriter, coordOpts...)
	if err != nil {
		return nil, err
	}

	return &Table{
		store:        store,
		codec:        c,
		format:       f,
		schema:       desc.Schema,
		mergeConfig:  desc.Merge,
		mergeFactory: mergeFactory,
		manifests:    manifests,
		snapshots:    snapshots,
		committer:    committer,
		compactor:    compactor,
		autoCompact:  opts.backgroundCompaction,
		bufferSize:   opts.bufferSize,
		metrics:      opts.metricsCollector,
		logger:       opts.logger,
	}, nil
}

// Schema returns the table schema.
func (t *Table) Schema() *model.Schema {
	return t.schema
}

// MergeConfig returns the merge configuration recorded in the table
// descriptor. The zero value means deduplicate.
func (t *Table) MergeConfig() merge.Config {
	return t.mergeConfig
}

// liveFiles resolves the current snapshot and its file set. A nil
// snapshot with an empty set means the table has no commits yet.
func (t *Table) liveFiles(ctx context.Context) (*meta.Snapshot, *manifest.FileSet, error) {
	latest, err := t.snapshots.Latest(ctx)
	if err != nil {
		return nil, nil, err
	}
	var manifests []meta.ManifestFileMeta
	if latest != nil {
		if manifests, err = t.manifests.ReadList(ctx, latest.ManifestList); err != nil {
			return nil, nil, err
		}
	}
	fs, err := t.manifests.FileSet(ctx, manifests)
	if err != nil {
		return nil, nil, err
	}
	return latest, fs, nil
}
