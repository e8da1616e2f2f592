package lakego

import (
	"log/slog"
	"time"

	"github.com/hupe1980/lakego/codec"
	"github.com/hupe1980/lakego/format"
	"github.com/hupe1980/lakego/merge"
)

// CompactionPolicy tunes when the background compactor rewrites a
// bucket. Zero fields fall back to the built-in leveled defaults.
type CompactionPolicy struct {
	// Level0FileCount triggers a compaction of level 0 when more files
	// than this have accumulated there.
	Level0FileCount int

	// SizeRatio triggers a compaction of level n into n+1 when
	// size(n) / size(n+1) exceeds it.
	SizeRatio float64

	// MaxLevel bounds the tree depth.
	MaxLevel int
}

// ResourceLimits bounds the memory, concurrency and IO throughput of
// background work. Zero fields are unlimited, except
// MaxBackgroundWorkers which defaults to 1.
type ResourceLimits struct {
	MemoryLimitBytes     int64
	MaxBackgroundWorkers int64
	IOLimitBytesPerSec   int64
}

type options struct {
	codec                codec.Codec
	format               format.Format
	mergeConfig          *merge.Config
	bufferSize           int64
	targetFileSize       int64
	compaction           CompactionPolicy
	maxWorkers           int
	backgroundCompaction bool
	commitRetries        int
	commitBackoffBase    time.Duration
	commitBackoffMax     time.Duration
	resources            *ResourceLimits
	metricsCollector     MetricsCollector
	logger               *Logger
}

// Option configures Create/Open behavior.
//
// Today options primarily exist to avoid exploding the API surface
// (e.g. codec-specific constructor variants).
//
// Breaking changes are expected while lakego is pre-release.
type Option func(*options)

// WithCodec configures the codec used for table metadata: the
// descriptor, snapshots, manifests and manifest lists.
//
// If nil is passed, codec.Default is used. All processes sharing a
// table must agree on the codec.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithFormat configures the data file format. At Create the format
// name is recorded in the table descriptor; at Open it overrides the
// registry lookup, for formats that are not self-registering.
//
// If nil is passed, the built-in rowbin format is used.
func WithFormat(f format.Format) Option {
	return func(o *options) {
		o.format = f
	}
}

// WithMergeConfig configures how rows sharing a primary key collapse
// into one: deduplicate (last write wins), first-row, partial-update
// or aggregate. The zero merge.Config means deduplicate.
//
// The merge configuration is part of the table descriptor. It is only
// accepted at Create; Open rejects it, because every reader and
// compactor of a table must merge the same way.
//
// Example:
//
//	table, err := lakego.Create(ctx, store, schema,
//	    lakego.WithMergeConfig(merge.Config{
//	        Engine:      merge.EngineAggregate,
//	        Aggregators: map[string]string{"clicks": "sum"},
//	    }),
//	)
func WithMergeConfig(cfg merge.Config) Option {
	return func(o *options) {
		o.mergeConfig = &cfg
	}
}

// WithBufferSize configures how many bytes of rows a writer buffers
// in memory before it flushes data files. Defaults to 64 MiB.
func WithBufferSize(n int64) Option {
	return func(o *options) {
		o.bufferSize = n
	}
}

// WithTargetFileSize configures the output split threshold for
// compaction rewrites. Defaults to 128 MiB.
func WithTargetFileSize(n int64) Option {
	return func(o *options) {
		o.targetFileSize = n
	}
}

// WithCompactionPolicy tunes the leveled compaction picker.
func WithCompactionPolicy(policy CompactionPolicy) Option {
	return func(o *options) {
		o.compaction = policy
	}
}

// WithMaxCompactionWorkers bounds how many buckets compact in
// parallel. Defaults to GOMAXPROCS.
func WithMaxCompactionWorkers(n int) Option {
	return func(o *options) {
		o.maxWorkers = n
	}
}

// WithBackgroundCompaction enables or disables the automatic
// compaction triggers that fire after writer commits. Enabled by
// default; disable it for bulk loads where one explicit Compact at
// the end is cheaper, or when a separate maintenance process owns
// compaction.
//
// Manual Table.Compact keeps working either way.
func WithBackgroundCompaction(enabled bool) Option {
	return func(o *options) {
		o.backgroundCompaction = enabled
	}
}

// WithCommitRetries bounds how often a commit re-bases after losing
// a snapshot race before it gives up with a conflict. Defaults to 10.
func WithCommitRetries(n int) Option {
	return func(o *options) {
		o.commitRetries = n
	}
}

// WithCommitBackoff configures the jittered exponential backoff
// between commit retries. Defaults to 50ms base, 2s ceiling.
func WithCommitBackoff(base, ceil time.Duration) Option {
	return func(o *options) {
		o.commitBackoffBase = base
		o.commitBackoffMax = ceil
	}
}

// WithResourceLimits bounds the resources background compaction may
// consume. Without limits, rewrites run unthrottled.
func WithResourceLimits(limits ResourceLimits) Option {
	return func(o *options) {
		o.resources = &limits
	}
}

// WithMetricsCollector configures a metrics collector for monitoring
// operations. Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &lakego.BasicMetricsCollector{}
//	table, _ := lakego.Open(ctx, store, lakego.WithMetricsCollector(metrics))
//	// ... use table ...
//	stats := metrics.GetStats()
//	fmt.Printf("Commits: %d, Avg latency: %dns\n", stats.CommitCount, stats.CommitAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := lakego.NewJSONLogger(slog.LevelInfo)
//	table, _ := lakego.Open(ctx, store, lakego.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:                nil,
		backgroundCompaction: true,
		metricsCollector:     NoopMetricsCollector{},
		logger:               NoopLogger(),
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
