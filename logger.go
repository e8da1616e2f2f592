package lakego

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with lakego-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithTable adds a table path field to the logger.
func (l *Logger) WithTable(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("table", path),
	}
}

// WithSnapshot adds a snapshot id field to the logger.
func (l *Logger) WithSnapshot(id uint64) *Logger {
	return &Logger{
		Logger: l.Logger.With("snapshot", id),
	}
}

// WithPartition adds a partition field to the logger.
func (l *Logger) WithPartition(partition string) *Logger {
	return &Logger{
		Logger: l.Logger.With("partition", partition),
	}
}

// LogCommit logs a commit operation.
func (l *Logger) LogCommit(ctx context.Context, snapshotID uint64, kind string, files int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"kind", kind,
			"files", files,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "commit completed",
			"snapshot", snapshotID,
			"kind", kind,
			"files", files,
		)
	}
}

// LogScan logs the opening of a scan.
func (l *Logger) LogScan(ctx context.Context, snapshotID uint64, files int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "scan failed",
			"snapshot", snapshotID,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "scan opened",
			"snapshot", snapshotID,
			"files", files,
		)
	}
}

// LogCompact logs a compaction request.
func (l *Logger) LogCompact(ctx context.Context, buckets int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "compaction failed",
			"buckets", buckets,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "compaction completed",
			"buckets", buckets,
		)
	}
}

// LogExpire logs a snapshot expiration run.
func (l *Logger) LogExpire(ctx context.Context, expired, dataFiles int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "snapshot expiration failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "snapshots expired",
			"expired", expired,
			"data_files", dataFiles,
		)
	}
}

// LogCleanup logs an orphan file cleanup run.
func (l *Logger) LogCleanup(ctx context.Context, deleted int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "orphan cleanup failed",
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "orphan cleanup completed",
			"deleted", deleted,
		)
	}
}
