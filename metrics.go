package lakego

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus.
//
// Example Prometheus integration:
//
//	type PrometheusCollector struct {
//	    commitCounter  prometheus.Counter
//	    scanHistogram  prometheus.Histogram
//	}
//
//	func (p *PrometheusCollector) RecordCommit(files int, duration time.Duration, err error) {
//	    p.commitCounter.Inc()
//	    // ... record error state, duration, etc.
//	}
type MetricsCollector interface {
	// RecordCommit is called after each writer commit.
	// files is the number of data files the commit added or replaced,
	// duration is the total time taken, err is nil if successful.
	RecordCommit(files int, duration time.Duration, err error)

	// RecordScan is called after each scan open.
	RecordScan(duration time.Duration, err error)

	// RecordCompaction is called after each foreground compaction request.
	RecordCompaction(duration time.Duration, err error)

	// RecordExpire is called after each snapshot expiration run.
	// expired is the number of snapshots removed.
	RecordExpire(expired int, duration time.Duration, err error)

	// RecordCleanup is called after each orphan cleanup run.
	// deleted is the number of orphan files removed.
	RecordCleanup(deleted int, duration time.Duration, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCommit(int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordScan(time.Duration, error)         {}
func (NoopMetricsCollector) RecordCompaction(time.Duration, error)   {}
func (NoopMetricsCollector) RecordExpire(int, time.Duration, error)  {}
func (NoopMetricsCollector) RecordCleanup(int, time.Duration, error) {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CommitCount          atomic.Int64
	CommitErrors         atomic.Int64
	CommitFiles          atomic.Int64
	CommitTotalNanos     atomic.Int64
	ScanCount            atomic.Int64
	ScanErrors           atomic.Int64
	ScanTotalNanos       atomic.Int64
	CompactionCount      atomic.Int64
	CompactionErrors     atomic.Int64
	CompactionTotalNanos atomic.Int64
	ExpireCount          atomic.Int64
	ExpireErrors         atomic.Int64
	ExpiredSnapshots     atomic.Int64
	CleanupCount         atomic.Int64
	CleanupErrors        atomic.Int64
	CleanupDeleted       atomic.Int64
}

// RecordCommit implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCommit(files int, duration time.Duration, err error) {
	b.CommitCount.Add(1)
	b.CommitFiles.Add(int64(files))
	b.CommitTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CommitErrors.Add(1)
	}
}

// RecordScan implements MetricsCollector.
func (b *BasicMetricsCollector) RecordScan(duration time.Duration, err error) {
	b.ScanCount.Add(1)
	b.ScanTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.ScanErrors.Add(1)
	}
}

// RecordCompaction implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCompaction(duration time.Duration, err error) {
	b.CompactionCount.Add(1)
	b.CompactionTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.CompactionErrors.Add(1)
	}
}

// RecordExpire implements MetricsCollector.
func (b *BasicMetricsCollector) RecordExpire(expired int, duration time.Duration, err error) {
	b.ExpireCount.Add(1)
	b.ExpiredSnapshots.Add(int64(expired))
	if err != nil {
		b.ExpireErrors.Add(1)
	}
}

// RecordCleanup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCleanup(deleted int, duration time.Duration, err error) {
	b.CleanupCount.Add(1)
	b.CleanupDeleted.Add(int64(deleted))
	if err != nil {
		b.CleanupErrors.Add(1)
	}
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CommitCount:         b.CommitCount.Load(),
		CommitErrors:        b.CommitErrors.Load(),
		CommitFiles:         b.CommitFiles.Load(),
		CommitAvgNanos:      b.getAvgCommitNanos(),
		ScanCount:           b.ScanCount.Load(),
		ScanErrors:          b.ScanErrors.Load(),
		ScanAvgNanos:        b.getAvgScanNanos(),
		CompactionCount:     b.CompactionCount.Load(),
		CompactionErrors:    b.CompactionErrors.Load(),
		ExpireCount:         b.ExpireCount.Load(),
		ExpireErrors:        b.ExpireErrors.Load(),
		ExpiredSnapshots:    b.ExpiredSnapshots.Load(),
		CleanupCount:        b.CleanupCount.Load(),
		CleanupErrors:       b.CleanupErrors.Load(),
		CleanupDeletedFiles: b.CleanupDeleted.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgCommitNanos() int64 {
	count := b.CommitCount.Load()
	if count == 0 {
		return 0
	}
	return b.CommitTotalNanos.Load() / count
}

func (b *BasicMetricsCollector) getAvgScanNanos() int64 {
	count := b.ScanCount.Load()
	if count == 0 {
		return 0
	}
	return b.ScanTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CommitCount         int64
	CommitErrors        int64
	CommitFiles         int64
	CommitAvgNanos      int64
	ScanCount           int64
	ScanErrors          int64
	ScanAvgNanos        int64
	CompactionCount     int64
	CompactionErrors    int64
	ExpireCount         int64
	ExpireErrors        int64
	ExpiredSnapshots    int64
	CleanupCount        int64
	CleanupErrors       int64
	CleanupDeletedFiles int64
}
