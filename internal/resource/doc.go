// Package resource implements the Controller for global limits and governance.
//
// The Controller provides centralized management of three resource types:
//
//   - Memory: track and limit memory held by memtables and block caches
//     (non-blocking, fail-fast)
//   - Concurrency: limit background compaction workers
//   - IO: rate-limit background IO so compaction does not starve
//     foreground scans and commits
//
// # Memory Management
//
// Memory tracking uses a weighted semaphore for hard limits and atomic
// counters for usage tracking. AcquireMemory is non-blocking and returns
// immediately with ErrMemoryLimitExceeded if the limit would be exceeded:
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 1 << 30, // 1GB limit
//	})
//
//	if err := rc.AcquireMemory(1024 * 1024); err != nil {
//	    // ErrMemoryLimitExceeded - caller decides retry/backoff
//	}
//	defer rc.ReleaseMemory(1024 * 1024)
//
// # Background Worker Limits
//
// Limits concurrent background operations (compaction, expiration):
//
//	rc := resource.NewController(resource.Config{
//	    MaxBackgroundWorkers: 4,
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
// # IO Rate Limiting
//
// Token bucket rate limiter for background IO:
//
//	rc := resource.NewController(resource.Config{
//	    IOLimitBytesPerSec: 100 * 1024 * 1024, // 100MB/s
//	})
//
//	w := resource.NewRateLimitedWriter(ctx, blob, rc)
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops.
// This allows optional resource limiting without nil checks everywhere.
package resource
