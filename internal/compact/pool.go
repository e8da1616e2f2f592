package compact

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// pool is a fixed set of goroutines running compaction tasks. Buckets
// share the workers, so total background parallelism is bounded no
// matter how many buckets trigger at once.
type pool struct {
	workCh   chan func()
	stopCh   chan struct{}
	wg       sync.WaitGroup
	closed   atomic.Bool
	submitMu sync.RWMutex
}

func newPool(workers int) *pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	p := &pool{
		workCh: make(chan func(), workers*2),
		stopCh: make(chan struct{}),
	}

	p.wg.Add(workers)
	for range workers {
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.stopCh:
			// Drain queued tasks so submitted work always completes.
			for {
				select {
				case task, ok := <-p.workCh:
					if !ok {
						return
					}
					task()
				default:
					return
				}
			}
		case task, ok := <-p.workCh:
			if !ok {
				return
			}
			task()
		}
	}
}

// submit enqueues a task, blocking for backpressure when all workers
// are busy and the queue is full.
func (p *pool) submit(ctx context.Context, task func()) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	if p.closed.Load() {
		return ErrClosed
	}

	select {
	case p.workCh <- task:
		return nil
	case <-p.stopCh:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close shuts the pool down and waits for running tasks. Idempotent.
func (p *pool) close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}

	p.submitMu.Lock()
	close(p.stopCh)
	close(p.workCh)
	p.submitMu.Unlock()

	p.wg.Wait()
}
