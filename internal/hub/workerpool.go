package hub

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/veilchat/veild/internal/metrics"
)

// workerPool bounds fan-out concurrency. Tasks are dropped, never queued
// unboundedly, when the queue is full; a dropped fan-out is recovered by the
// per-device ring or replay, so dropping is safe here.
type workerPool struct {
	workerCount int
	tasks       chan func()
	wg          sync.WaitGroup
	dropped     int64
	logger      zerolog.Logger
}

func newWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *workerPool {
	if workerCount <= 0 {
		workerCount = 4
	}
	if queueSize <= 0 {
		queueSize = workerCount * 100
	}
	return &workerPool{
		workerCount: workerCount,
		tasks:       make(chan func(), queueSize),
		logger:      logger,
	}
}

func (wp *workerPool) Start(ctx context.Context) {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(ctx)
	}
}

func (wp *workerPool) worker(ctx context.Context) {
	defer wp.wg.Done()
	for {
		select {
		case task := <-wp.tasks:
			if task == nil {
				return
			}
			func() {
				defer func() {
					if r := recover(); r != nil {
						wp.logger.Error().
							Interface("panic_value", r).
							Str("stack_trace", string(debug.Stack())).
							Msg("Worker panic recovered")
					}
				}()
				task()
			}()
		case <-ctx.Done():
			return
		}
	}
}

// Submit enqueues a task, dropping it when the queue is full.
func (wp *workerPool) Submit(task func()) bool {
	select {
	case wp.tasks <- task:
		return true
	default:
		atomic.AddInt64(&wp.dropped, 1)
		metrics.FanoutDropped.Inc()
		return false
	}
}

func (wp *workerPool) Dropped() int64 { return atomic.LoadInt64(&wp.dropped) }

// Stop waits for in-flight tasks after the context driving the workers is
// cancelled.
func (wp *workerPool) Stop() {
	close(wp.tasks)
	wp.wg.Wait()
}
