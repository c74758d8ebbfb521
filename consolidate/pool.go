// Package consolidate decides, per conversation turn, what the assistant
// should remember, and fans the resulting writes out to the stores through a
// bounded worker pool.
package consolidate

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Job is one background memory write.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Pool is a fixed-size worker pool with a bounded queue.
//
// Delivery is at-most-once: a job submitted when the queue is full is
// dropped, and Shutdown abandons queued and in-flight jobs. Callers must not
// depend on a submitted job ever running.
type Pool struct {
	jobs   chan Job
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger zerolog.Logger

	closed   atomic.Bool
	shutdown sync.Once
}

// NewPool starts workers goroutines consuming a queue of the given depth.
func NewPool(workers, depth int, logger zerolog.Logger) *Pool {
	if workers <= 0 {
		workers = 3
	}
	if depth <= 0 {
		depth = 32
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		jobs:   make(chan Job, depth),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "consolidate_pool").Logger(),
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for {
		// Cancellation wins over queued work so Shutdown reliably drops
		// the queue instead of racing it.
		select {
		case <-p.ctx.Done():
			return
		default:
		}
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			if err := job.Run(p.ctx); err != nil {
				p.logger.Warn().Err(err).Str("job", job.Name).Msg("Background write failed")
			}
		}
	}
}

// Submit enqueues a job without blocking. It returns false when the queue is
// full or the pool is shut down; the job is dropped in either case.
func (p *Pool) Submit(job Job) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.jobs <- job:
		return true
	default:
		p.logger.Warn().Str("job", job.Name).Msg("Queue full, dropping job")
		return false
	}
}

// Shutdown stops the pool. Queued jobs are dropped and in-flight jobs are
// signalled to stop via their context.
func (p *Pool) Shutdown() {
	p.shutdown.Do(func() {
		p.closed.Store(true)
		p.cancel()
		p.wg.Wait()
		if n := len(p.jobs); n > 0 {
			p.logger.Info().Int("dropped", n).Msg("Shutdown dropped queued jobs")
		}
	})
}
