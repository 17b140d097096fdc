// File: internal/concurrency/executor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// WorkerPool runs a fixed number of worker goroutines over a JobQueue.
// Each worker blocks on the queue semaphore, checks the keep-alive flag,
// claims the oldest job and executes it synchronously.

package concurrency

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-relay/api"
	"github.com/rs/zerolog"
)

// RunFunc executes one job.
type RunFunc func(job api.Job)

// PoolStats is a snapshot of pool counters.
type PoolStats struct {
	Workers   int
	Pending   int
	Submitted uint64
	Completed uint64
	Discarded uint64
	Panics    uint64
}

// WorkerPool manages a fixed pool of worker goroutines.
type WorkerPool struct {
	queue     *JobQueue
	run       RunFunc
	log       zerolog.Logger
	size      int
	keepAlive atomic.Bool
	started   atomic.Bool
	stopOnce  sync.Once
	wg        sync.WaitGroup

	submitted atomic.Uint64
	completed atomic.Uint64
	discarded atomic.Uint64
	panics    atomic.Uint64
}

// PoolOption customizes a WorkerPool.
type PoolOption func(*WorkerPool)

// WithLogger sets the logger used for panic reports.
func WithLogger(l zerolog.Logger) PoolOption {
	return func(p *WorkerPool) { p.log = l }
}

// WithQueueLimit bounds the job queue; Submit then fails with ErrQueueFull.
func WithQueueLimit(limit int) PoolOption {
	return func(p *WorkerPool) { p.queue = NewJobQueue(limit) }
}

var _ api.Executor = (*WorkerPool)(nil)

// NewWorkerPool creates a pool of size workers running run.
func NewWorkerPool(size int, run RunFunc, opts ...PoolOption) (*WorkerPool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidWorkerCount, size)
	}
	if run == nil {
		return nil, fmt.Errorf("worker pool: nil run func: %w", api.ErrInvalidArgument)
	}
	p := &WorkerPool{
		queue: NewJobQueue(0),
		run:   run,
		log:   zerolog.Nop(),
		size:  size,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start launches the workers. Calling it twice is a no-op.
func (p *WorkerPool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	p.keepAlive.Store(true)
	p.wg.Add(p.size)
	for i := 0; i < p.size; i++ {
		go p.worker(i)
	}
}

// Submit enqueues job in FIFO order.
func (p *WorkerPool) Submit(job api.Job) error {
	if err := p.queue.Submit(job); err != nil {
		return err
	}
	p.submitted.Add(1)
	return nil
}

// NumWorkers returns the fixed pool size.
func (p *WorkerPool) NumWorkers() int { return p.size }

// Running reports whether workers still accept new jobs from the queue.
func (p *WorkerPool) Running() bool { return p.keepAlive.Load() }

// Shutdown clears keep-alive, wakes every worker, joins them and discards
// jobs that were never claimed. It returns the number of discarded jobs.
func (p *WorkerPool) Shutdown() int {
	dropped := 0
	p.stopOnce.Do(func() {
		p.queue.Close()
		p.keepAlive.Store(false)
		p.queue.wakeAll(p.size)
		p.wg.Wait()
		dropped = p.queue.Drain()
		p.discarded.Add(uint64(dropped))
	})
	return dropped
}

// Stats returns a snapshot of pool counters.
func (p *WorkerPool) Stats() PoolStats {
	return PoolStats{
		Workers:   p.size,
		Pending:   p.queue.Len(),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Discarded: p.discarded.Load(),
		Panics:    p.panics.Load(),
	}
}

func (p *WorkerPool) stopping() bool { return !p.keepAlive.Load() }

func (p *WorkerPool) worker(id int) {
	defer p.wg.Done()
	for {
		job, ok := p.queue.next(p.stopping)
		if !ok {
			return
		}
		p.execute(id, job)
	}
}

// execute runs the job, recovering panics to keep the worker alive.
func (p *WorkerPool) execute(id int, job api.Job) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error().
				Int("worker", id).
				Stringer("kind", job.Kind).
				Uint64("handle", uint64(job.Handle)).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("job panicked")
		}
		p.completed.Add(1)
	}()
	p.run(job)
}
