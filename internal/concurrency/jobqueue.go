// File: internal/concurrency/jobqueue.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// FIFO job queue: jobs are added at the tail and taken from the head.
// A counting semaphore tracks the pending count and gates worker wake-ups;
// a single mutex guards the ring.

package concurrency

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-relay/api"
)

// JobQueue hands jobs from the event loop to workers.
type JobQueue struct {
	mu     sync.Mutex
	items  *queue.Queue
	sem    *semaphore
	limit  int
	closed bool
}

// NewJobQueue creates a queue. limit <= 0 means unbounded.
func NewJobQueue(limit int) *JobQueue {
	return &JobQueue{
		items: queue.New(),
		sem:   newSemaphore(),
		limit: limit,
	}
}

// Submit appends job at the tail and releases one waiting worker.
func (q *JobQueue) Submit(job api.Job) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrPoolClosed
	}
	if q.limit > 0 && q.items.Length() >= q.limit {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.items.Add(job)
	q.mu.Unlock()
	q.sem.Post()
	return nil
}

// Take blocks until a job is pending and returns the oldest one.
// It returns false once the queue is closed and empty.
func (q *JobQueue) Take() (api.Job, bool) {
	return q.next(nil)
}

// next waits on the semaphore and pops the oldest job. It returns false
// when stop reports true after a wake-up, or when the queue is closed and
// empty. The close token is passed on so every blocked taker wakes.
func (q *JobQueue) next(stop func() bool) (api.Job, bool) {
	for {
		q.sem.Wait()
		if stop != nil && stop() {
			return api.Job{}, false
		}
		if job, ok := q.pop(); ok {
			return job, true
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			q.sem.Post()
			return api.Job{}, false
		}
	}
}

// pop removes the head without touching the semaphore.
func (q *JobQueue) pop() (api.Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.items.Length() == 0 {
		return api.Job{}, false
	}
	return q.items.Remove().(api.Job), true
}

// Len returns the number of pending jobs.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Length()
}

// Close rejects further submissions and releases blocked takers once the
// queue is empty. Pending jobs stay until taken or drained.
func (q *JobQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()
	q.sem.Post()
}

// Drain discards all pending jobs without executing them and returns how
// many were dropped.
func (q *JobQueue) Drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.items.Length()
	for q.items.Length() > 0 {
		q.items.Remove()
	}
	return n
}

// wakeAll posts the semaphore n times so blocked workers observe shutdown.
func (q *JobQueue) wakeAll(n int) {
	for i := 0; i < n; i++ {
		q.sem.Post()
	}
}
