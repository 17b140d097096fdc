// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Error definitions for concurrency module.

package concurrency

import "errors"

var (
	// ErrPoolClosed indicates the pool has been shut down.
	ErrPoolClosed = errors.New("worker pool is closed")

	// ErrQueueFull indicates a bounded job queue reached its limit.
	ErrQueueFull = errors.New("job queue is full")

	// ErrInvalidWorkerCount indicates invalid worker count configuration.
	ErrInvalidWorkerCount = errors.New("invalid worker count")

	// ErrAffinityNotSupported indicates CPU affinity is not supported on this platform.
	ErrAffinityNotSupported = errors.New("CPU affinity not supported")
)
