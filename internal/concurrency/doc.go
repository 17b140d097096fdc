// File: internal/concurrency/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Concurrency primitives for hioload-relay: the FIFO job queue that hands
// readiness jobs from the event loop to workers, the fixed-size worker pool
// that executes them, and OS thread pinning for the loop goroutine.
//
// Lifecycle of the pool is explicit: NewWorkerPool → Start → Shutdown.
package concurrency
