// Package api
// Author: momentics
//
// Job contract between the event loop and the worker pool.

package api

// JobKind tags the action a job performs.
type JobKind uint8

const (
	JobRead JobKind = iota + 1
	JobWrite
)

func (k JobKind) String() string {
	switch k {
	case JobRead:
		return "read"
	case JobWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Job is a unit of connection I/O dispatched by the event loop.
type Job struct {
	Kind   JobKind
	Handle Handle
}

// Executor runs jobs on a fixed set of workers.
type Executor interface {
	// Submit schedules job for execution in FIFO order.
	Submit(job Job) error

	// NumWorkers returns the number of worker routines.
	NumWorkers() int
}
