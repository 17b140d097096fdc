// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

import "time"

// Defaults mirrored by the config layer.
const (
	DefaultListenAddr = "127.0.0.1:8086"
	DefaultWorkers    = 5
	DefaultMaxConns   = 1024
	DefaultBufferSize = 1024
	DefaultMaxPending = 64 * 1024
	DefaultBacklog    = 128
)

// Stats is a point-in-time view of relay activity.
type Stats struct {
	Connections   int
	QueuedJobs    int
	SubmittedJobs uint64
	CompletedJobs uint64
	BytesIn       uint64
	BytesOut      uint64
	StartedAt     time.Time
}
