// File: server/types.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/internal/concurrency"
	"github.com/momentics/hioload-relay/internal/session"
	"github.com/momentics/hioload-relay/reactor"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrAlreadyRunning is returned by a second Serve call.
var ErrAlreadyRunning = errors.New("server already running")

// Close reasons used in logs and metrics.
const (
	reasonEOF      = "eof"
	reasonError    = "error"
	reasonOverflow = "overflow"
	reasonShutdown = "shutdown"
)

// Config holds the relay engine parameters.
type Config struct {
	Workers     int     // worker goroutines executing I/O jobs
	MaxConns    int     // connection table ceiling
	BufferSize  int     // bytes read per recv, i.e. the largest relayed chunk
	MaxPending  int     // per-peer outbound ceiling, 0 = unlimited
	QueueLimit  int     // job queue bound, 0 = unbounded
	AcceptRate  float64 // accepted connections per second, 0 = unlimited
	AcceptBurst int     // limiter burst
	LoopCPU     int     // CPU the event loop thread is pinned to, -1 = none
	MaxEvents   int     // events per multiplexer wait
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Workers:    api.DefaultWorkers,
		MaxConns:   api.DefaultMaxConns,
		BufferSize: api.DefaultBufferSize,
		MaxPending: api.DefaultMaxPending,
		LoopCPU:    -1,
		MaxEvents:  reactor.DefaultMaxEvents,
	}
}

// ConfigFrom maps the file configuration onto engine parameters.
func ConfigFrom(c control.Config) Config {
	return Config{
		Workers:     c.Workers,
		MaxConns:    c.MaxConns,
		BufferSize:  c.BufferSize,
		MaxPending:  c.MaxPending,
		QueueLimit:  c.QueueLimit,
		AcceptRate:  c.AcceptRate,
		AcceptBurst: c.AcceptBurst,
		LoopCPU:     c.LoopCPU,
		MaxEvents:   reactor.DefaultMaxEvents,
	}
}

// Server is the relay: one event loop plus a worker pool.
type Server struct {
	cfg     Config
	ln      api.Acceptor
	mux     api.Multiplexer
	table   *session.Table
	pool    *concurrency.WorkerPool
	limiter *rate.Limiter
	log     zerolog.Logger
	metrics *control.Metrics

	bytesIn   atomic.Uint64
	bytesOut  atomic.Uint64
	startedAt atomic.Int64 // unix nanoseconds, 0 until Serve starts

	serving  atomic.Bool
	closing  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}
