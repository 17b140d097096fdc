// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Relay server construction, lifecycle and introspection.

package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/control"
	"github.com/momentics/hioload-relay/internal/concurrency"
	"github.com/momentics/hioload-relay/internal/logging"
	"github.com/momentics/hioload-relay/internal/session"
	"github.com/momentics/hioload-relay/reactor"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

var _ api.GracefulShutdown = (*Server)(nil)

// NewServer builds a relay around an already listening acceptor. The
// server owns ln from here on and closes it on shutdown.
func NewServer(cfg Config, ln api.Acceptor, opts ...ServerOption) (*Server, error) {
	if ln == nil {
		return nil, fmt.Errorf("server: nil listener: %w", api.ErrInvalidArgument)
	}
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = reactor.DefaultMaxEvents
	}
	if cfg.MaxPending > 0 && cfg.MaxPending < cfg.BufferSize {
		return nil, fmt.Errorf("server: max pending %d below buffer size %d: %w",
			cfg.MaxPending, cfg.BufferSize, api.ErrInvalidArgument)
	}

	s := &Server{
		cfg:  cfg,
		ln:   ln,
		log:  zerolog.Nop(),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = control.NewMetrics()
	}

	table, err := session.NewTable(cfg.MaxConns, cfg.BufferSize)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s.table = table

	pool, err := concurrency.NewWorkerPool(cfg.Workers, s.run,
		concurrency.WithQueueLimit(cfg.QueueLimit),
		concurrency.WithLogger(logging.Component(s.log, "pool")),
	)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s.pool = pool

	if s.mux == nil {
		mux, err := reactor.New(reactor.Options{MaxEvents: cfg.MaxEvents})
		if err != nil {
			return nil, fmt.Errorf("server: %w", err)
		}
		s.mux = mux
	}

	s.limiter = rate.NewLimiter(rate.Inf, 0)
	s.SetAcceptRate(cfg.AcceptRate, cfg.AcceptBurst)

	s.log = logging.Component(s.log, "server")
	s.metrics.RegisterGaugeFunc("job_queue_depth", "Jobs waiting for a worker.", func() float64 {
		return float64(s.pool.Stats().Pending)
	})
	return s, nil
}

// Serve runs the event loop until ctx is cancelled, Shutdown is called or
// the multiplexer fails. A multiplexer or job submission failure is
// returned; a requested stop returns nil. Workers are joined and every
// connection is closed before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if !s.serving.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	if err := concurrency.PinCurrentThread(s.cfg.LoopCPU); err != nil {
		s.log.Warn().Err(err).Int("cpu", s.cfg.LoopCPU).Msg("event loop not pinned")
	}
	defer concurrency.UnpinCurrentThread()

	if err := s.mux.Register(s.ln.Fd(), api.ListenerHandle, api.Readable, false); err != nil {
		s.teardown()
		return fmt.Errorf("register listener: %w", err)
	}

	s.startedAt.Store(time.Now().UnixNano())
	s.pool.Start()
	stop := context.AfterFunc(ctx, s.requestStop)
	defer stop()

	s.log.Info().
		Stringer("addr", s.ln.Addr()).
		Int("workers", s.cfg.Workers).
		Int("max_conns", s.cfg.MaxConns).
		Msg("relay serving")

	err := s.loop()
	s.teardown()
	return err
}

// Shutdown stops a running server and waits for Serve to finish. On a
// server that never served it only releases resources.
func (s *Server) Shutdown() error {
	if !s.serving.CompareAndSwap(false, true) {
		s.requestStop()
		<-s.done
		return nil
	}
	close(s.done)
	s.teardown()
	return nil
}

func (s *Server) requestStop() {
	s.closing.Store(true)
	if err := s.mux.Wake(); err != nil {
		s.log.Warn().Err(err).Msg("wake event loop")
	}
}

// teardown joins workers, closes every connection and the listener.
func (s *Server) teardown() {
	s.stopOnce.Do(func() {
		s.closing.Store(true)
		dropped := s.pool.Shutdown()

		s.table.Range(func(c *session.Conn) bool {
			c.MarkClosed()
			s.release(c, reasonShutdown, nil)
			return true
		})

		_ = s.mux.Deregister(s.ln.Fd())
		if err := s.ln.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close listener")
		}
		if err := s.mux.Close(); err != nil {
			s.log.Warn().Err(err).Msg("close multiplexer")
		}
		s.log.Info().Int("dropped_jobs", dropped).Msg("relay stopped")
	})
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// SetAcceptRate changes the accept limiter; rate 0 disables limiting.
func (s *Server) SetAcceptRate(perSec float64, burst int) {
	if perSec <= 0 {
		s.limiter.SetLimit(rate.Inf)
		return
	}
	if burst <= 0 {
		burst = max(1, int(perSec))
	}
	s.limiter.SetBurst(burst)
	s.limiter.SetLimit(rate.Limit(perSec))
}

// Stats returns a point-in-time view of relay activity. StartedAt is zero
// until Serve runs. Safe for concurrent use.
func (s *Server) Stats() api.Stats {
	ps := s.pool.Stats()
	var started time.Time
	if ns := s.startedAt.Load(); ns != 0 {
		started = time.Unix(0, ns)
	}
	return api.Stats{
		Connections:   s.table.Len(),
		QueuedJobs:    ps.Pending,
		SubmittedJobs: ps.Submitted,
		CompletedJobs: ps.Completed,
		BytesIn:       s.bytesIn.Load(),
		BytesOut:      s.bytesOut.Load(),
		StartedAt:     started,
	}
}

// RegisterProbes exposes server state through debug probes.
func (s *Server) RegisterProbes(dp *control.DebugProbes) {
	dp.RegisterProbe("relay.stats", func() any { return s.Stats() })
	dp.RegisterProbe("relay.pool", func() any { return s.pool.Stats() })
	dp.RegisterProbe("relay.connections", func() any {
		type connInfo struct {
			ID      string `json:"id"`
			Remote  string `json:"remote"`
			Phase   string `json:"phase"`
			Pending int    `json:"pending"`
		}
		var out []connInfo
		s.table.Range(func(c *session.Conn) bool {
			out = append(out, connInfo{
				ID:      c.ID().String(),
				Remote:  c.Remote(),
				Phase:   c.Phase().String(),
				Pending: c.PendingLen(),
			})
			return true
		})
		return out
	})
}
