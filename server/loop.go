// File: server/loop.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The event loop. It owns the multiplexer wait, accepts inline and turns
// every other readiness event into a job. It never touches connection I/O.

package server

import (
	"errors"
	"fmt"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/session"
)

func (s *Server) loop() error {
	events := make([]api.Event, s.cfg.MaxEvents)
	for {
		n, err := s.mux.Wait(events)
		if err != nil {
			if s.closing.Load() {
				return nil
			}
			s.log.Error().Err(err).Msg("multiplexer wait failed")
			return fmt.Errorf("event loop: %w", err)
		}
		for _, ev := range events[:n] {
			switch ev.Handle {
			case api.WakeHandle:
			case api.ListenerHandle:
				s.acceptAll()
			default:
				if err := s.dispatch(ev); err != nil {
					s.log.Error().Err(err).Msg("job dispatch failed")
					return fmt.Errorf("event loop: %w", err)
				}
			}
		}
		if s.closing.Load() {
			return nil
		}
	}
}

// dispatch claims the connection and submits one job. Events for unknown,
// closed or busy connections are dropped; the busy connection's job rearms
// on completion and EPOLL_CTL_MOD re-reports any pending readiness.
func (s *Server) dispatch(ev api.Event) error {
	c, err := s.table.Get(ev.Handle)
	if err != nil {
		s.metrics.EventsDropped.Inc()
		if errors.Is(err, session.ErrOutOfRange) {
			s.log.Warn().Err(err).Msg("event for out-of-range handle")
		}
		return nil
	}
	kind, ok := c.BeginJob(ev.Interest)
	if !ok {
		s.metrics.EventsDropped.Inc()
		return nil
	}
	if err := s.pool.Submit(api.Job{Kind: kind, Handle: ev.Handle}); err != nil {
		return fmt.Errorf("submit %s job: %w", kind, err)
	}
	s.metrics.JobsSubmitted.WithLabelValues(kind.String()).Inc()
	return nil
}

// acceptAll drains the listen backlog; the listener is edge-triggered.
func (s *Server) acceptAll() {
	for {
		stream, addr, err := s.ln.Accept()
		if errors.Is(err, api.ErrWouldBlock) {
			return
		}
		if err != nil {
			// The backlog keeps whatever failed; the next connection
			// attempt re-triggers the edge.
			s.log.Error().Err(err).Msg("accept failed")
			return
		}
		remote := ""
		if addr != nil {
			remote = addr.String()
		}

		if !s.limiter.Allow() {
			s.reject(stream, remote, "rate_limited", nil)
			continue
		}
		c, err := s.table.Create(stream, remote)
		if err != nil {
			s.reject(stream, remote, "table_full", err)
			continue
		}
		if err := c.Arm(s.register); err != nil {
			c.MarkClosed()
			_ = s.table.Remove(c.Handle())
			s.reject(stream, remote, "register_failed", err)
			continue
		}

		s.metrics.ConnsAccepted.Inc()
		s.metrics.ConnsActive.Set(float64(s.table.Len()))
		s.log.Debug().
			Stringer("conn", c.ID()).
			Str("remote", remote).
			Uint64("handle", uint64(c.Handle())).
			Int("fd", stream.Fd()).
			Msg("connection accepted")
	}
}

func (s *Server) register(fd int, h api.Handle, interest api.Interest) error {
	return s.mux.Register(fd, h, interest, true)
}

func (s *Server) reject(stream api.Stream, remote, reason string, err error) {
	_ = stream.Close()
	s.metrics.ConnsRejected.WithLabelValues(reason).Inc()
	s.log.Warn().Err(err).Str("remote", remote).Str("reason", reason).Msg("connection rejected")
}
