// File: server/jobs.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Worker-side jobs. A read job drains the socket and fans every chunk out;
// a write job flushes the outbound buffer. Both end by rearming the
// connection, or by releasing it when the peer is gone.

package server

import (
	"errors"
	"io"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/session"
	"github.com/momentics/hioload-relay/internal/transport"
)

// run is the worker pool entry point.
func (s *Server) run(job api.Job) {
	c, err := s.table.Get(job.Handle)
	if err != nil {
		return
	}

	var reason string
	switch job.Kind {
	case api.JobRead:
		reason, err = s.readJob(c)
	case api.JobWrite:
		reason, err = s.writeJob(c)
	default:
		s.log.Error().Uint8("kind", uint8(job.Kind)).Msg("unknown job kind")
		reason = reasonError
	}
	if reason != "" {
		c.MarkClosed()
		s.release(c, reason, err)
		return
	}

	if _, err := c.EndJob(s.mux.Rearm); err != nil {
		if errors.Is(err, api.ErrClosed) {
			// aborted by a fan-out while this job ran
			reason, cause := c.Aborted()
			if reason == "" {
				reason = reasonError
			}
			s.release(c, reason, cause)
			return
		}
		c.MarkClosed()
		s.release(c, reasonError, err)
	}
}

// readJob receives until would-block or EOF. It returns a close reason when
// the connection must be released.
func (s *Server) readJob(c *session.Conn) (string, error) {
	for {
		buf := c.Scratch()
		n, err := c.Stream().Recv(buf)
		switch {
		case err == nil && n > 0:
			s.bytesIn.Add(uint64(n))
			s.metrics.BytesIn.Add(float64(n))
			s.fanout(c, buf[:n])
		case errors.Is(err, api.ErrWouldBlock):
			return "", nil
		case err == nil, errors.Is(err, io.EOF):
			return reasonEOF, nil
		default:
			return reasonError, err
		}
	}
}

// writeJob sends pending output until it is empty or the socket would block.
// Unsent bytes stay buffered for the next writable event.
func (s *Server) writeJob(c *session.Conn) (string, error) {
	for {
		out := c.Outbound()
		if len(out) == 0 {
			return "", nil
		}
		n, err := c.Stream().Send(out)
		if n > 0 {
			c.Consume(n)
			s.bytesOut.Add(uint64(n))
			s.metrics.BytesOut.Add(float64(n))
		}
		switch {
		case err == nil && n > 0:
		case errors.Is(err, api.ErrWouldBlock):
			return "", nil
		case err == nil, transport.IsPeerGone(err):
			return reasonEOF, err
		default:
			return reasonError, err
		}
	}
}

// release frees the table slot, the registration and the socket. Only the
// first caller for a given connection does any work.
func (s *Server) release(c *session.Conn, reason string, cause error) {
	if err := s.table.Remove(c.Handle()); err != nil {
		return
	}
	if err := s.mux.Deregister(c.Stream().Fd()); err != nil {
		s.log.Debug().Err(err).Stringer("conn", c.ID()).Msg("deregister")
	}
	if err := c.Stream().Close(); err != nil {
		s.log.Debug().Err(err).Stringer("conn", c.ID()).Msg("close socket")
	}
	s.metrics.ConnsClosed.WithLabelValues(reason).Inc()
	s.metrics.ConnsActive.Set(float64(s.table.Len()))

	ev := s.log.Debug()
	if reason == reasonError {
		ev = s.log.Warn()
	}
	ev.Err(cause).
		Stringer("conn", c.ID()).
		Str("remote", c.Remote()).
		Str("reason", reason).
		Msg("connection closed")
}
