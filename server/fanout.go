// File: server/fanout.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"errors"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/internal/session"
)

// fanout copies msg into the outbound buffer of every live connection
// except src and arms idle peers for write. Peers over the pending limit
// are closed. It returns the number of peers that received msg.
func (s *Server) fanout(src *session.Conn, msg []byte) int {
	delivered := 0
	s.table.Range(func(peer *session.Conn) bool {
		if peer == src {
			return true
		}
		err := peer.Enqueue(msg, s.cfg.MaxPending, s.mux.Rearm)
		switch {
		case err == nil:
			delivered++
		case errors.Is(err, api.ErrClosed):
		case errors.Is(err, session.ErrOverflow):
			s.abort(peer, reasonOverflow, err)
		default:
			s.abort(peer, reasonError, err)
		}
		return true
	})
	s.metrics.FanoutDeliveries.Add(float64(delivered))
	return delivered
}

// abort closes a peer this goroutine does not own. If the peer is inside a
// job, the job owner releases it.
func (s *Server) abort(c *session.Conn, reason string, cause error) {
	if c.Abort(reason, cause) {
		s.release(c, reason, cause)
		return
	}
	s.log.Debug().Err(cause).Stringer("conn", c.ID()).Str("reason", reason).Msg("close deferred to job owner")
}
