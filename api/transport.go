// File: api/transport.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Raw byte-stream contracts used by worker jobs and the accept path.

package api

import "net"

// Stream is a non-blocking connected socket.
//
// Recv returns (0, io.EOF) when the peer closed, ErrWouldBlock when no data
// is available. Send returns ErrWouldBlock when the socket buffer is full.
type Stream interface {
	Fd() int
	Recv(p []byte) (int, error)
	Send(p []byte) (int, error)
	Close() error
}

// Acceptor is a non-blocking listening socket.
type Acceptor interface {
	Fd() int
	// Accept returns ErrWouldBlock once the backlog is drained.
	Accept() (Stream, net.Addr, error)
	Addr() net.Addr
	Close() error
}
