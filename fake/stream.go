// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

// Package fake provides in-memory stand-ins for sockets, listeners and the
// readiness multiplexer so relay logic can be tested without epoll.
package fake

import (
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/momentics/hioload-relay/api"
)

// Stream is a scripted api.Stream.
type Stream struct {
	fd int

	mu         sync.Mutex
	inbox      [][]byte
	eof        bool
	sent       bytes.Buffer
	sendBudget int
	sendErr    error
	closed     bool
	recvCalls  int
}

// NewStream returns a stream reporting fd with unlimited send capacity.
func NewStream(fd int) *Stream {
	return &Stream{fd: fd, sendBudget: -1}
}

// Fd implements api.Stream.
func (s *Stream) Fd() int { return s.fd }

// Feed queues chunks returned by subsequent Recv calls.
func (s *Stream) Feed(chunks ...[]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range chunks {
		s.inbox = append(s.inbox, append([]byte(nil), c...))
	}
}

// FeedEOF makes Recv report a closed peer once the inbox is drained.
func (s *Stream) FeedEOF() {
	s.mu.Lock()
	s.eof = true
	s.mu.Unlock()
}

// SetSendBudget limits how many bytes Send accepts before reporting
// api.ErrWouldBlock. A negative budget is unlimited.
func (s *Stream) SetSendBudget(n int) {
	s.mu.Lock()
	s.sendBudget = n
	s.mu.Unlock()
}

// FailSend makes every Send return err.
func (s *Stream) FailSend(err error) {
	s.mu.Lock()
	s.sendErr = err
	s.mu.Unlock()
}

// Recv implements api.Stream.
func (s *Stream) Recv(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recvCalls++
	if s.closed {
		return 0, api.ErrClosed
	}
	if len(s.inbox) > 0 {
		n := copy(p, s.inbox[0])
		if n < len(s.inbox[0]) {
			s.inbox[0] = s.inbox[0][n:]
		} else {
			s.inbox = s.inbox[1:]
		}
		return n, nil
	}
	if s.eof {
		return 0, io.EOF
	}
	return 0, api.ErrWouldBlock
}

// Send implements api.Stream.
func (s *Stream) Send(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, api.ErrClosed
	}
	if s.sendErr != nil {
		return 0, s.sendErr
	}
	n := len(p)
	if s.sendBudget >= 0 {
		if s.sendBudget == 0 {
			return 0, api.ErrWouldBlock
		}
		n = min(n, s.sendBudget)
		s.sendBudget -= n
	}
	s.sent.Write(p[:n])
	return n, nil
}

// Close implements api.Stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Sent returns everything written so far.
func (s *Stream) Sent() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.sent.Bytes()...)
}

// Unread reports whether queued inbound bytes remain.
func (s *Stream) Unread() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox) > 0
}

// RecvCalls returns the number of Recv invocations.
func (s *Stream) RecvCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recvCalls
}

// Closed reports whether Close was called.
func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Acceptor is a scripted api.Acceptor.
type Acceptor struct {
	fd int

	mu      sync.Mutex
	pending []*Stream
	closed  bool
}

// NewAcceptor returns an acceptor reporting fd.
func NewAcceptor(fd int) *Acceptor { return &Acceptor{fd: fd} }

// Push queues streams for Accept.
func (a *Acceptor) Push(streams ...*Stream) {
	a.mu.Lock()
	a.pending = append(a.pending, streams...)
	a.mu.Unlock()
}

// Fd implements api.Acceptor.
func (a *Acceptor) Fd() int { return a.fd }

// Accept implements api.Acceptor.
func (a *Acceptor) Accept() (api.Stream, net.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil, nil, api.ErrClosed
	}
	if len(a.pending) == 0 {
		return nil, nil, api.ErrWouldBlock
	}
	s := a.pending[0]
	a.pending = a.pending[1:]
	return s, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000 + s.fd}, nil
}

// Addr implements api.Acceptor.
func (a *Acceptor) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8086}
}

// Close implements api.Acceptor.
func (a *Acceptor) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}
