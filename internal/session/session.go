// File: internal/session/session.go
// Package session
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Per-connection state and the at-most-one-job protocol.

package session

import (
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/momentics/hioload-relay/api"
)

// ErrOverflow is returned when queued output would exceed the per-peer limit.
var ErrOverflow = errors.New("outbound buffer limit exceeded")

// Phase is the readiness state of a connection.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseReadArmed
	PhaseWriting
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseReadArmed:
		return "read-armed"
	case PhaseWriting:
		return "writing"
	case PhaseClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// RearmFunc re-enables the registration of a connection for interest.
type RearmFunc func(fd int, h api.Handle, interest api.Interest) error

// Conn holds the state of one live connection.
//
// Only the worker that owns the current job touches the stream and the
// inbound scratch buffer. Everything else is guarded by mu.
type Conn struct {
	handle api.Handle
	id     uuid.UUID
	stream api.Stream
	remote string

	inbound []byte

	mu       sync.Mutex
	outbound []byte
	phase    Phase
	inJob    bool
	armed    bool

	abortReason string
	abortCause  error
}

func newConn(h api.Handle, stream api.Stream, remote string, bufSize int) *Conn {
	return &Conn{
		handle:  h,
		id:      uuid.New(),
		stream:  stream,
		remote:  remote,
		inbound: make([]byte, bufSize),
		phase:   PhaseIdle,
	}
}

// Handle returns the table handle.
func (c *Conn) Handle() api.Handle { return c.handle }

// ID returns the correlation id used in logs.
func (c *Conn) ID() uuid.UUID { return c.id }

// Stream returns the underlying socket.
func (c *Conn) Stream() api.Stream { return c.stream }

// Remote returns the peer address.
func (c *Conn) Remote() string { return c.remote }

// Scratch returns the inbound buffer, cleared.
func (c *Conn) Scratch() []byte {
	clear(c.inbound)
	return c.inbound
}

// Phase returns the current phase.
func (c *Conn) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// PendingLen returns the number of bytes waiting to be sent.
func (c *Conn) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outbound)
}

// Pending returns a copy of the bytes waiting to be sent.
func (c *Conn) Pending() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.outbound...)
}

// Arm performs the initial registration after accept. Output queued by a
// fan-out that raced with the accept selects Writable.
func (c *Conn) Arm(register RearmFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseIdle {
		return api.ErrClosed
	}
	interest := api.Readable
	c.phase = PhaseReadArmed
	if len(c.outbound) > 0 {
		interest = api.Writable
		c.phase = PhaseWriting
	}
	if err := register(c.stream.Fd(), c.handle, interest); err != nil {
		c.phase = PhaseIdle
		return err
	}
	c.armed = true
	return nil
}

// BeginJob claims the connection for one job in response to a readiness
// event. It returns false if the connection is closed or a job is already
// in flight; the caller must then drop the event.
func (c *Conn) BeginJob(ready api.Interest) (api.JobKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed || c.inJob {
		return 0, false
	}
	c.inJob = true
	c.armed = false
	if ready.Has(api.Writable) && len(c.outbound) > 0 {
		return api.JobWrite, true
	}
	return api.JobRead, true
}

// EndJob releases the job claim and rearms the registration. Output pending
// selects Writable, otherwise Readable. The rearm runs under the lock after
// every state change of the job, so no second job can observe a half state.
func (c *Conn) EndJob(rearm RearmFunc) (api.Interest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inJob = false
	if c.phase == PhaseClosed {
		return 0, api.ErrClosed
	}
	interest := api.Readable
	c.phase = PhaseReadArmed
	if len(c.outbound) > 0 {
		interest = api.Writable
		c.phase = PhaseWriting
	}
	if err := rearm(c.stream.Fd(), c.handle, interest); err != nil {
		return interest, err
	}
	c.armed = true
	return interest, nil
}

// Enqueue appends p to the outbound buffer. When the connection is armed
// and idle it is rearmed for Writable immediately; a connection inside a
// job picks the output up in EndJob.
func (c *Conn) Enqueue(p []byte, limit int, rearm RearmFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed {
		return api.ErrClosed
	}
	if limit > 0 && len(c.outbound)+len(p) > limit {
		return ErrOverflow
	}
	c.outbound = append(c.outbound, p...)
	if c.inJob || !c.armed {
		return nil
	}
	c.phase = PhaseWriting
	if err := rearm(c.stream.Fd(), c.handle, api.Writable); err != nil {
		return err
	}
	return nil
}

// Outbound returns the pending bytes for the write job. Only the job owner
// may call it; bytes beyond the returned length may be appended concurrently
// but the returned prefix is stable until Consume.
func (c *Conn) Outbound() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound[:len(c.outbound):len(c.outbound)]
}

// Consume drops the first n sent bytes and reports how many remain.
func (c *Conn) Consume(n int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n >= len(c.outbound) {
		c.outbound = c.outbound[:0]
		return 0
	}
	rest := copy(c.outbound, c.outbound[n:])
	c.outbound = c.outbound[:rest]
	return rest
}

// MarkClosed moves the connection to the terminal phase. It returns false
// if the connection was already closed.
func (c *Conn) MarkClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed {
		return false
	}
	c.phase = PhaseClosed
	c.armed = false
	c.outbound = nil
	return true
}

// Abort closes the connection on behalf of someone other than the job
// owner and records why. It returns true when no job is in flight, in which
// case the caller must release the connection; otherwise the owner sees
// api.ErrClosed from EndJob and releases it with the reason from Aborted.
func (c *Conn) Abort(reason string, cause error) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase == PhaseClosed {
		return false
	}
	c.phase = PhaseClosed
	c.armed = false
	c.outbound = nil
	c.abortReason = reason
	c.abortCause = cause
	return !c.inJob
}

// Aborted returns the reason and cause recorded by Abort, or an empty
// reason if the connection was never aborted.
func (c *Conn) Aborted() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.abortReason, c.abortCause
}
