// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: MIT

package fake

import (
	"sync"

	"github.com/momentics/hioload-relay/api"
)

// Op names a recorded multiplexer call.
type Op string

const (
	OpRegister   Op = "register"
	OpRearm      Op = "rearm"
	OpDeregister Op = "deregister"
)

// Call is one recorded multiplexer operation.
type Call struct {
	Op       Op
	Fd       int
	Handle   api.Handle
	Interest api.Interest
}

// Multiplexer records registrations and delivers injected events.
type Multiplexer struct {
	mu      sync.Mutex
	calls   []Call
	armed   map[api.Handle]api.Interest
	fds     map[int]api.Handle
	waitErr error

	events    chan api.Event
	closeOnce sync.Once
	closed    chan struct{}
}

// NewMultiplexer returns an empty fake.
func NewMultiplexer() *Multiplexer {
	return &Multiplexer{
		armed:  make(map[api.Handle]api.Interest),
		fds:    make(map[int]api.Handle),
		events: make(chan api.Event, 1024),
		closed: make(chan struct{}),
	}
}

func (m *Multiplexer) record(c Call) {
	m.mu.Lock()
	m.calls = append(m.calls, c)
	switch c.Op {
	case OpDeregister:
		if h, ok := m.fds[c.Fd]; ok {
			delete(m.armed, h)
			delete(m.fds, c.Fd)
		}
	default:
		m.armed[c.Handle] = c.Interest
		m.fds[c.Fd] = c.Handle
	}
	m.mu.Unlock()
}

// Register implements api.Multiplexer.
func (m *Multiplexer) Register(fd int, h api.Handle, interest api.Interest, _ bool) error {
	m.record(Call{Op: OpRegister, Fd: fd, Handle: h, Interest: interest})
	return nil
}

// Rearm implements api.Multiplexer.
func (m *Multiplexer) Rearm(fd int, h api.Handle, interest api.Interest) error {
	m.record(Call{Op: OpRearm, Fd: fd, Handle: h, Interest: interest})
	return nil
}

// Deregister implements api.Multiplexer.
func (m *Multiplexer) Deregister(fd int) error {
	m.record(Call{Op: OpDeregister, Fd: fd})
	return nil
}

// Inject queues events for Wait.
func (m *Multiplexer) Inject(evs ...api.Event) {
	for _, ev := range evs {
		m.events <- ev
	}
}

// FailWait makes the next Wait return err.
func (m *Multiplexer) FailWait(err error) {
	m.mu.Lock()
	m.waitErr = err
	m.mu.Unlock()
	m.Inject(api.Event{Handle: api.WakeHandle})
}

// Wait implements api.Multiplexer.
func (m *Multiplexer) Wait(events []api.Event) (int, error) {
	if len(events) == 0 {
		return 0, api.ErrInvalidArgument
	}
	select {
	case ev := <-m.events:
		m.mu.Lock()
		err := m.waitErr
		m.waitErr = nil
		m.mu.Unlock()
		if err != nil {
			return 0, err
		}
		events[0] = ev
	case <-m.closed:
		return 0, api.ErrClosed
	}
	n := 1
	for n < len(events) {
		select {
		case ev := <-m.events:
			events[n] = ev
			n++
		default:
			return n, nil
		}
	}
	return n, nil
}

// Wake implements api.Multiplexer.
func (m *Multiplexer) Wake() error {
	select {
	case m.events <- api.Event{Handle: api.WakeHandle}:
	default:
	}
	return nil
}

// Close implements api.Multiplexer.
func (m *Multiplexer) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Calls returns a copy of all recorded calls.
func (m *Multiplexer) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// CallsFor returns recorded calls for handle h.
func (m *Multiplexer) CallsFor(h api.Handle) []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Call
	for _, c := range m.calls {
		if c.Handle == h {
			out = append(out, c)
		}
	}
	return out
}

// Armed returns the last interest registered for h.
func (m *Multiplexer) Armed(h api.Handle) (api.Interest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.armed[h]
	return in, ok
}

// Deregistered reports whether fd was removed.
func (m *Multiplexer) Deregistered(fd int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.calls {
		if c.Op == OpDeregister && c.Fd == fd {
			return true
		}
	}
	return false
}
