//go:build linux
// +build linux

// File: reactor/reactor_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux epoll(7) multiplexer. Connection registrations use
// EPOLLET|EPOLLONESHOT; the handle travels in the Fd/Pad words of the
// event data so stale events can be told apart from a recycled slot.

package reactor

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/momentics/hioload-relay/api"
	"golang.org/x/sys/unix"
)

// epollMux is an epoll-based multiplexer with an eventfd for wake-ups.
type epollMux struct {
	epfd   int
	wakefd int
	raw    []unix.EpollEvent
	closed atomic.Bool
}

func newMultiplexer(opts Options) (api.Multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	m := &epollMux{
		epfd:   epfd,
		wakefd: wakefd,
		raw:    make([]unix.EpollEvent, opts.maxEvents()),
	}
	// the wake descriptor stays level-triggered; Wait drains its counter
	ev := packEvent(api.WakeHandle, unix.EPOLLIN)
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		_ = unix.Close(wakefd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll ctl add wakefd: %w", err)
	}
	return m, nil
}

func packEvent(h api.Handle, events uint32) unix.EpollEvent {
	return unix.EpollEvent{
		Events: events,
		Fd:     int32(h.Slot()),
		Pad:    int32(h.Generation()),
	}
}

func unpackHandle(ev *unix.EpollEvent) api.Handle {
	return api.MakeHandle(uint32(ev.Fd), uint32(ev.Pad))
}

func epollFlags(interest api.Interest, oneshot bool) uint32 {
	flags := uint32(unix.EPOLLET | unix.EPOLLRDHUP)
	if interest.Has(api.Readable) {
		flags |= unix.EPOLLIN
	}
	if interest.Has(api.Writable) {
		flags |= unix.EPOLLOUT
	}
	if oneshot {
		flags |= unix.EPOLLONESHOT
	}
	return flags
}

// Register adds fd with edge-triggered semantics.
func (m *epollMux) Register(fd int, h api.Handle, interest api.Interest, oneshot bool) error {
	ev := packEvent(h, epollFlags(interest, oneshot))
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add fd=%d: %w", fd, err)
	}
	return nil
}

// Rearm re-enables a one-shot registration. MOD re-evaluates readiness, so
// data that arrived while disarmed produces an event immediately.
func (m *epollMux) Rearm(fd int, h api.Handle, interest api.Interest) error {
	ev := packEvent(h, epollFlags(interest, true))
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod fd=%d: %w", fd, err)
	}
	return nil
}

// Deregister removes fd from the epoll set.
func (m *epollMux) Deregister(fd int) error {
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Wait blocks without timeout. EINTR is retried.
func (m *epollMux) Wait(events []api.Event) (int, error) {
	if len(events) == 0 {
		return 0, api.ErrInvalidArgument
	}
	raw := m.raw
	if len(events) < len(raw) {
		raw = raw[:len(events)]
	}
	for {
		if m.closed.Load() {
			return 0, api.ErrClosed
		}
		n, err := unix.EpollWait(m.epfd, raw, -1)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("epoll wait: %w", err)
		}
		for i := 0; i < n; i++ {
			h := unpackHandle(&raw[i])
			if h == api.WakeHandle {
				m.drainWake()
			}
			events[i] = api.Event{Handle: h, Interest: toInterest(raw[i].Events)}
		}
		return n, nil
	}
}

func toInterest(flags uint32) api.Interest {
	var in api.Interest
	if flags&unix.EPOLLIN != 0 {
		in |= api.Readable
	}
	if flags&unix.EPOLLOUT != 0 {
		in |= api.Writable
	}
	if flags&(unix.EPOLLHUP|unix.EPOLLERR|unix.EPOLLRDHUP) != 0 {
		in |= api.Hangup
	}
	return in
}

func (m *epollMux) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(m.wakefd, buf[:]); err != nil {
			return
		}
	}
}

// Wake posts to the eventfd so a blocked Wait returns.
func (m *epollMux) Wake() error {
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	if _, err := unix.Write(m.wakefd, one[:]); err != nil && err != unix.EAGAIN {
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

// Close releases the epoll and eventfd descriptors.
func (m *epollMux) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = unix.Close(m.wakefd)
	return unix.Close(m.epfd)
}
