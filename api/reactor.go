// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the readiness multiplexer contract used by the relay event loop.
// Registrations are edge-triggered; one-shot registrations disarm after a
// single delivered event and stay silent until rearmed.

package api

import "strings"

// Handle identifies one registration. For connections it is the table slot
// index in the low 32 bits and the slot generation in the high 32 bits.
type Handle uint64

// Reserved handles that never collide with a table slot.
const (
	ListenerHandle Handle = ^Handle(0)
	WakeHandle     Handle = ^Handle(0) - 1
)

// MakeHandle packs a slot index and generation.
func MakeHandle(slot, gen uint32) Handle {
	return Handle(uint64(gen)<<32 | uint64(slot))
}

// Slot returns the table slot index.
func (h Handle) Slot() uint32 { return uint32(h) }

// Generation returns the slot generation.
func (h Handle) Generation() uint32 { return uint32(h >> 32) }

// Interest is a readiness bit set.
type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
	// Hangup is only ever reported, never requested.
	Hangup
)

// Has reports whether all bits of o are set in i.
func (i Interest) Has(o Interest) bool { return i&o == o }

func (i Interest) String() string {
	if i == 0 {
		return "none"
	}
	var parts []string
	if i.Has(Readable) {
		parts = append(parts, "readable")
	}
	if i.Has(Writable) {
		parts = append(parts, "writable")
	}
	if i.Has(Hangup) {
		parts = append(parts, "hangup")
	}
	return strings.Join(parts, "|")
}

// Event encapsulates the result of an OS-level readiness notification.
type Event struct {
	Handle   Handle
	Interest Interest
}

// Multiplexer waits on many descriptors and reports which became ready.
type Multiplexer interface {
	// Register adds fd under handle h with the given interest.
	Register(fd int, h Handle, interest Interest, oneshot bool) error

	// Rearm re-enables a one-shot registration with a (possibly new) interest.
	Rearm(fd int, h Handle, interest Interest) error

	// Deregister removes fd from the interest set.
	Deregister(fd int) error

	// Wait blocks until at least one event is ready and fills events.
	Wait(events []Event) (int, error)

	// Wake unblocks a pending Wait; the wake is reported as WakeHandle.
	Wake() error

	// Close releases the multiplexer.
	Close() error
}
