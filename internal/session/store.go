// File: internal/session/store.go
// Package session
// Author: momentics <momentics@gmail.com>
//
// Capacity-checked slot map of live connections.

package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/momentics/hioload-relay/api"
)

var (
	// ErrOutOfRange is returned for handles whose slot exceeds the capacity.
	ErrOutOfRange = errors.New("connection handle out of range")

	// ErrTableFull is returned when every slot up to the capacity is taken.
	ErrTableFull = fmt.Errorf("connection table full: %w", api.ErrResourceExhausted)
)

type slot struct {
	gen  uint32
	conn *Conn
}

// Table maps handles to connection state.
type Table struct {
	mu       sync.RWMutex
	slots    []slot
	free     []uint32
	live     int
	capacity int
	bufSize  int
}

// NewTable creates a table holding at most capacity connections, each with
// an inbound buffer of bufSize bytes.
func NewTable(capacity, bufSize int) (*Table, error) {
	if capacity <= 0 || capacity >= int(api.WakeHandle.Slot()) {
		return nil, fmt.Errorf("table capacity %d: %w", capacity, api.ErrInvalidArgument)
	}
	if bufSize <= 0 {
		return nil, fmt.Errorf("buffer size %d: %w", bufSize, api.ErrInvalidArgument)
	}
	return &Table{capacity: capacity, bufSize: bufSize}, nil
}

// Create allocates a slot for a freshly accepted stream. The connection
// starts Idle with cleared buffers.
func (t *Table) Create(stream api.Stream, remote string) (*Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	switch {
	case len(t.free) > 0:
		idx = t.free[len(t.free)-1]
		t.free = t.free[:len(t.free)-1]
	case len(t.slots) < t.capacity:
		idx = uint32(len(t.slots))
		t.slots = append(t.slots, slot{})
	default:
		return nil, ErrTableFull
	}

	s := &t.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.conn = newConn(api.MakeHandle(idx, s.gen), stream, remote, t.bufSize)
	t.live++
	return s.conn, nil
}

// Get resolves h. It fails with ErrOutOfRange when the slot index is beyond
// the capacity and with api.ErrNotFound for free slots or stale generations.
func (t *Table) Get(h api.Handle) (*Conn, error) {
	idx := h.Slot()
	if int64(idx) >= int64(t.capacity) {
		return nil, fmt.Errorf("handle %#x: %w", uint64(h), ErrOutOfRange)
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	if int(idx) >= len(t.slots) {
		return nil, fmt.Errorf("handle %#x: %w", uint64(h), api.ErrNotFound)
	}
	s := t.slots[idx]
	if s.conn == nil || s.gen != h.Generation() {
		return nil, fmt.Errorf("handle %#x: %w", uint64(h), api.ErrNotFound)
	}
	return s.conn, nil
}

// Remove releases the slot of h.
func (t *Table) Remove(h api.Handle) error {
	idx := h.Slot()
	if int64(idx) >= int64(t.capacity) {
		return fmt.Errorf("handle %#x: %w", uint64(h), ErrOutOfRange)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if int(idx) >= len(t.slots) || t.slots[idx].conn == nil || t.slots[idx].gen != h.Generation() {
		return fmt.Errorf("handle %#x: %w", uint64(h), api.ErrNotFound)
	}
	t.slots[idx].conn = nil
	t.free = append(t.free, idx)
	t.live--
	return nil
}

// Range calls fn for every live connection until fn returns false. fn runs
// outside the table lock on a snapshot.
func (t *Table) Range(fn func(*Conn) bool) {
	t.mu.RLock()
	snapshot := make([]*Conn, 0, t.live)
	for i := range t.slots {
		if c := t.slots[i].conn; c != nil {
			snapshot = append(snapshot, c)
		}
	}
	t.mu.RUnlock()

	for _, c := range snapshot {
		if !fn(c) {
			return
		}
	}
}

// Len returns the number of live connections.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

// Capacity returns the configured ceiling.
func (t *Table) Capacity() int { return t.capacity }
