// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package session

import (
	"errors"
	"testing"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/fake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func armedConn(t *testing.T, mux *fake.Multiplexer) *Conn {
	t.Helper()
	tbl := newTestTable(t, 4)
	c, err := tbl.Create(fake.NewStream(5), "")
	require.NoError(t, err)
	require.NoError(t, c.Arm(func(fd int, h api.Handle, in api.Interest) error {
		return mux.Register(fd, h, in, true)
	}))
	return c
}

func TestConn_ArmRegistersReadable(t *testing.T) {
	mux := fake.NewMultiplexer()
	c := armedConn(t, mux)

	in, ok := mux.Armed(c.Handle())
	require.True(t, ok)
	assert.Equal(t, api.Readable, in)
	assert.Equal(t, PhaseReadArmed, c.Phase())
}

func TestConn_SingleJobInFlight(t *testing.T) {
	mux := fake.NewMultiplexer()
	c := armedConn(t, mux)

	kind, ok := c.BeginJob(api.Readable)
	require.True(t, ok)
	assert.Equal(t, api.JobRead, kind)

	_, ok = c.BeginJob(api.Writable)
	assert.False(t, ok, "second event during a job must be dropped")

	in, err := c.EndJob(mux.Rearm)
	require.NoError(t, err)
	assert.Equal(t, api.Readable, in)

	_, ok = c.BeginJob(api.Readable)
	assert.True(t, ok)
}

func TestConn_EnqueueWhileIdleRearmsWritable(t *testing.T) {
	mux := fake.NewMultiplexer()
	c := armedConn(t, mux)

	require.NoError(t, c.Enqueue([]byte("hi"), 0, mux.Rearm))
	in, _ := mux.Armed(c.Handle())
	assert.Equal(t, api.Writable, in)
	assert.Equal(t, PhaseWriting, c.Phase())

	kind, ok := c.BeginJob(api.Writable)
	require.True(t, ok)
	assert.Equal(t, api.JobWrite, kind)
}

func TestConn_EnqueueDuringJobDefersToEndJob(t *testing.T) {
	mux := fake.NewMultiplexer()
	c := armedConn(t, mux)
	_, ok := c.BeginJob(api.Readable)
	require.True(t, ok)

	before := len(mux.CallsFor(c.Handle()))
	require.NoError(t, c.Enqueue([]byte("x"), 0, mux.Rearm))
	assert.Len(t, mux.CallsFor(c.Handle()), before, "no rearm while a job is in flight")

	in, err := c.EndJob(mux.Rearm)
	require.NoError(t, err)
	assert.Equal(t, api.Writable, in)
}

func TestConn_EnqueueLimit(t *testing.T) {
	mux := fake.NewMultiplexer()
	c := armedConn(t, mux)
	require.NoError(t, c.Enqueue([]byte("1234"), 6, mux.Rearm))
	assert.ErrorIs(t, c.Enqueue([]byte("567"), 6, mux.Rearm), ErrOverflow)
	assert.Equal(t, []byte("1234"), c.Pending())
}

func TestConn_OutboundConsume(t *testing.T) {
	mux := fake.NewMultiplexer()
	c := armedConn(t, mux)
	require.NoError(t, c.Enqueue([]byte("hello world"), 0, mux.Rearm))

	out := c.Outbound()
	assert.Equal(t, []byte("hello world"), out)
	assert.Equal(t, 5, c.Consume(6))
	assert.Equal(t, []byte("world"), c.Pending())
	assert.Zero(t, c.Consume(5))
	assert.Zero(t, c.PendingLen())
}

func TestConn_Closed(t *testing.T) {
	mux := fake.NewMultiplexer()
	c := armedConn(t, mux)
	_, ok := c.BeginJob(api.Readable)
	require.True(t, ok)

	assert.True(t, c.MarkClosed())
	assert.False(t, c.MarkClosed())
	assert.Equal(t, PhaseClosed, c.Phase())

	_, err := c.EndJob(mux.Rearm)
	assert.ErrorIs(t, err, api.ErrClosed)
	assert.ErrorIs(t, c.Enqueue([]byte("x"), 0, mux.Rearm), api.ErrClosed)
	_, ok = c.BeginJob(api.Readable)
	assert.False(t, ok)
}

func TestPhase_String(t *testing.T) {
	assert.Equal(t, "read-armed", PhaseReadArmed.String())
	assert.Equal(t, "closed", PhaseClosed.String())
	assert.Equal(t, "unknown", Phase(42).String())
}

func TestConn_AbortDefersToJobOwner(t *testing.T) {
	mux := fake.NewMultiplexer()
	c := armedConn(t, mux)

	_, ok := c.BeginJob(api.Readable)
	require.True(t, ok)
	cause := errors.New("rearm failed")
	assert.False(t, c.Abort("error", cause), "owner releases when a job is in flight")
	assert.False(t, c.Abort("overflow", nil), "first reason wins")

	_, err := c.EndJob(mux.Rearm)
	assert.ErrorIs(t, err, api.ErrClosed)
	reason, got := c.Aborted()
	assert.Equal(t, "error", reason)
	assert.Equal(t, cause, got)

	idle := armedConn(t, mux)
	reason, _ = idle.Aborted()
	assert.Empty(t, reason)
	assert.True(t, idle.Abort("overflow", ErrOverflow), "idle connection is released by the caller")
}
