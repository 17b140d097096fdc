// Copyright 2025 momentics@gmail.com
// Licensed under the Apache License, Version 2.0.

package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/fake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	listenerFd = 3
	waitFor    = 2 * time.Second
	tick       = time.Millisecond
)

type harness struct {
	t    *testing.T
	srv  *Server
	mux  *fake.Multiplexer
	ln   *fake.Acceptor
	errc chan error
}

func newHarness(t *testing.T, mutate func(*Config)) *harness {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.MaxConns = 8
	cfg.BufferSize = 16
	cfg.MaxPending = 64
	if mutate != nil {
		mutate(&cfg)
	}
	mux := fake.NewMultiplexer()
	ln := fake.NewAcceptor(listenerFd)
	srv, err := NewServer(cfg, ln, WithMultiplexer(mux))
	require.NoError(t, err)
	return &harness{t: t, srv: srv, mux: mux, ln: ln, errc: make(chan error, 1)}
}

func (h *harness) start() {
	h.t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.errc <- h.srv.Serve(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		select {
		case <-h.errc:
		case <-time.After(waitFor):
			h.t.Error("serve did not return")
		}
	})
	require.Eventually(h.t, func() bool {
		_, ok := h.mux.Armed(api.ListenerHandle)
		return ok
	}, waitFor, tick)
}

// connect accepts streams with the given fds and returns their handles.
func (h *harness) connect(fds ...int) ([]*fake.Stream, []api.Handle) {
	h.t.Helper()
	streams := make([]*fake.Stream, len(fds))
	for i, fd := range fds {
		streams[i] = fake.NewStream(fd)
	}
	before := h.srv.table.Len()
	h.ln.Push(streams...)
	h.mux.Inject(api.Event{Handle: api.ListenerHandle, Interest: api.Readable})
	require.Eventually(h.t, func() bool {
		return h.srv.table.Len() == before+len(fds)
	}, waitFor, tick)

	handles := make([]api.Handle, len(fds))
	for i, fd := range fds {
		handles[i] = h.handleOf(fd)
	}
	return streams, handles
}

func (h *harness) handleOf(fd int) api.Handle {
	h.t.Helper()
	for _, c := range h.mux.Calls() {
		if c.Op == fake.OpRegister && c.Fd == fd {
			return c.Handle
		}
	}
	h.t.Fatalf("fd %d never registered", fd)
	return 0
}

func (h *harness) armedFor(hd api.Handle, want api.Interest) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		in, ok := h.mux.Armed(hd)
		return ok && in == want
	}, waitFor, tick, "handle %d never armed for %s", hd, want)
}

// rearmed waits until handle hd has seen at least n rearms, i.e. the job
// that triggered the n-th one has finished.
func (h *harness) rearmed(hd api.Handle, n int) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		count := 0
		for _, c := range h.mux.CallsFor(hd) {
			if c.Op == fake.OpRearm {
				count++
			}
		}
		return count >= n
	}, waitFor, tick)
}

func eventuallyCount(t *testing.T, c prometheus.Collector, want float64) {
	t.Helper()
	require.Eventually(t, func() bool { return testutil.ToFloat64(c) == want }, waitFor, tick)
}

func TestNewServer_InvalidArguments(t *testing.T) {
	_, err := NewServer(DefaultConfig(), nil, WithMultiplexer(fake.NewMultiplexer()))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)

	cfg := DefaultConfig()
	cfg.Workers = 0
	_, err = NewServer(cfg, fake.NewAcceptor(listenerFd), WithMultiplexer(fake.NewMultiplexer()))
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.MaxPending = cfg.BufferSize - 1
	_, err = NewServer(cfg, fake.NewAcceptor(listenerFd), WithMultiplexer(fake.NewMultiplexer()))
	assert.ErrorIs(t, err, api.ErrInvalidArgument)
}

func TestServer_FanOutSkipsSender(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	streams, handles := h.connect(10, 11, 12)
	for _, hd := range handles {
		h.armedFor(hd, api.Readable)
	}

	streams[0].Feed([]byte("hello"))
	h.mux.Inject(api.Event{Handle: handles[0], Interest: api.Readable})

	h.armedFor(handles[1], api.Writable)
	h.armedFor(handles[2], api.Writable)
	h.mux.Inject(
		api.Event{Handle: handles[1], Interest: api.Writable},
		api.Event{Handle: handles[2], Interest: api.Writable},
	)

	for _, i := range []int{1, 2} {
		s := streams[i]
		require.Eventually(t, func() bool { return string(s.Sent()) == "hello" }, waitFor, tick)
		h.armedFor(handles[i], api.Readable)
	}
	assert.Empty(t, streams[0].Sent())
	h.armedFor(handles[0], api.Readable)
	assert.EqualValues(t, 5, h.srv.Stats().BytesIn)
	assert.EqualValues(t, 10, h.srv.Stats().BytesOut)
}

func TestServer_ReadJobDrainsEverything(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	streams, handles := h.connect(10, 11)

	// Input larger than the buffer must be drained by a single event.
	streams[0].Feed([]byte("0123456789abcdefXYZ"), []byte("tail"))
	h.mux.Inject(api.Event{Handle: handles[0], Interest: api.Readable})

	require.Eventually(t, func() bool {
		c, err := h.srv.table.Get(handles[1])
		return err == nil && c.PendingLen() == 23
	}, waitFor, tick)
	assert.False(t, streams[0].Unread())

	h.mux.Inject(api.Event{Handle: handles[1], Interest: api.Writable})
	require.Eventually(t, func() bool {
		return string(streams[1].Sent()) == "0123456789abcdefXYZtail"
	}, waitFor, tick)
}

func TestServer_EOFReleasesSlot(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	streams, handles := h.connect(10, 11)

	streams[0].FeedEOF()
	h.mux.Inject(api.Event{Handle: handles[0], Interest: api.Readable | api.Hangup})

	eventuallyCount(t, h.srv.metrics.ConnsClosed.WithLabelValues(reasonEOF), 1)
	assert.Equal(t, 1, h.srv.table.Len())
	assert.True(t, streams[0].Closed())
	assert.True(t, h.mux.Deregistered(10))
	_, err := h.srv.table.Get(handles[0])
	assert.ErrorIs(t, err, api.ErrNotFound)

	// The freed slot is reused under a new generation.
	_, again := h.connect(13)
	assert.Equal(t, handles[0].Slot(), again[0].Slot())
	assert.NotEqual(t, handles[0], again[0])
}

func TestServer_PartialWriteKeepsRemainder(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	streams, handles := h.connect(10, 11)
	streams[1].SetSendBudget(2)

	streams[0].Feed([]byte("hello"))
	h.mux.Inject(api.Event{Handle: handles[0], Interest: api.Readable})
	h.armedFor(handles[1], api.Writable)
	h.mux.Inject(api.Event{Handle: handles[1], Interest: api.Writable})

	require.Eventually(t, func() bool { return string(streams[1].Sent()) == "he" }, waitFor, tick)
	// one rearm from the fan-out, one from the write job
	h.rearmed(handles[1], 2)
	c, err := h.srv.table.Get(handles[1])
	require.NoError(t, err)
	assert.Equal(t, 3, c.PendingLen())
	assert.Equal(t, "writing", c.Phase().String())
	h.armedFor(handles[1], api.Writable)

	streams[1].SetSendBudget(-1)
	h.mux.Inject(api.Event{Handle: handles[1], Interest: api.Writable})
	require.Eventually(t, func() bool { return string(streams[1].Sent()) == "hello" }, waitFor, tick)
	h.armedFor(handles[1], api.Readable)
}

func TestServer_SendFailureClosesPeer(t *testing.T) {
	h := newHarness(t, nil)
	h.start()
	streams, handles := h.connect(10, 11)
	streams[1].FailSend(errors.New("broken"))

	streams[0].Feed([]byte("x"))
	h.mux.Inject(api.Event{Handle: handles[0], Interest: api.Readable})
	h.armedFor(handles[1], api.Writable)
	h.mux.Inject(api.Event{Handle: handles[1], Interest: api.Writable})

	require.Eventually(t, func() bool { return streams[1].Closed() }, waitFor, tick)
	require.Eventually(t, func() bool { return h.srv.table.Len() == 1 }, waitFor, tick)
	assert.False(t, streams[0].Closed())
}

func TestServer_OverflowClosesSlowPeer(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.BufferSize = 4
		c.MaxPending = 4
	})
	h.start()
	streams, handles := h.connect(10, 11)

	streams[0].Feed([]byte("abcd"))
	h.mux.Inject(api.Event{Handle: handles[0], Interest: api.Readable})
	h.armedFor(handles[1], api.Writable)
	h.rearmed(handles[0], 1)

	streams[0].Feed([]byte("efgh"))
	h.mux.Inject(api.Event{Handle: handles[0], Interest: api.Readable})

	eventuallyCount(t, h.srv.metrics.ConnsClosed.WithLabelValues(reasonOverflow), 1)
	assert.True(t, streams[1].Closed())
	assert.Equal(t, 1, h.srv.table.Len())
}

func TestServer_TableFullRejects(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.MaxConns = 1 })
	h.start()

	a, b := fake.NewStream(10), fake.NewStream(11)
	h.ln.Push(a, b)
	h.mux.Inject(api.Event{Handle: api.ListenerHandle, Interest: api.Readable})

	eventuallyCount(t, h.srv.metrics.ConnsRejected.WithLabelValues("table_full"), 1)
	assert.True(t, b.Closed())
	assert.False(t, a.Closed())
	assert.Equal(t, 1, h.srv.table.Len())
}

func TestServer_AcceptRateLimit(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.AcceptRate = 0.001
		c.AcceptBurst = 1
	})
	h.start()

	streams := []*fake.Stream{fake.NewStream(10), fake.NewStream(11), fake.NewStream(12)}
	h.ln.Push(streams...)
	h.mux.Inject(api.Event{Handle: api.ListenerHandle, Interest: api.Readable})

	eventuallyCount(t, h.srv.metrics.ConnsRejected.WithLabelValues("rate_limited"), 2)
	assert.True(t, streams[1].Closed())
	assert.True(t, streams[2].Closed())
	assert.False(t, streams[0].Closed())

	h.srv.SetAcceptRate(0, 0)
	_, _ = h.connect(13)
}

func TestServer_DispatchDropsBusyAndStaleEvents(t *testing.T) {
	h := newHarness(t, nil)
	t.Cleanup(func() { _ = h.srv.Shutdown() })

	c, err := h.srv.table.Create(fake.NewStream(10), "peer")
	require.NoError(t, err)
	require.NoError(t, c.Arm(h.srv.register))

	ev := api.Event{Handle: c.Handle(), Interest: api.Readable}
	require.NoError(t, h.srv.dispatch(ev))
	require.NoError(t, h.srv.dispatch(ev))
	require.NoError(t, h.srv.dispatch(api.Event{Handle: api.MakeHandle(c.Handle().Slot(), 99)}))
	require.NoError(t, h.srv.dispatch(api.Event{Handle: api.MakeHandle(1000, 1)}))

	// Workers were never started, so the single job stays queued.
	assert.Equal(t, 1, h.srv.pool.Stats().Pending)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.srv.metrics.EventsDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.JobsSubmitted.WithLabelValues("read")))
}

func TestServer_QueueFullIsFatal(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.QueueLimit = 1 })
	t.Cleanup(func() { _ = h.srv.Shutdown() })

	var evs []api.Event
	for fd := 10; fd < 12; fd++ {
		c, err := h.srv.table.Create(fake.NewStream(fd), "peer")
		require.NoError(t, err)
		require.NoError(t, c.Arm(h.srv.register))
		evs = append(evs, api.Event{Handle: c.Handle(), Interest: api.Readable})
	}
	require.NoError(t, h.srv.dispatch(evs[0]))
	assert.Error(t, h.srv.dispatch(evs[1]))
}

func TestServer_WaitFailureIsFatal(t *testing.T) {
	h := newHarness(t, nil)
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(context.Background()) }()
	require.Eventually(t, func() bool {
		_, ok := h.mux.Armed(api.ListenerHandle)
		return ok
	}, waitFor, tick)

	s := fake.NewStream(10)
	h.ln.Push(s)
	h.mux.Inject(api.Event{Handle: api.ListenerHandle, Interest: api.Readable})
	require.Eventually(t, func() bool { return h.srv.table.Len() == 1 }, waitFor, tick)

	boom := errors.New("epoll_wait: bad file descriptor")
	h.mux.FailWait(boom)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(waitFor):
		t.Fatal("serve did not return")
	}
	assert.True(t, s.Closed())
	assert.Equal(t, 0, h.srv.table.Len())
}

func TestServer_ShutdownClosesEverything(t *testing.T) {
	h := newHarness(t, nil)
	done := make(chan error, 1)
	go func() { done <- h.srv.Serve(context.Background()) }()
	require.Eventually(t, func() bool {
		_, ok := h.mux.Armed(api.ListenerHandle)
		return ok
	}, waitFor, tick)
	streams, _ := h.connect(10, 11)

	require.NoError(t, h.srv.Shutdown())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("serve did not return")
	}
	for _, s := range streams {
		assert.True(t, s.Closed())
	}
	assert.True(t, h.mux.Deregistered(listenerFd))
	assert.Equal(t, 2.0, testutil.ToFloat64(h.srv.metrics.ConnsClosed.WithLabelValues(reasonShutdown)))

	assert.ErrorIs(t, h.srv.Serve(context.Background()), ErrAlreadyRunning)
	assert.NoError(t, h.srv.Shutdown())
}

// A busy peer aborted by a fan-out is released by its job owner with the
// reason the fan-out recorded.
func TestServer_DeferredAbortKeepsReason(t *testing.T) {
	h := newHarness(t, nil)
	t.Cleanup(func() { _ = h.srv.Shutdown() })

	stream := fake.NewStream(10)
	c, err := h.srv.table.Create(stream, "peer")
	require.NoError(t, err)
	require.NoError(t, c.Arm(h.srv.register))
	kind, ok := c.BeginJob(api.Readable)
	require.True(t, ok)

	cause := errors.New("epoll ctl mod: bad file descriptor")
	h.srv.abort(c, reasonError, cause)
	assert.False(t, stream.Closed(), "job owner releases a busy connection")
	assert.Equal(t, 1, h.srv.table.Len())

	h.srv.run(api.Job{Kind: kind, Handle: c.Handle()})

	assert.True(t, stream.Closed())
	assert.Zero(t, h.srv.table.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(h.srv.metrics.ConnsClosed.WithLabelValues(reasonError)))
	assert.Zero(t, testutil.ToFloat64(h.srv.metrics.ConnsClosed.WithLabelValues(reasonOverflow)))
}

// Stats is read by the stats job and the debug endpoint while Serve starts.
func TestServer_StatsConcurrentWithServe(t *testing.T) {
	h := newHarness(t, nil)
	assert.True(t, h.srv.Stats().StartedAt.IsZero())

	stop := make(chan struct{})
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			select {
			case <-stop:
				return
			default:
				_ = h.srv.Stats()
			}
		}
	}()

	before := time.Now()
	h.start()
	require.Eventually(t, func() bool { return !h.srv.Stats().StartedAt.IsZero() }, waitFor, tick)
	close(stop)
	<-readerDone

	started := h.srv.Stats().StartedAt
	assert.False(t, started.Before(before.Add(-time.Second)))
	assert.False(t, started.After(time.Now()))
}
