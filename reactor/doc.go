// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the edge-triggered, one-shot readiness multiplexer
// that drives the relay event loop. The Linux backend is epoll; other
// platforms get a stub returning api.ErrNotSupported.
package reactor
