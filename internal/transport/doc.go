// internal/transport/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Package transport owns raw TCP sockets for the relay: a non-blocking
// listening socket driven by the event loop and non-blocking connected
// streams used by worker jobs. Would-block conditions surface as
// api.ErrWouldBlock, peer closure as io.EOF.
package transport
