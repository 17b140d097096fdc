// internal/transport/transport_other.go
//go:build !linux
// +build !linux

//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package transport

import (
	"fmt"
	"net"

	"github.com/momentics/hioload-relay/api"
)

// Listener is unavailable on this platform.
type Listener struct{}

// Listen always fails with api.ErrNotSupported.
func Listen(addr string, backlog int) (*Listener, error) {
	return nil, fmt.Errorf("listen %s: %w", addr, api.ErrNotSupported)
}

func (l *Listener) Fd() int                               { return -1 }
func (l *Listener) Addr() net.Addr                        { return nil }
func (l *Listener) Accept() (api.Stream, net.Addr, error) { return nil, nil, api.ErrNotSupported }
func (l *Listener) Close() error                          { return nil }
