// File: server/options.go
// Package server defines functional options for the relay Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"github.com/momentics/hioload-relay/api"
	"github.com/momentics/hioload-relay/control"
	"github.com/rs/zerolog"
)

// ServerOption customizes server initialization.
type ServerOption func(*Server)

// WithMultiplexer replaces the platform multiplexer.
func WithMultiplexer(m api.Multiplexer) ServerOption {
	return func(s *Server) {
		s.mux = m
	}
}

// WithLogger sets the root logger.
func WithLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics sets the metrics sink. A Metrics value serves one server only.
func WithMetrics(m *control.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}
