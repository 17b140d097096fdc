// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral helpers shared by the multiplexer backends.

package reactor

import "github.com/momentics/hioload-relay/api"

// DefaultMaxEvents bounds a single Wait batch.
const DefaultMaxEvents = 128

// Options tunes a multiplexer instance.
type Options struct {
	MaxEvents int
}

func (o Options) maxEvents() int {
	if o.MaxEvents <= 0 {
		return DefaultMaxEvents
	}
	return o.MaxEvents
}

// New constructs the platform multiplexer.
func New(opts Options) (api.Multiplexer, error) {
	return newMultiplexer(opts)
}
