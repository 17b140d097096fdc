// Package session
// Author: momentics <momentics@gmail.com>
//
// Connection table for the relay. Each Conn maps to one accepted socket and
// carries its inbound scratch buffer, pending outbound bytes and the phase
// of its readiness state machine.
//
// The table is a growable slot map keyed by api.Handle: slot index plus a
// generation that is bumped on release, so a handle is never reused for a
// different connection. Capacity is a hard ceiling checked on every lookup.

package session
