// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, hot-reload, runtime metrics and debug introspection for
// the relay.
//
// Provides:
//   - YAML configuration with defaults, strict keys and validation
//   - ConfigStore snapshots with reload listeners
//   - fsnotify-driven file watching that feeds the store
//   - Prometheus metrics on a private registry
//   - Debug probes dumped as JSON
package control
