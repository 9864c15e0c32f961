// Package control
// Author: momentics <momentics@gmail.com>
//
// Configuration, runtime metrics and debug introspection for pstream hosts.
//
// Provides:
//   - Config loaded from TOML with defaults and environment overrides
//   - ConfigStore holding the live snapshot and reload listeners
//   - MetricsRegistry for exported counters
//   - DebugHooks for on-demand state dumps
package control
