// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the single-threaded poll-mode event reactor that
// drives I/O channels, shared-ring signalling and deferred stream work.
// Callbacks run synchronously on the goroutine calling Poll; nothing in the
// reactor is safe for use from other goroutines.
package reactor
