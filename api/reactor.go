// File: api/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Defines the abstract interface for the single-threaded event reactor
// driving I/O channels, shared-ring signalling and deferred work.

package api

// FDEventType is a bitmask of readiness conditions.
type FDEventType uint32

const (
	EventRead FDEventType = 1 << iota
	EventWrite
	EventError
	EventHangup
)

// FDCallback is invoked synchronously on the loop thread with the ready events.
type FDCallback func(fd int, events FDEventType)

// Watch is a registered file descriptor.
type Watch interface {
	// Modify replaces the interest set.
	Modify(events FDEventType) error
	// Close removes the descriptor from the reactor. It does not close fd.
	Close() error
}

// Deferred is a callback run at the start of every loop iteration while enabled.
type Deferred interface {
	Enable(on bool)
	Close()
}

// Reactor is the event loop contract consumed by channels and streams.
// All methods must be called from the goroutine driving the loop.
type Reactor interface {
	// Register associates fd with the loop.
	Register(fd int, events FDEventType, cb FDCallback) (Watch, error)

	// Defer creates a disabled deferred event.
	Defer(cb func()) Deferred
}
