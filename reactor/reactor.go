//go:build linux

// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral pieces of the reactor: deferred events and loop helpers.

package reactor

import (
	"time"

	"github.com/momentics/hioload-pstream/api"
)

// deferEvent is a callback run at the start of each iteration while enabled.
type deferEvent struct {
	r       *Reactor
	cb      func()
	enabled bool
	closed  bool
}

var _ api.Deferred = (*deferEvent)(nil)

// Enable arms or disarms the event.
func (d *deferEvent) Enable(on bool) {
	if d.closed {
		return
	}
	d.enabled = on
}

// Close removes the event from the reactor.
func (d *deferEvent) Close() {
	d.closed = true
	d.enabled = false
}

// Defer creates a disabled deferred event.
func (r *Reactor) Defer(cb func()) api.Deferred {
	d := &deferEvent{r: r, cb: cb}
	r.defers = append(r.defers, d)
	return d
}

// runDefers dispatches enabled deferred events and reports whether any is
// still enabled afterwards.
func (r *Reactor) runDefers() bool {
	live := r.defers[:0]
	for _, d := range r.defers {
		if !d.closed {
			live = append(live, d)
		}
	}
	for i := len(live); i < len(r.defers); i++ {
		r.defers[i] = nil
	}
	r.defers = live

	snapshot := append([]*deferEvent(nil), r.defers...)
	for _, d := range snapshot {
		if d.enabled && !d.closed {
			d.cb()
		}
	}
	for _, d := range r.defers {
		if d.enabled && !d.closed {
			return true
		}
	}
	return false
}

// RunUntil polls until done returns true or timeout elapses.
func (r *Reactor) RunUntil(done func() bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for !done() {
		left := time.Until(deadline)
		if left <= 0 {
			return api.Errorf(api.ErrCodeInternal, "reactor: condition not reached within %s", timeout)
		}
		if left > 50*time.Millisecond {
			left = 50 * time.Millisecond
		}
		if err := r.Poll(left); err != nil {
			return err
		}
	}
	return nil
}
