// File: core/ringbuf/ring.go
// Package ringbuf implements the single-producer/single-consumer byte ring
// used by the shared-memory transport.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The ring lives in caller supplied memory, usually a slot of a shared
// mapping. The only word both sides touch is the fill count; each side
// keeps its own index locally and derives positions through the mask.

package ringbuf

import (
	"sync/atomic"
	"unsafe"

	"github.com/momentics/hioload-pstream/api"
)

// HeaderSize is the number of shared bytes a ring needs besides its data.
const HeaderSize = 8

// Ring is one direction of a byte channel. A Ring value is used either by
// the producer or by the consumer, never both.
type Ring struct {
	count *atomic.Int64
	data  []byte
	mask  int

	readIndex  int
	writeIndex int
}

// New binds a ring to header (HeaderSize bytes, 8-byte aligned) and data
// (power-of-two length). It does not reset the shared count; see Reset.
func New(header, data []byte) (*Ring, error) {
	if len(header) < HeaderSize {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "ringbuf: header too short: %d", len(header))
	}
	if uintptr(unsafe.Pointer(&header[0]))%8 != 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "ringbuf: header not 8-byte aligned")
	}
	c := len(data)
	if c == 0 || c&(c-1) != 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "ringbuf: capacity %d is not a power of two", c)
	}
	return &Ring{
		count: (*atomic.Int64)(unsafe.Pointer(&header[0])),
		data:  data,
		mask:  c - 1,
	}, nil
}

// Reset zeroes the shared fill count. Only the creator calls it, before the
// peer attaches.
func (r *Ring) Reset() {
	r.count.Store(0)
	r.readIndex, r.writeIndex = 0, 0
}

// Cap returns the fixed capacity.
func (r *Ring) Cap() int { return len(r.data) }

// Len returns the number of unread bytes.
func (r *Ring) Len() int { return int(r.count.Load()) }

// Free returns the number of bytes that can be written without overwriting.
func (r *Ring) Free() int { return len(r.data) - r.Len() }

// pos maps a running index to a data offset.
func (r *Ring) pos(i int) int { return i & r.mask }

// Write copies as much of p as fits. wasEmpty reports an empty->nonempty
// transition, which is when the consumer must be woken.
func (r *Ring) Write(p []byte) (n int, wasEmpty bool) {
	n = r.Free()
	if n > len(p) {
		n = len(p)
	}
	if n == 0 {
		return 0, false
	}
	at := r.pos(r.writeIndex)
	first := copy(r.data[at:], p[:n])
	if first < n {
		copy(r.data, p[first:n])
	}
	r.writeIndex += n
	old := r.count.Add(int64(n)) - int64(n)
	return n, old == 0
}

// Read copies up to len(p) unread bytes. wasFull reports a full->nonfull
// transition, which is when the producer must be woken.
func (r *Ring) Read(p []byte) (n int, wasFull bool) {
	n = r.Len()
	if n > len(p) {
		n = len(p)
	}
	if n == 0 {
		return 0, false
	}
	at := r.pos(r.readIndex)
	first := copy(p[:n], r.data[at:])
	if first < n {
		copy(p[first:n], r.data)
	}
	r.readIndex += n
	old := r.count.Add(-int64(n)) + int64(n)
	return n, old == int64(len(r.data))
}
