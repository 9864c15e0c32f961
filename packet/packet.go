// File: packet/packet.go
// Package packet implements the fixed-length, reference-counted message
// buffer carried by packet streams.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// A Packet owns one block from an api.Allocator. The single-threaded loop
// model applies: a packet is shared between holders on the loop goroutine,
// so the count is a plain integer.

package packet

import (
	"github.com/momentics/hioload-pstream/api"
)

// Packet is an application message buffer.
type Packet struct {
	block  api.Block
	length int
	refs   int
}

// New allocates a packet with exactly length payload bytes. The payload
// is not zeroed.
func New(alloc api.Allocator, length int) (*Packet, error) {
	if length < 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "packet: negative length %d", length)
	}
	b, err := alloc.Allocate(length)
	if err != nil {
		return nil, err
	}
	return &Packet{block: b, length: length, refs: 1}, nil
}

// NewFromBytes allocates a packet and copies data into it.
func NewFromBytes(alloc api.Allocator, data []byte) (*Packet, error) {
	p, err := New(alloc, len(data))
	if err != nil {
		return nil, err
	}
	copy(p.Data(), data)
	return p, nil
}

// Len returns the payload length.
func (p *Packet) Len() int { return p.length }

// Data returns the payload. Writers fill it before the first send; after
// that holders treat it as read-only.
func (p *Packet) Data() []byte {
	if p.block == nil {
		panic("packet: use of released packet")
	}
	return p.block.Bytes()[:p.length]
}

// Refs returns the reference count.
func (p *Packet) Refs() int { return p.refs }

// Ref adds a holder and returns p.
func (p *Packet) Ref() *Packet {
	if p.refs <= 0 {
		panic("packet: ref of released packet")
	}
	p.refs++
	return p
}

// Unref drops a holder. The last one releases the backing block exactly once.
func (p *Packet) Unref() {
	if p.refs <= 0 {
		panic("packet: unref of released packet")
	}
	p.refs--
	if p.refs == 0 {
		b := p.block
		p.block = nil
		b.Unref()
	}
}
