// File: pool/block.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync/atomic"

	"github.com/momentics/hioload-pstream/api"
)

var _ api.Block = (*Block)(nil)

// Block is a reference-counted region. Its length is fixed at allocation.
type Block struct {
	data   []byte
	buf    []byte // full backing region, reused on recycle
	refs   atomic.Int32
	charge int64
	class  int // index into sizeClasses, -1 when unpooled

	slot   uint32
	offset int
	shared bool

	release func(*Block)
}

// Bytes returns the block payload.
func (b *Block) Bytes() []byte { return b.data }

// Len returns the payload length.
func (b *Block) Len() int { return len(b.data) }

// Refs returns the current reference count.
func (b *Block) Refs() int32 { return b.refs.Load() }

// Shared reports whether the block lives in a shared mapping.
func (b *Block) Shared() bool { return b.shared }

// Slot returns the shared pool slot index; zero for heap blocks.
func (b *Block) Slot() uint32 { return b.slot }

// Ref increments the reference count.
func (b *Block) Ref() {
	if b.refs.Add(1) <= 1 {
		panic("pool: ref of released block")
	}
}

// Unref drops a reference and recycles the block on the last one.
func (b *Block) Unref() {
	n := b.refs.Add(-1)
	switch {
	case n < 0:
		panic("pool: unref of released block")
	case n == 0 && b.release != nil:
		b.release(b)
	}
}
