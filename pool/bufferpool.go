// File: pool/bufferpool.go
// Package pool implements reference-counted block pooling with size class subpooling.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"sync/atomic"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/core/concurrency"
)

// Predefined (power-of-two) block size classes (bytes).
// Larger requests are served unpooled straight from the heap.
var sizeClasses = [...]int{
	2 * 1024,        // 2K
	4 * 1024,        // 4K
	8 * 1024,        // 8K
	16 * 1024,       // 16K
	32 * 1024,       // 32K
	64 * 1024,       // 64K
	128 * 1024,      // 128K
	256 * 1024,      // 256K
	512 * 1024,      // 512K
	1 * 1024 * 1024, // 1M
}

const freeListCapacity = 256

// sizeClassIndex returns the smallest class >= size, or -1 if none fits.
func sizeClassIndex(size int) int {
	for i, c := range sizeClasses {
		if size <= c {
			return i
		}
	}
	return -1
}

// Pool is a heap-backed allocator with per-class free lists and an
// optional byte budget. It is safe for concurrent use.
type Pool struct {
	free     [len(sizeClasses)]*concurrency.LockFreeQueue[*Block]
	maxBytes int64

	inUseBytes atomic.Int64
	inUse      atomic.Int64
	totalAlloc atomic.Int64
	totalFree  atomic.Int64
	unpooled   atomic.Int64
}

var _ api.Allocator = (*Pool)(nil)

// NewPool creates a pool. maxBytes <= 0 disables the budget.
func NewPool(maxBytes int64) *Pool {
	p := &Pool{maxBytes: maxBytes}
	for i := range p.free {
		p.free[i] = concurrency.NewLockFreeQueue[*Block](freeListCapacity)
	}
	return p
}

// Allocate implements api.Allocator.
func (p *Pool) Allocate(size int) (api.Block, error) {
	b, err := p.Get(size)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Get returns a block of exactly size bytes holding one reference.
// Payload contents are unspecified.
func (p *Pool) Get(size int) (*Block, error) {
	if size < 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "pool: negative size %d", size)
	}
	class := sizeClassIndex(size)
	charge := int64(size)
	if class >= 0 {
		charge = int64(sizeClasses[class])
	}
	if n := p.inUseBytes.Add(charge); p.maxBytes > 0 && n > p.maxBytes {
		p.inUseBytes.Add(-charge)
		return nil, api.Wrap(api.ErrCodeOutOfMemory, nil, "pool: budget exhausted").
			WithContext("requested", size).
			WithContext("budget", p.maxBytes)
	}

	var b *Block
	if class >= 0 {
		b, _ = p.free[class].Dequeue()
	}
	if b == nil {
		b = &Block{class: class, release: p.put}
		if class >= 0 {
			b.buf = make([]byte, sizeClasses[class])
		} else {
			b.buf = make([]byte, size)
			p.unpooled.Add(1)
		}
	}
	b.data = b.buf[:size]
	b.charge = charge
	b.refs.Store(1)

	p.totalAlloc.Add(1)
	p.inUse.Add(1)
	return b, nil
}

func (p *Pool) put(b *Block) {
	p.inUseBytes.Add(-b.charge)
	p.inUse.Add(-1)
	p.totalFree.Add(1)
	b.data = nil
	if b.class >= 0 {
		p.free[b.class].Enqueue(b)
	}
}

// Stats exposes resource/accounting metrics for observability.
func (p *Pool) Stats() api.PoolStats {
	return api.PoolStats{
		TotalAlloc: p.totalAlloc.Load(),
		TotalFree:  p.totalFree.Load(),
		InUse:      p.inUse.Load(),
		InUseBytes: p.inUseBytes.Load(),
		Unpooled:   p.unpooled.Load(),
	}
}
