// Package fake
// Author: momentics <momentics@gmail.com>
//
// Fake block and allocator implementations for testing: release counting
// and allocation failure injection.

package fake

import (
	"sync"

	"github.com/momentics/hioload-pstream/api"
)

// Block is a fake implementation of api.Block.
type Block struct {
	data  []byte
	refs  int
	owner *Allocator
}

// Bytes returns the block data, or nil once released.
func (b *Block) Bytes() []byte {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	if b.refs <= 0 {
		return nil
	}
	return b.data
}

// Len returns the block length.
func (b *Block) Len() int { return len(b.data) }

// Ref increments the reference count.
func (b *Block) Ref() {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	b.refs++
}

// Unref decrements the reference count and records the release.
func (b *Block) Unref() {
	b.owner.mu.Lock()
	defer b.owner.mu.Unlock()
	b.refs--
	switch {
	case b.refs == 0:
		b.owner.released++
	case b.refs < 0:
		b.owner.overReleased++
	}
}

// Allocator is a fake implementation of api.Allocator.
type Allocator struct {
	mu           sync.Mutex
	allocated    int
	released     int
	overReleased int
	failAfter    int
}

// NewAllocator creates an allocator that never fails.
func NewAllocator() *Allocator {
	return &Allocator{failAfter: -1}
}

// FailAfter makes every allocation after the next n fail with out of memory.
func (a *Allocator) FailAfter(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failAfter = n
}

// Allocate implements api.Allocator.
func (a *Allocator) Allocate(size int) (api.Block, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failAfter == 0 {
		return nil, api.Errorf(api.ErrCodeOutOfMemory, "fake: allocation of %d bytes refused", size)
	}
	if a.failAfter > 0 {
		a.failAfter--
	}
	a.allocated++
	return &Block{data: make([]byte, size), refs: 1, owner: a}, nil
}

// Allocated returns the number of successful allocations.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}

// Released returns how many blocks reached a zero count.
func (a *Allocator) Released() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.released
}

// OverReleased returns how many unrefs went below zero.
func (a *Allocator) OverReleased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.overReleased
}
