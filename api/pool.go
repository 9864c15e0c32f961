// File: api/pool.go
// Author: momentics <momentics@gmail.com>
//
// Defines abstract pooling APIs: reference-counted memory blocks and the
// allocators that hand them out.

package api

// Block is a reference-counted byte region obtained from an Allocator.
type Block interface {
	// Bytes returns the region. Its length never changes.
	Bytes() []byte

	// Len returns the region length.
	Len() int

	// Ref increments the reference count.
	Ref()

	// Unref drops a reference; the last one returns the region to its pool.
	Unref()
}

// Allocator supplies backing storage for packets and memblocks.
type Allocator interface {
	// Allocate returns a block of exactly size bytes with one reference,
	// or an error matching ErrOutOfMemory.
	Allocate(size int) (Block, error)
}

// AllocatorFunc adapts a function to the Allocator interface.
type AllocatorFunc func(size int) (Block, error)

// Allocate calls f.
func (f AllocatorFunc) Allocate(size int) (Block, error) { return f(size) }

// PoolStats aggregates block allocation/reuse stats.
type PoolStats struct {
	TotalAlloc int64
	TotalFree  int64
	InUse      int64
	InUseBytes int64
	Unpooled   int64
}
