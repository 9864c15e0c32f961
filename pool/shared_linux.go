// File: pool/shared_linux.go
//go:build linux

//
// Package pool: memfd-backed shared pool.
//
// The region is one MAP_SHARED mapping of an anonymous memfd: a header page
// carrying magic, geometry and the pool UUID, followed by fixed-size slots.
// The creator owns the free list; a peer that attaches by descriptor can only
// import slot views.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/core/concurrency"
)

const (
	sharedMagic      = 0x50535250 // "PSRP"
	sharedVersion    = 1
	sharedHeaderSize = 4096
)

// SharedPool hands out whole slots of a shared mapping.
type SharedPool struct {
	id       uuid.UUID
	fd       int
	mem      []byte
	slotSize int
	slots    int
	owner    bool

	free   *concurrency.LockFreeQueue[uint32]
	inUse  atomic.Int64
	closed atomic.Bool
}

var _ api.Allocator = (*SharedPool)(nil)

// NewSharedPool creates a fresh region of slots*slotSize bytes. slotSize is
// rounded up to the page size.
func NewSharedPool(slotSize, slots int) (*SharedPool, error) {
	if slotSize <= 0 || slots <= 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "pool: bad shared geometry %dx%d", slots, slotSize)
	}
	page := unix.Getpagesize()
	slotSize = (slotSize + page - 1) / page * page
	size := sharedHeaderSize + slotSize*slots

	fd, err := unix.MemfdCreate("pstream-shm", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeOutOfMemory, err, "pool: memfd_create")
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)
		return nil, api.Wrap(api.ErrCodeOutOfMemory, err, "pool: ftruncate")
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, api.Wrap(api.ErrCodeOutOfMemory, err, "pool: mmap")
	}

	sp := &SharedPool{
		id:       uuid.New(),
		fd:       fd,
		mem:      mem,
		slotSize: slotSize,
		slots:    slots,
		owner:    true,
		free:     concurrency.NewLockFreeQueue[uint32](slots),
	}
	binary.LittleEndian.PutUint32(mem[0:4], sharedMagic)
	binary.LittleEndian.PutUint32(mem[4:8], sharedVersion)
	binary.LittleEndian.PutUint32(mem[8:12], uint32(slotSize))
	binary.LittleEndian.PutUint32(mem[12:16], uint32(slots))
	copy(mem[16:32], sp.id[:])
	for i := 0; i < slots; i++ {
		sp.free.Enqueue(uint32(i))
	}
	return sp, nil
}

// AttachSharedPool maps a region created by a peer. The pool takes
// ownership of fd.
func AttachSharedPool(fd int) (*SharedPool, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, api.Wrap(api.ErrCodeTransport, err, "pool: fstat shared region")
	}
	size := int(st.Size)
	if size < sharedHeaderSize {
		return nil, api.Errorf(api.ErrCodeProtocolViolation, "pool: shared region too small: %d", size)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeOutOfMemory, err, "pool: mmap shared region")
	}
	fail := func(format string, args ...any) (*SharedPool, error) {
		unix.Munmap(mem)
		return nil, api.Errorf(api.ErrCodeProtocolViolation, format, args...)
	}
	if binary.LittleEndian.Uint32(mem[0:4]) != sharedMagic {
		return fail("pool: bad shared region magic")
	}
	if v := binary.LittleEndian.Uint32(mem[4:8]); v != sharedVersion {
		return fail("pool: unsupported shared region version %d", v)
	}
	slotSize := int(binary.LittleEndian.Uint32(mem[8:12]))
	slots := int(binary.LittleEndian.Uint32(mem[12:16]))
	if slotSize <= 0 || slots <= 0 || sharedHeaderSize+slotSize*slots != size {
		return fail("pool: shared geometry %dx%d does not match region size %d", slots, slotSize, size)
	}
	id, err := uuid.FromBytes(mem[16:32])
	if err != nil {
		return fail("pool: bad shared pool id: %v", err)
	}
	return &SharedPool{
		id:       id,
		fd:       fd,
		mem:      mem,
		slotSize: slotSize,
		slots:    slots,
	}, nil
}

// ID returns the pool identity written into the region header.
func (sp *SharedPool) ID() uuid.UUID { return sp.id }

// Fd returns the memfd backing the region.
func (sp *SharedPool) Fd() int { return sp.fd }

// SlotSize returns the slot size in bytes.
func (sp *SharedPool) SlotSize() int { return sp.slotSize }

// Slots returns the number of slots.
func (sp *SharedPool) Slots() int { return sp.slots }

// InUse returns the number of allocated slots.
func (sp *SharedPool) InUse() int64 { return sp.inUse.Load() }

// Allocate implements api.Allocator.
func (sp *SharedPool) Allocate(size int) (api.Block, error) {
	b, err := sp.Get(size)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Get returns one slot trimmed to size bytes.
func (sp *SharedPool) Get(size int) (*Block, error) {
	if !sp.owner {
		return nil, api.Errorf(api.ErrCodeNotSupported, "pool: attached shared pool cannot allocate")
	}
	if sp.closed.Load() {
		return nil, api.ErrTransportClosed
	}
	if size < 0 || size > sp.slotSize {
		return nil, api.Errorf(api.ErrCodeOutOfMemory, "pool: %d bytes exceed slot size %d", size, sp.slotSize)
	}
	slot, ok := sp.free.Dequeue()
	if !ok {
		return nil, api.Errorf(api.ErrCodeOutOfMemory, "pool: all %d shared slots in use", sp.slots)
	}
	sp.inUse.Add(1)
	off := sp.slotOffset(slot)
	b := &Block{
		data:   sp.mem[off : off+size : off+size],
		class:  -1,
		slot:   slot,
		shared: true,
		release: func(b *Block) {
			sp.inUse.Add(-1)
			sp.free.Enqueue(b.slot)
		},
	}
	b.refs.Store(1)
	return b, nil
}

// Import returns a view of length bytes at offset inside slot. The view is
// not recycled on release; the creator owns the slot.
func (sp *SharedPool) Import(slot uint32, offset, length int) (*Block, error) {
	if int(slot) >= sp.slots || offset < 0 || length < 0 || offset+length > sp.slotSize {
		return nil, api.Errorf(api.ErrCodeProtocolViolation,
			"pool: import out of range (slot %d, offset %d, length %d)", slot, offset, length)
	}
	off := sp.slotOffset(slot) + offset
	b := &Block{
		data:   sp.mem[off : off+length : off+length],
		class:  -1,
		slot:   slot,
		offset: offset,
		shared: true,
	}
	b.refs.Store(1)
	return b, nil
}

// Export describes b so that a peer attached to the same region can import
// it. Only blocks handed out by this pool can be exported.
func (sp *SharedPool) Export(b *Block) (id uuid.UUID, slot uint32, offset, length int, err error) {
	if b == nil || !b.shared || int(b.slot) >= sp.slots {
		return uuid.Nil, 0, 0, 0, api.Errorf(api.ErrCodeInvalidArgument, "pool: block is not from this shared pool")
	}
	base := sp.slotOffset(b.slot)
	if len(b.data) > 0 && &sp.mem[base+b.offset] != &b.data[0] {
		return uuid.Nil, 0, 0, 0, api.Errorf(api.ErrCodeInvalidArgument, "pool: block is not from this shared pool")
	}
	return sp.id, b.slot, b.offset, len(b.data), nil
}

func (sp *SharedPool) slotOffset(slot uint32) int {
	return sharedHeaderSize + int(slot)*sp.slotSize
}

// Close unmaps the region and closes the memfd. Blocks still referencing
// the region must not be touched afterwards.
func (sp *SharedPool) Close() error {
	if !sp.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := unix.Munmap(sp.mem)
	if cerr := unix.Close(sp.fd); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("pool: close shared region: %w", err)
	}
	return nil
}
