//go:build linux

// Package fdsem implements a cross-process wakeup semaphore: a few atomic
// words in shared memory plus an eventfd. A Post only touches the eventfd
// when the other side has announced that it is about to sleep, so a busy
// consumer is never woken through the kernel.
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package fdsem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
)

// StateSize is the shared memory a semaphore needs (8-byte aligned).
const StateSize = 16

// FDSem is one direction's wakeup channel.
type FDSem struct {
	waiting   *atomic.Int32
	signalled *atomic.Int32
	inPipe    *atomic.Int32
	efd       int
	closed    bool
}

// New creates a semaphore over state and a fresh eventfd, zeroing state.
func New(state []byte) (*FDSem, error) {
	efd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("fdsem: eventfd: %w", err)
	}
	s, err := Open(state, efd)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	s.waiting.Store(0)
	s.signalled.Store(0)
	s.inPipe.Store(0)
	return s, nil
}

// Open binds to existing shared state and takes ownership of efd.
func Open(state []byte, efd int) (*FDSem, error) {
	if len(state) < StateSize {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "fdsem: state too short: %d", len(state))
	}
	if uintptr(unsafe.Pointer(&state[0]))%8 != 0 {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "fdsem: state not 8-byte aligned")
	}
	if err := unix.SetNonblock(efd, true); err != nil {
		return nil, fmt.Errorf("fdsem: set nonblock: %w", err)
	}
	return &FDSem{
		waiting:   (*atomic.Int32)(unsafe.Pointer(&state[0])),
		signalled: (*atomic.Int32)(unsafe.Pointer(&state[4])),
		inPipe:    (*atomic.Int32)(unsafe.Pointer(&state[8])),
		efd:       efd,
	}, nil
}

// Fd returns the eventfd to poll for readability.
func (s *FDSem) Fd() int { return s.efd }

// Post signals the other side, writing the eventfd only if it is waiting.
func (s *FDSem) Post() {
	if !s.signalled.CompareAndSwap(0, 1) {
		return
	}
	if s.waiting.Load() == 0 {
		return
	}
	s.inPipe.Add(1)
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		_, err := unix.Write(s.efd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return
	}
}

// BeforePoll announces the caller is going to sleep on Fd. It returns false
// (and consumes the signal) if a signal is already pending, in which case
// the caller must process work instead of sleeping.
func (s *FDSem) BeforePoll() bool {
	s.flush()
	if s.signalled.CompareAndSwap(1, 0) {
		return false
	}
	s.waiting.Add(1)
	if s.signalled.CompareAndSwap(1, 0) {
		s.waiting.Add(-1)
		return false
	}
	return true
}

// AfterPoll undoes BeforePoll once Fd became readable. It reports whether a
// signal was pending and consumes it.
func (s *FDSem) AfterPoll() bool {
	s.waiting.Add(-1)
	s.flush()
	return s.signalled.CompareAndSwap(1, 0)
}

// Try consumes a pending signal without sleeping.
func (s *FDSem) Try() bool {
	s.flush()
	return s.signalled.CompareAndSwap(1, 0)
}

// flush drains the eventfd counter.
func (s *FDSem) flush() {
	if s.inPipe.Load() <= 0 {
		return
	}
	var buf [8]byte
	for {
		n, err := unix.Read(s.efd, buf[:])
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil || n != 8 {
			return
		}
		s.inPipe.Add(-int32(binary.NativeEndian.Uint64(buf[:])))
		return
	}
}

// Close closes the eventfd.
func (s *FDSem) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	return unix.Close(s.efd)
}
