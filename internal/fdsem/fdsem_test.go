//go:build linux

package fdsem_test

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/internal/fdsem"
)

func sharedState() []byte {
	words := make([]uint64, fdsem.StateSize/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), fdsem.StateSize)
}

func readable(t *testing.T, fd int) bool {
	t.Helper()
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)
	if err != nil {
		t.Fatal(err)
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0
}

func TestPostWithoutWaiterSkipsEventfd(t *testing.T) {
	state := sharedState()
	s, err := fdsem.New(state)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	s.Post()
	if readable(t, s.Fd()) {
		t.Fatal("eventfd written although nobody was waiting")
	}
	if s.BeforePoll() {
		t.Fatal("BeforePoll ignored the pending signal")
	}
	if s.Try() {
		t.Fatal("signal consumed twice")
	}
}

func TestPostWakesWaiter(t *testing.T) {
	state := sharedState()
	waiter, err := fdsem.New(state)
	if err != nil {
		t.Fatal(err)
	}
	defer waiter.Close()

	dup, err := unix.Dup(waiter.Fd())
	if err != nil {
		t.Fatal(err)
	}
	poster, err := fdsem.Open(state, dup)
	if err != nil {
		t.Fatal(err)
	}
	defer poster.Close()

	if !waiter.BeforePoll() {
		t.Fatal("BeforePoll reported a signal on a fresh semaphore")
	}
	poster.Post()
	poster.Post()
	if !readable(t, waiter.Fd()) {
		t.Fatal("waiter was not woken")
	}
	if !waiter.AfterPoll() {
		t.Fatal("AfterPoll lost the signal")
	}
	if readable(t, waiter.Fd()) {
		t.Fatal("eventfd not drained")
	}
}
