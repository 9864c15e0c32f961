//go:build linux

// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package iochannel

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
)

// NewSocketPair returns two connected channels over an AF_UNIX stream pair.
func NewSocketPair(r api.Reactor) (*IOChannel, *IOChannel, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("iochannel: socketpair: %w", err)
	}
	a, err := New(r, fds[0], fds[0])
	if err != nil {
		unix.Close(fds[0])
		unix.Close(fds[1])
		return nil, nil, err
	}
	b, err := New(r, fds[1], fds[1])
	if err != nil {
		a.Close()
		unix.Close(fds[1])
		return nil, nil, err
	}
	return a, b, nil
}

// NewPipePair returns two channels joined by a pair of pipes, one per
// direction. Pipes carry no ancillary data.
func NewPipePair(r api.Reactor) (*IOChannel, *IOChannel, error) {
	var ab, ba [2]int
	if err := unix.Pipe2(ab[:], unix.O_CLOEXEC); err != nil {
		return nil, nil, fmt.Errorf("iochannel: pipe2: %w", err)
	}
	if err := unix.Pipe2(ba[:], unix.O_CLOEXEC); err != nil {
		unix.Close(ab[0])
		unix.Close(ab[1])
		return nil, nil, fmt.Errorf("iochannel: pipe2: %w", err)
	}
	a, err := New(r, ba[0], ab[1])
	if err != nil {
		for _, fd := range []int{ab[0], ab[1], ba[0], ba[1]} {
			unix.Close(fd)
		}
		return nil, nil, err
	}
	b, err := New(r, ab[0], ba[1])
	if err != nil {
		a.Close()
		unix.Close(ab[0])
		unix.Close(ba[1])
		return nil, nil, err
	}
	return a, b, nil
}
