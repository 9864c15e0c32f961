//go:build linux

// File: iochannel/iochannel.go
// Package iochannel wraps a non-blocking descriptor pair (a socket, or the
// two ends of a pipe) and tracks readiness reported by the reactor.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// The channel only asks the reactor for readability while it believes the
// input is drained, and for writability after a write would have blocked.
// Owners check IsReadable/IsWritable/IsHungup from the callback.

package iochannel

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/internal/logging"
)

// IOChannel is a reactor-driven byte stream endpoint.
type IOChannel struct {
	r        api.Reactor
	ifd, ofd int
	inWatch  api.Watch
	outWatch api.Watch // nil when ifd == ofd

	readable bool
	writable bool
	hungup   bool
	isSocket bool
	noClose  bool
	closed   bool

	oob []byte // recvmsg control buffer

	cb  func(*IOChannel)
	log zerolog.Logger
}

// New wraps ifd for input and ofd for output; either may be -1. Both are
// switched to non-blocking mode and are closed by Close.
func New(r api.Reactor, ifd, ofd int) (*IOChannel, error) {
	c := &IOChannel{
		r:   r,
		ifd: ifd,
		ofd: ofd,
		log: logging.Component("iochannel"),
	}
	for _, fd := range []int{ifd, ofd} {
		if fd < 0 {
			continue
		}
		if err := unix.SetNonblock(fd, true); err != nil {
			return nil, fmt.Errorf("iochannel: set nonblock fd %d: %w", fd, err)
		}
	}
	if ifd >= 0 {
		c.isSocket = isSocket(ifd)
	} else if ofd >= 0 {
		c.isSocket = isSocket(ofd)
	}

	var err error
	if ifd == ofd {
		c.inWatch, err = r.Register(ifd, c.interest(true, true), c.onEvent)
	} else {
		if ifd >= 0 {
			c.inWatch, err = r.Register(ifd, api.EventRead, c.onEvent)
		}
		if err == nil && ofd >= 0 {
			c.outWatch, err = r.Register(ofd, api.EventWrite, c.onEvent)
		}
	}
	if err != nil {
		c.dropWatches()
		return nil, fmt.Errorf("iochannel: register: %w", err)
	}
	return c, nil
}

func isSocket(fd int) bool {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return false
	}
	return st.Mode&unix.S_IFMT == unix.S_IFSOCK
}

// SetCallback installs the readiness callback.
func (c *IOChannel) SetCallback(cb func(*IOChannel)) { c.cb = cb }

// SetNoClose keeps the descriptors open on Close.
func (c *IOChannel) SetNoClose(on bool) { c.noClose = on }

// IsReadable reports that input is pending or the peer hung up.
func (c *IOChannel) IsReadable() bool { return c.readable || c.hungup }

// IsWritable reports that output would not block.
func (c *IOChannel) IsWritable() bool { return c.writable && !c.hungup }

// IsHungup reports an error or hangup condition on either descriptor.
func (c *IOChannel) IsHungup() bool { return c.hungup }

// SupportsAncil reports whether descriptors and credentials can be passed.
func (c *IOChannel) SupportsAncil() bool { return c.isSocket && c.ifd == c.ofd }

// Fds returns the input and output descriptors.
func (c *IOChannel) Fds() (int, int) { return c.ifd, c.ofd }

func (c *IOChannel) interest(in, out bool) api.FDEventType {
	var ev api.FDEventType
	if in {
		ev |= api.EventRead
	}
	if out {
		ev |= api.EventWrite
	}
	return ev
}

// updateInterest re-arms the watches for whatever is not known to be ready.
func (c *IOChannel) updateInterest() {
	if c.closed {
		return
	}
	wantIn := c.ifd >= 0 && !c.readable
	wantOut := c.ofd >= 0 && !c.writable
	var err error
	if c.outWatch == nil {
		err = c.inWatch.Modify(c.interest(wantIn, wantOut))
	} else {
		if c.inWatch != nil {
			err = c.inWatch.Modify(c.interest(wantIn, false))
		}
		if e := c.outWatch.Modify(c.interest(false, wantOut)); err == nil {
			err = e
		}
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to update interest")
	}
}

func (c *IOChannel) onEvent(fd int, ev api.FDEventType) {
	if ev&(api.EventError|api.EventHangup) != 0 {
		c.hungup = true
	}
	if ev&api.EventRead != 0 && fd == c.ifd {
		c.readable = true
	}
	if ev&api.EventWrite != 0 && fd == c.ofd {
		c.writable = true
	}
	c.updateInterest()
	if c.cb != nil {
		c.cb(c)
	}
}

// RequestWritable forgets the writable state so the reactor reports the
// next time the kernel accepts output.
func (c *IOChannel) RequestWritable() {
	if c.writable {
		c.writable = false
		c.updateInterest()
	}
}

// Read reads available bytes. It returns (0, nil) when nothing is pending
// and io.EOF once the peer closed its end.
func (c *IOChannel) Read(p []byte) (int, error) {
	if c.closed {
		return 0, api.ErrTransportClosed
	}
	for {
		n, err := unix.Read(c.ifd, p)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			c.readable = false
			c.updateInterest()
			return 0, nil
		case err != nil:
			return 0, api.Wrap(api.ErrCodeTransport, err, "iochannel: read")
		case n == 0 && len(p) > 0:
			c.hungup = true
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write writes as much of p as the kernel accepts. It returns (0, nil)
// when the output would block.
func (c *IOChannel) Write(p []byte) (int, error) {
	return c.WriteBuffers([][]byte{p}, nil)
}

// WriteBuffers performs one vectored write, attaching ancil to it when
// given. Descriptors in ancil are sent with the first byte written.
func (c *IOChannel) WriteBuffers(bufs [][]byte, ancil *api.Ancil) (int, error) {
	if c.closed {
		return 0, api.ErrTransportClosed
	}
	var oob []byte
	if !ancil.Empty() {
		if !c.SupportsAncil() {
			return 0, api.Errorf(api.ErrCodeNotSupported, "iochannel: ancillary data needs a unix socket")
		}
		var err error
		if oob, err = encodeAncil(ancil); err != nil {
			return 0, err
		}
	}
	for {
		var n int
		var err error
		if c.isSocket {
			n, err = unix.SendmsgBuffers(c.ofd, bufs, oob, nil, unix.MSG_NOSIGNAL)
		} else {
			n, err = unix.Writev(c.ofd, bufs)
		}
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			c.writable = false
			c.updateInterest()
			return 0, nil
		case err != nil:
			c.hungup = errors.Is(err, unix.EPIPE) || errors.Is(err, unix.ECONNRESET)
			return 0, api.Wrap(api.ErrCodeTransport, err, "iochannel: write")
		}
		if n > 0 && ancil != nil && ancil.CloseFDs {
			for _, fd := range ancil.FDs {
				unix.Close(fd)
			}
			ancil.FDs = nil
		}
		return n, nil
	}
}

// EnableCredentials asks the kernel to attach peer credentials to reads.
func (c *IOChannel) EnableCredentials() error {
	if !c.SupportsAncil() {
		return api.Errorf(api.ErrCodeNotSupported, "iochannel: credentials need a unix socket")
	}
	if err := unix.SetsockoptInt(c.ifd, unix.SOL_SOCKET, unix.SO_PASSCRED, 1); err != nil {
		return fmt.Errorf("iochannel: SO_PASSCRED: %w", err)
	}
	return nil
}

func (c *IOChannel) dropWatches() {
	if c.inWatch != nil {
		c.inWatch.Close()
		c.inWatch = nil
	}
	if c.outWatch != nil {
		c.outWatch.Close()
		c.outWatch = nil
	}
}

// Close unregisters the channel and closes its descriptors.
func (c *IOChannel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cb = nil
	c.dropWatches()
	if c.noClose {
		return nil
	}
	var err error
	if c.ifd >= 0 {
		err = unix.Close(c.ifd)
	}
	if c.ofd >= 0 && c.ofd != c.ifd {
		if e := unix.Close(c.ofd); err == nil {
			err = e
		}
	}
	return err
}
