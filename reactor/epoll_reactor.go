//go:build linux
// +build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/internal/logging"
)

const maxEvents = 128

// Reactor is a level-triggered epoll loop.
type Reactor struct {
	epfd    int
	nextID  int32
	watches map[int32]*watch
	defers  []*deferEvent
	events  [maxEvents]unix.EpollEvent
	closed  bool
	log     zerolog.Logger
}

var _ api.Reactor = (*Reactor)(nil)

// watch is one registered descriptor.
type watch struct {
	r      *Reactor
	id     int32
	fd     int
	cb     api.FDCallback
	closed bool
}

// New creates an epoll reactor.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &Reactor{
		epfd:    epfd,
		watches: make(map[int32]*watch),
		log:     logging.Component("reactor"),
	}, nil
}

func toEpoll(events api.FDEventType) uint32 {
	var ev uint32
	if events&api.EventRead != 0 {
		ev |= unix.EPOLLIN
	}
	if events&api.EventWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	return ev
}

func fromEpoll(ev uint32) api.FDEventType {
	var events api.FDEventType
	if ev&unix.EPOLLIN != 0 {
		events |= api.EventRead
	}
	if ev&unix.EPOLLOUT != 0 {
		events |= api.EventWrite
	}
	if ev&unix.EPOLLERR != 0 {
		events |= api.EventError
	}
	if ev&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
		events |= api.EventHangup
	}
	return events
}

// Register adds a file descriptor to the epoll watch list.
func (r *Reactor) Register(fd int, events api.FDEventType, cb api.FDCallback) (api.Watch, error) {
	if r.closed {
		return nil, api.ErrTransportClosed
	}
	r.nextID++
	w := &watch{r: r, id: r.nextID, fd: fd, cb: cb}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(fd), Pad: w.id}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return nil, fmt.Errorf("epoll ctl add: %w", err)
	}
	r.watches[w.id] = w
	return w, nil
}

// Modify replaces the interest set.
func (w *watch) Modify(events api.FDEventType) error {
	if w.closed {
		return api.ErrTransportClosed
	}
	ev := unix.EpollEvent{Events: toEpoll(events), Fd: int32(w.fd), Pad: w.id}
	if err := unix.EpollCtl(w.r.epfd, unix.EPOLL_CTL_MOD, w.fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Close removes the descriptor from the epoll watch list.
func (w *watch) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	delete(w.r.watches, w.id)
	if w.r.closed {
		return nil
	}
	if err := unix.EpollCtl(w.r.epfd, unix.EPOLL_CTL_DEL, w.fd, nil); err != nil && !errors.Is(err, unix.EBADF) {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Poll runs deferred events, then waits up to timeout for descriptor events
// and dispatches them. A negative timeout blocks; pending deferred events
// force a non-blocking wait.
func (r *Reactor) Poll(timeout time.Duration) error {
	if r.closed {
		return api.ErrTransportClosed
	}
	msec := -1
	if timeout >= 0 {
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	if r.runDefers() {
		msec = 0
	}

	n, err := unix.EpollWait(r.epfd, r.events[:], msec)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil
		}
		return fmt.Errorf("epoll wait: %w", err)
	}

	for i := 0; i < n; i++ {
		ev := r.events[i]
		w, ok := r.watches[ev.Pad]
		if !ok || w.closed {
			continue
		}
		w.cb(w.fd, fromEpoll(ev.Events))
		if r.closed {
			return nil
		}
	}
	return nil
}

// Close releases the epoll file descriptor.
func (r *Reactor) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if len(r.watches) > 0 {
		r.log.Debug().Int("watches", len(r.watches)).Msg("closing reactor with live watches")
	}
	r.watches = nil
	return unix.Close(r.epfd)
}
