//go:build linux

// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package srbchannel

import (
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/pool"
)

// NewPair creates a channel and its imported peer inside one process. The
// peer gets duplicated descriptors, as if the template had been passed over
// a socket.
func NewPair(r api.Reactor, sp *pool.SharedPool, capacity int) (*Channel, *Channel, error) {
	a, err := New(r, sp, capacity)
	if err != nil {
		return nil, nil, err
	}
	t := a.ExportTemplate()
	fds := make([]int, 0, TemplateFDs)
	for _, fd := range t.FDs() {
		d, err := unix.Dup(fd)
		if err != nil {
			for _, fd := range fds {
				unix.Close(fd)
			}
			a.Close()
			return nil, nil, fmt.Errorf("srbchannel: dup template descriptor: %w", err)
		}
		fds = append(fds, d)
	}
	peer := *t
	if err := peer.SetFDs(fds); err != nil {
		a.Close()
		return nil, nil, err
	}
	b, err := NewFromTemplate(r, nil, &peer)
	if err != nil {
		a.Close()
		return nil, nil, err
	}
	return a, b, nil
}
