//go:build linux

// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package iochannel

import (
	"errors"
	"io"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
)

var oobSpace = unix.CmsgSpace(api.MaxAncilFDs*4) + unix.CmsgSpace(unix.SizeofUcred)

func encodeAncil(a *api.Ancil) ([]byte, error) {
	if len(a.FDs) > api.MaxAncilFDs {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "iochannel: %d descriptors exceed limit %d", len(a.FDs), api.MaxAncilFDs)
	}
	var oob []byte
	if len(a.FDs) > 0 {
		oob = append(oob, unix.UnixRights(a.FDs...)...)
	}
	if a.Creds != nil {
		oob = append(oob, unix.UnixCredentials(&unix.Ucred{
			Pid: a.Creds.PID,
			Uid: a.Creds.UID,
			Gid: a.Creds.GID,
		})...)
	}
	return oob, nil
}

// OwnCreds returns the credentials of the current process.
func OwnCreds() *api.Creds {
	return &api.Creds{
		PID: int32(unix.Getpid()),
		UID: uint32(unix.Getuid()),
		GID: uint32(unix.Getgid()),
	}
}

// ReadWithAncil reads like Read and also returns descriptors and
// credentials that arrived with the data. Received descriptors are owned by
// the caller.
func (c *IOChannel) ReadWithAncil(p []byte) (int, *api.Ancil, error) {
	if !c.SupportsAncil() {
		n, err := c.Read(p)
		return n, nil, err
	}
	if c.closed {
		return 0, nil, api.ErrTransportClosed
	}
	if c.oob == nil {
		c.oob = make([]byte, oobSpace)
	}
	oob := c.oob
	for {
		n, oobn, flags, _, err := unix.Recvmsg(c.ifd, p, oob, unix.MSG_CMSG_CLOEXEC)
		switch {
		case errors.Is(err, unix.EINTR):
			continue
		case errors.Is(err, unix.EAGAIN):
			c.readable = false
			c.updateInterest()
			return 0, nil, nil
		case err != nil:
			return 0, nil, api.Wrap(api.ErrCodeTransport, err, "iochannel: recvmsg")
		}
		ancil, perr := decodeAncil(oob[:oobn])
		if flags&unix.MSG_CTRUNC != 0 {
			closeAncil(ancil)
			return 0, nil, api.Errorf(api.ErrCodeProtocolViolation,
				"iochannel: control data truncated (more than %d descriptors)", api.MaxAncilFDs)
		}
		if n == 0 && len(p) > 0 {
			closeAncil(ancil)
			c.hungup = true
			return 0, nil, io.EOF
		}
		if perr != nil {
			closeAncil(ancil)
			return n, nil, perr
		}
		return n, ancil, nil
	}
}

func decodeAncil(oob []byte) (*api.Ancil, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, api.Wrap(api.ErrCodeProtocolViolation, err, "iochannel: bad control message")
	}
	a := &api.Ancil{}
	for i := range msgs {
		m := &msgs[i]
		if m.Header.Level != unix.SOL_SOCKET {
			continue
		}
		switch m.Header.Type {
		case unix.SCM_RIGHTS:
			fds, err := unix.ParseUnixRights(m)
			if err != nil {
				closeAncil(a)
				return nil, api.Wrap(api.ErrCodeProtocolViolation, err, "iochannel: bad SCM_RIGHTS")
			}
			a.FDs = append(a.FDs, fds...)
		case unix.SCM_CREDENTIALS:
			uc, err := unix.ParseUnixCredentials(m)
			if err != nil {
				closeAncil(a)
				return nil, api.Wrap(api.ErrCodeProtocolViolation, err, "iochannel: bad SCM_CREDENTIALS")
			}
			a.Creds = &api.Creds{PID: uc.Pid, UID: uc.Uid, GID: uc.Gid}
		}
	}
	if a.Empty() {
		return nil, nil
	}
	return a, nil
}

// CloseAncil closes every descriptor held by a.
func CloseAncil(a *api.Ancil) { closeAncil(a) }

func closeAncil(a *api.Ancil) {
	if a == nil {
		return
	}
	for _, fd := range a.FDs {
		unix.Close(fd)
	}
	a.FDs = nil
}
