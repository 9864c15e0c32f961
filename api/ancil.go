// Author: momentics <momentics@gmail.com>
// SPDX-License-Identifier: Apache-2.0

package api

// MaxAncilFDs bounds the descriptors carried with a single frame.
const MaxAncilFDs = 8

// Creds are the peer credentials carried as SCM_CREDENTIALS.
type Creds struct {
	PID int32
	UID uint32
	GID uint32
}

// Ancil is out-of-band data travelling with one frame over a unix socket.
type Ancil struct {
	FDs   []int
	Creds *Creds

	// CloseFDs asks the sender to close FDs once the frame is handed off.
	CloseFDs bool
}

// Empty reports whether there is nothing to transmit.
func (a *Ancil) Empty() bool {
	return a == nil || (len(a.FDs) == 0 && a.Creds == nil)
}
