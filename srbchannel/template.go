// File: srbchannel/template.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package srbchannel

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/momentics/hioload-pstream/api"
)

const (
	templateMagic   = 0x53524254 // "SRBT"
	templateVersion = 1

	// TemplateSize is the encoded size of a template, descriptors excluded.
	TemplateSize = 32

	// TemplateFDs is the number of descriptors that travel with a template.
	TemplateFDs = 3
)

// Template describes a channel from its creator's point of view. The
// descriptors are not part of the encoding; they travel as ancillary data
// in the order returned by FDs.
//
// Wire layout (big endian):
//
//	0  magic    uint32
//	4  version  uint16
//	6  nfds     uint16
//	8  pool id  [16]byte
//	24 slot     uint32
//	28 capacity uint32
type Template struct {
	PoolID   uuid.UUID
	Slot     uint32
	Capacity uint32

	MemFD   int
	ReadFD  int // creator waits on it
	WriteFD int // creator posts on it
}

// FDs returns the descriptors in transmission order.
func (t *Template) FDs() []int {
	return []int{t.MemFD, t.ReadFD, t.WriteFD}
}

// SetFDs assigns received descriptors in transmission order.
func (t *Template) SetFDs(fds []int) error {
	if len(fds) != TemplateFDs {
		return api.Errorf(api.ErrCodeProtocolViolation, "srbchannel: template needs %d descriptors, got %d", TemplateFDs, len(fds))
	}
	t.MemFD, t.ReadFD, t.WriteFD = fds[0], fds[1], fds[2]
	return nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (t *Template) MarshalBinary() ([]byte, error) {
	b := make([]byte, TemplateSize)
	binary.BigEndian.PutUint32(b[0:4], templateMagic)
	binary.BigEndian.PutUint16(b[4:6], templateVersion)
	binary.BigEndian.PutUint16(b[6:8], TemplateFDs)
	copy(b[8:24], t.PoolID[:])
	binary.BigEndian.PutUint32(b[24:28], t.Slot)
	binary.BigEndian.PutUint32(b[28:32], t.Capacity)
	return b, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Descriptors are
// reset to -1.
func (t *Template) UnmarshalBinary(b []byte) error {
	if len(b) != TemplateSize {
		return api.Errorf(api.ErrCodeProtocolViolation, "srbchannel: template is %d bytes, want %d", len(b), TemplateSize)
	}
	if binary.BigEndian.Uint32(b[0:4]) != templateMagic {
		return api.NewError(api.ErrCodeProtocolViolation, "srbchannel: bad template magic")
	}
	if v := binary.BigEndian.Uint16(b[4:6]); v != templateVersion {
		return api.Errorf(api.ErrCodeProtocolViolation, "srbchannel: unsupported template version %d", v)
	}
	if n := binary.BigEndian.Uint16(b[6:8]); n != TemplateFDs {
		return api.Errorf(api.ErrCodeProtocolViolation, "srbchannel: template announces %d descriptors", n)
	}
	id, err := uuid.FromBytes(b[8:24])
	if err != nil {
		return api.Wrap(api.ErrCodeProtocolViolation, err, "srbchannel: bad pool id")
	}
	t.PoolID = id
	t.Slot = binary.BigEndian.Uint32(b[24:28])
	t.Capacity = binary.BigEndian.Uint32(b[28:32])
	t.MemFD, t.ReadFD, t.WriteFD = -1, -1, -1
	return nil
}
