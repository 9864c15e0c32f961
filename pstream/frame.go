// File: pstream/frame.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame header codec and validation.

package pstream

import (
	"encoding/binary"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/srbchannel"
)

// HeaderSize is the encoded frame header length.
const HeaderSize = 20

// Reserved channel numbers. Memblock channels are below MaxChannels.
const (
	ChannelPacket  uint32 = 0xFFFFFFFF
	ChannelControl uint32 = 0xFFFFFFFE
)

// Header flag bits. The low byte holds the seek mode of memblock frames.
const (
	FlagSeekMask    uint32 = 0x000000FF
	FlagAncil       uint32 = 1 << 24
	FlagControl     uint32 = 1 << 25
	FlagShmRelease  uint32 = 1 << 26
	FlagShmRevoke   uint32 = 1 << 27
	FlagSRBTemplate uint32 = 1 << 28

	controlKinds = FlagShmRelease | FlagShmRevoke | FlagSRBTemplate
)

// ancilCreds marks, in offset_hi of a packet frame, that credentials
// travel with it. offset_lo holds the descriptor count.
const ancilCreds = 1

// header is one decoded frame header.
//
// Wire layout (big endian uint32 each): length, channel, offset_hi,
// offset_lo, flags.
type header struct {
	length   uint32
	channel  uint32
	offsetHi uint32
	offsetLo uint32
	flags    uint32
}

func (h *header) encode(b []byte) {
	_ = b[HeaderSize-1]
	binary.BigEndian.PutUint32(b[0:4], h.length)
	binary.BigEndian.PutUint32(b[4:8], h.channel)
	binary.BigEndian.PutUint32(b[8:12], h.offsetHi)
	binary.BigEndian.PutUint32(b[12:16], h.offsetLo)
	binary.BigEndian.PutUint32(b[16:20], h.flags)
}

func decodeHeader(b []byte) header {
	_ = b[HeaderSize-1]
	return header{
		length:   binary.BigEndian.Uint32(b[0:4]),
		channel:  binary.BigEndian.Uint32(b[4:8]),
		offsetHi: binary.BigEndian.Uint32(b[8:12]),
		offsetLo: binary.BigEndian.Uint32(b[12:16]),
		flags:    binary.BigEndian.Uint32(b[16:20]),
	}
}

func (h *header) offset() int64 {
	return int64(uint64(h.offsetHi)<<32 | uint64(h.offsetLo))
}

func (h *header) setOffset(off int64) {
	h.offsetHi = uint32(uint64(off) >> 32)
	h.offsetLo = uint32(uint64(off))
}

// frameKind classifies a validated header.
type frameKind int

const (
	kindPacket frameKind = iota
	kindMemblock
	kindRelease
	kindRevoke
	kindTemplate
	kindTemplateAck
)

func violation(h *header, format string, args ...any) error {
	return api.Errorf(api.ErrCodeProtocolViolation, "pstream: "+format, args...).
		WithContext("channel", h.channel).
		WithContext("length", h.length).
		WithContext("flags", h.flags)
}

// validate checks a header before any payload is allocated or read.
func (h *header) validate(maxFrame int, maxChannels uint32) (frameKind, error) {
	if uint64(h.length) > uint64(maxFrame) {
		return 0, violation(h, "frame length %d exceeds limit %d", h.length, maxFrame)
	}
	switch {
	case h.channel == ChannelPacket:
		switch h.flags {
		case 0:
			if h.offsetHi != 0 || h.offsetLo != 0 {
				return 0, violation(h, "packet frame with offset")
			}
		case FlagAncil:
			if h.offsetHi&^ancilCreds != 0 || h.offsetLo > api.MaxAncilFDs {
				return 0, violation(h, "bad ancillary descriptor %#x/%d", h.offsetHi, h.offsetLo)
			}
			if h.offsetHi == 0 && h.offsetLo == 0 {
				return 0, violation(h, "ancillary flag without ancillary data")
			}
		default:
			return 0, violation(h, "unknown packet flags %#x", h.flags)
		}
		return kindPacket, nil

	case h.channel == ChannelControl:
		if h.flags&FlagControl == 0 || h.flags&FlagSeekMask != 0 {
			return 0, violation(h, "control channel without control flag")
		}
		switch h.flags &^ (FlagControl | FlagAncil) {
		case FlagShmRelease, FlagShmRevoke:
			if h.length != 0 || h.flags&FlagAncil != 0 || h.offsetHi != 0 {
				return 0, violation(h, "malformed shm control frame")
			}
			if h.flags&FlagShmRelease != 0 {
				return kindRelease, nil
			}
			return kindRevoke, nil
		case FlagSRBTemplate:
			if h.flags&FlagAncil == 0 {
				if h.length != 0 || h.offsetHi != 0 || h.offsetLo != 0 {
					return 0, violation(h, "malformed template ack")
				}
				return kindTemplateAck, nil
			}
			if h.length != srbchannel.TemplateSize || h.offsetHi != 0 || h.offsetLo != srbchannel.TemplateFDs {
				return 0, violation(h, "malformed template frame")
			}
			return kindTemplate, nil
		default:
			return 0, violation(h, "unknown control flags %#x", h.flags)
		}

	case h.channel < maxChannels:
		if h.flags&^FlagSeekMask != 0 {
			return 0, violation(h, "unknown memblock flags %#x", h.flags)
		}
		if !api.SeekMode(h.flags & FlagSeekMask).Valid() {
			return 0, violation(h, "bad seek mode %d", h.flags&FlagSeekMask)
		}
		return kindMemblock, nil

	default:
		return 0, violation(h, "channel %d out of range (max %d)", h.channel, maxChannels)
	}
}
