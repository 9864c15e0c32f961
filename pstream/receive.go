//go:build linux

// File: pstream/receive.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Frame reassembly. Each transport has its own reader so a frame never
// straddles the upgrade.

package pstream

import (
	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/iochannel"
	"github.com/momentics/hioload-pstream/packet"
	"github.com/momentics/hioload-pstream/srbchannel"
)

type reader struct {
	buf        []byte
	start, end int
	srb        bool

	hdr  [HeaderSize]byte
	hdrN int
	h    header
	kind frameKind

	inPayload bool
	dst       []byte
	got       int
	pkt       *packet.Packet
	blk       api.Block
	ancil     *api.Ancil
	tmpl      [srbchannel.TemplateSize]byte
}

func (rd *reader) reset() {
	rd.hdrN = 0
	rd.inPayload = false
	rd.dst, rd.got = nil, 0
	rd.pkt, rd.blk, rd.ancil = nil, nil, nil
}

// abort releases a partially received frame.
func (rd *reader) abort() {
	if rd.pkt != nil {
		rd.pkt.Unref()
	}
	if rd.blk != nil {
		rd.blk.Unref()
	}
	iochannel.CloseAncil(rd.ancil)
	rd.reset()
	rd.start, rd.end = 0, 0
}

// readFrom drains src, delivering every frame it completes. Large payload
// remainders bypass the buffer.
func (p *Pstream) readFrom(rd *reader, src func([]byte) (int, error)) error {
	for p.state != api.StreamDead {
		if rd.start < rd.end {
			if err := p.consume(rd); err != nil {
				return err
			}
			continue
		}
		target := rd.buf
		direct := rd.inPayload && len(rd.dst)-rd.got >= len(rd.buf)
		if direct {
			target = rd.dst[rd.got:]
		}
		n, err := src(target)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		p.markActive()
		p.stats.bytesIn += uint64(n)
		if !direct {
			rd.start, rd.end = 0, n
			continue
		}
		rd.got += n
		if rd.got == len(rd.dst) {
			if err := p.complete(rd); err != nil {
				return err
			}
		}
	}
	return nil
}

func (p *Pstream) consume(rd *reader) error {
	avail := rd.buf[rd.start:rd.end]
	if !rd.inPayload {
		n := copy(rd.hdr[rd.hdrN:], avail)
		rd.hdrN += n
		rd.start += n
		if rd.hdrN < HeaderSize {
			return nil
		}
		return p.beginFrame(rd)
	}
	n := copy(rd.dst[rd.got:], avail)
	rd.got += n
	rd.start += n
	if rd.got == len(rd.dst) {
		return p.complete(rd)
	}
	return nil
}

// beginFrame validates a complete header and prepares the payload target.
// Nothing is allocated for a header that fails validation.
func (p *Pstream) beginFrame(rd *reader) error {
	rd.h = decodeHeader(rd.hdr[:])
	h := &rd.h
	kind, err := h.validate(p.opts.MaxFrameSize, p.opts.MaxChannels)
	if err != nil {
		return err
	}
	rd.kind = kind
	if h.flags&FlagAncil != 0 {
		if rd.srb {
			return violation(h, "ancillary data over shared memory")
		}
		if rd.ancil, err = p.takeAncil(h); err != nil {
			return err
		}
	}

	switch kind {
	case kindPacket:
		pkt, err := packet.New(p.alloc, int(h.length))
		if err != nil {
			return err
		}
		rd.pkt, rd.dst = pkt, pkt.Data()
	case kindMemblock:
		blk, err := p.alloc.Allocate(int(h.length))
		if err != nil {
			return err
		}
		rd.blk, rd.dst = blk, blk.Bytes()[:h.length]
	case kindTemplate:
		rd.dst = rd.tmpl[:]
	default:
		rd.dst = nil
	}
	rd.inPayload = true
	if len(rd.dst) == 0 {
		return p.complete(rd)
	}
	return nil
}

// takeAncil pairs a frame with the oldest unclaimed descriptor set and the
// latest credentials.
func (p *Pstream) takeAncil(h *header) (*api.Ancil, error) {
	a := &api.Ancil{}
	if want := int(h.offsetLo); want > 0 {
		if len(p.pendingFDs) == 0 {
			return nil, violation(h, "%d descriptors announced, none received", want)
		}
		fds := p.pendingFDs[0]
		p.pendingFDs[0] = nil
		p.pendingFDs = p.pendingFDs[1:]
		if len(fds) != want {
			closeFDs(fds)
			return nil, violation(h, "%d descriptors announced, %d received", want, len(fds))
		}
		a.FDs = fds
	}
	if h.offsetHi&ancilCreds != 0 {
		if p.lastCreds == nil {
			closeFDs(a.FDs)
			return nil, violation(h, "credentials announced, none received")
		}
		a.Creds = p.lastCreds
	}
	return a, nil
}

// complete dispatches the frame in rd and readies rd for the next one.
func (p *Pstream) complete(rd *reader) error {
	h, kind := rd.h, rd.kind
	pkt, blk, ancil, payload := rd.pkt, rd.blk, rd.ancil, rd.dst
	rd.reset()
	p.stats.framesIn++

	switch kind {
	case kindPacket:
		if cb := p.onPacket; cb != nil {
			cb(pkt, ancil)
		} else {
			iochannel.CloseAncil(ancil)
		}
		pkt.Unref()

	case kindMemblock:
		if cb := p.onMemblock; cb != nil {
			cb(h.channel, h.offset(), api.SeekMode(h.flags&FlagSeekMask), blk)
		}
		blk.Unref()

	case kindRelease:
		if cb := p.onRelease; cb != nil {
			cb(h.offsetLo)
		}

	case kindRevoke:
		if cb := p.onRevoke; cb != nil {
			cb(h.offsetLo)
		}

	case kindTemplate:
		var t srbchannel.Template
		if err := t.UnmarshalBinary(payload); err != nil {
			iochannel.CloseAncil(ancil)
			return err
		}
		if err := t.SetFDs(ancil.FDs); err != nil {
			iochannel.CloseAncil(ancil)
			return err
		}
		if cb := p.onTemplate; cb != nil {
			cb(&t)
		} else {
			p.log.Debug().Msg("srb template ignored, no handler")
			iochannel.CloseAncil(ancil)
		}

	case kindTemplateAck:
		ch := p.offeredSRB
		if ch == nil {
			return violation(&h, "srb acknowledgement without an offer")
		}
		return p.SetSRBChannel(ch)
	}
	return nil
}
