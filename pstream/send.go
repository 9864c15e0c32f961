//go:build linux

// File: pstream/send.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Outbound queue, frame builders and the write pass.

package pstream

import (
	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/packet"
	"github.com/momentics/hioload-pstream/srbchannel"
)

// item is one queued frame.
type item struct {
	hdr     [HeaderSize]byte
	payload []byte

	pkt   *packet.Packet
	blk   api.Block
	ancil *api.Ancil

	onComplete func()
	written    int
}

func (it *item) size() int { return HeaderSize + len(it.payload) }

func (it *item) release() {
	if it.pkt != nil {
		it.pkt.Unref()
		it.pkt = nil
	}
	if it.blk != nil {
		it.blk.Unref()
		it.blk = nil
	}
	it.payload = nil
}

// drop releases an unsent item, closing descriptors the caller handed over.
func (it *item) drop() {
	if it.ancil != nil && it.ancil.CloseFDs {
		closeFDs(it.ancil.FDs)
		it.ancil.FDs = nil
	}
	it.ancil = nil
	it.release()
}

func (p *Pstream) enqueue(it *item) {
	p.queue.Add(it)
	p.queued += it.size()
	p.deferEv.Enable(true)
}

func (p *Pstream) checkAncil(ancil *api.Ancil) error {
	if ancil.Empty() {
		return nil
	}
	if p.srb != nil || p.pendingSRB != nil {
		return api.NewError(api.ErrCodeNotSupported, "pstream: ancillary data over shared memory")
	}
	if !p.io.SupportsAncil() {
		return api.NewError(api.ErrCodeNotSupported, "pstream: transport carries no ancillary data")
	}
	if len(ancil.FDs) > api.MaxAncilFDs {
		return api.Errorf(api.ErrCodeInvalidArgument, "pstream: %d descriptors exceed limit %d", len(ancil.FDs), api.MaxAncilFDs)
	}
	return nil
}

// SendPacket queues pkt on the packet channel. The stream takes its own
// reference. onComplete runs once the whole frame has been handed to the
// transport. ancil travels with the frame header; when ancil.CloseFDs is
// set the stream closes the descriptors after sending or on drop.
func (p *Pstream) SendPacket(pkt *packet.Packet, ancil *api.Ancil, onComplete func()) error {
	if p.state == api.StreamDead {
		return api.ErrAlreadyDead
	}
	if pkt == nil {
		return api.NewError(api.ErrCodeInvalidArgument, "pstream: nil packet")
	}
	if pkt.Len() > p.opts.MaxFrameSize {
		return api.Errorf(api.ErrCodeInvalidArgument, "pstream: packet of %d bytes exceeds frame limit %d", pkt.Len(), p.opts.MaxFrameSize)
	}
	if err := p.checkAncil(ancil); err != nil {
		return err
	}

	h := header{length: uint32(pkt.Len()), channel: ChannelPacket}
	it := &item{pkt: pkt.Ref(), payload: pkt.Data(), onComplete: onComplete}
	if !ancil.Empty() {
		h.flags = FlagAncil
		h.offsetLo = uint32(len(ancil.FDs))
		if ancil.Creds != nil {
			h.offsetHi = ancilCreds
		}
		it.ancil = ancil
	}
	h.encode(it.hdr[:])
	p.enqueue(it)
	return nil
}

// SendMemblock queues chunk for channel, split into frames no larger than
// the frame limit. The first frame carries offset and seek; the rest follow
// relatively. The stream holds a reference to chunk until sent.
func (p *Pstream) SendMemblock(channel uint32, offset int64, seek api.SeekMode, chunk api.Block) error {
	if p.state == api.StreamDead {
		return api.ErrAlreadyDead
	}
	switch {
	case chunk == nil:
		return api.NewError(api.ErrCodeInvalidArgument, "pstream: nil memblock")
	case channel >= p.opts.MaxChannels:
		return api.Errorf(api.ErrCodeInvalidArgument, "pstream: channel %d out of range", channel)
	case !seek.Valid():
		return api.Errorf(api.ErrCodeInvalidArgument, "pstream: bad seek mode %d", seek)
	}

	data := chunk.Bytes()
	for first := true; first || len(data) > 0; first = false {
		n := len(data)
		if n > p.opts.MaxFrameSize {
			n = p.opts.MaxFrameSize
		}
		h := header{length: uint32(n), channel: channel, flags: uint32(seek)}
		if first {
			h.setOffset(offset)
		} else {
			h.flags = uint32(api.SeekRelative)
		}
		chunk.Ref()
		it := &item{blk: chunk, payload: data[:n:n]}
		h.encode(it.hdr[:])
		p.enqueue(it)
		data = data[n:]
	}
	return nil
}

func (p *Pstream) sendControl(kind uint32, blockID uint32) error {
	if p.state == api.StreamDead {
		return api.ErrAlreadyDead
	}
	h := header{channel: ChannelControl, offsetLo: blockID, flags: FlagControl | kind}
	it := &item{}
	h.encode(it.hdr[:])
	p.enqueue(it)
	return nil
}

// SendRelease tells the peer it may reuse a shared block.
func (p *Pstream) SendRelease(blockID uint32) error { return p.sendControl(FlagShmRelease, blockID) }

// SendRevoke tells the peer a shared block is no longer valid.
func (p *Pstream) SendRevoke(blockID uint32) error { return p.sendControl(FlagShmRevoke, blockID) }

// OfferSRB sends ch's template to the peer over the byte stream. When the
// peer answers with AcceptSRB the stream switches to ch. The stream owns ch
// from here on.
func (p *Pstream) OfferSRB(ch *srbchannel.Channel) error {
	if p.state == api.StreamDead {
		return api.ErrAlreadyDead
	}
	if ch == nil || !ch.IsCreator() {
		return api.NewError(api.ErrCodeInvalidArgument, "pstream: only a created srb channel can be offered")
	}
	if p.srb != nil || p.pendingSRB != nil || p.offeredSRB != nil {
		return api.NewError(api.ErrCodeInvalidArgument, "pstream: already upgraded")
	}
	if !p.io.SupportsAncil() {
		return api.NewError(api.ErrCodeNotSupported, "pstream: transport cannot pass srb descriptors")
	}
	t := ch.ExportTemplate()
	wire, err := t.MarshalBinary()
	if err != nil {
		return err
	}
	h := header{
		length:   uint32(len(wire)),
		channel:  ChannelControl,
		offsetLo: srbchannel.TemplateFDs,
		flags:    FlagControl | FlagSRBTemplate | FlagAncil,
	}
	it := &item{payload: wire, ancil: &api.Ancil{FDs: t.FDs()}}
	h.encode(it.hdr[:])
	p.offeredSRB = ch
	p.enqueue(it)
	return nil
}

// AcceptSRB answers a template with the channel built from it and switches
// to ch once the answer is on the wire.
func (p *Pstream) AcceptSRB(ch *srbchannel.Channel) error {
	if err := p.checkUpgrade(ch); err != nil {
		return err
	}
	h := header{channel: ChannelControl, flags: FlagControl | FlagSRBTemplate}
	it := &item{}
	h.encode(it.hdr[:])
	p.enqueue(it)
	return p.SetSRBChannel(ch)
}

// doWrite pushes queued frames until the transport stops accepting bytes
// or the flow control bound is hit.
func (p *Pstream) doWrite() error {
	for p.state != api.StreamDead {
		if p.queue.Length() == 0 {
			p.maybeSwitch()
			return nil
		}
		it := p.queue.Peek().(*item)

		var n int
		if p.srb != nil {
			n = p.writeSRB(it)
		} else {
			if p.waitDrain {
				return nil
			}
			var err error
			if n, err = p.writeIO(it); err != nil {
				return err
			}
			p.inFlight += n
		}
		if n == 0 {
			return nil
		}
		p.markActive()
		it.written += n
		p.stats.bytesOut += uint64(n)

		if it.written == it.size() {
			p.queue.Remove()
			p.queued -= it.size()
			p.stats.framesOut++
			cb := it.onComplete
			it.release()
			if cb != nil {
				cb()
			}
			if p.queue.Length() == 0 && p.state != api.StreamDead {
				p.maybeSwitch()
				if p.onDrain != nil {
					p.onDrain()
				}
			}
		}
		if p.srb == nil && p.inFlight >= p.opts.HighWater {
			p.waitDrain = true
			p.io.RequestWritable()
			return nil
		}
	}
	return nil
}

func (p *Pstream) writeIO(it *item) (int, error) {
	w := it.written
	bufs := p.iov[:0]
	if w < HeaderSize {
		bufs = append(bufs, it.hdr[w:])
		if len(it.payload) > 0 {
			bufs = append(bufs, it.payload)
		}
	} else {
		bufs = append(bufs, it.payload[w-HeaderSize:])
	}
	var ancil *api.Ancil
	if w == 0 {
		ancil = it.ancil
	}
	n, err := p.io.WriteBuffers(bufs, ancil)
	p.iov = [2][]byte{}
	if n > 0 {
		it.ancil = nil
	}
	return n, err
}

func (p *Pstream) writeSRB(it *item) int {
	w := it.written
	n := 0
	if w < HeaderSize {
		n = p.srb.Write(it.hdr[w:])
		if w+n < HeaderSize {
			return n
		}
	}
	if off := w + n - HeaderSize; off < len(it.payload) {
		n += p.srb.Write(it.payload[off:])
	}
	return n
}
