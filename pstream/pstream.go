//go:build linux

// File: pstream/pstream.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stream lifecycle, callbacks, event dispatch and the transport upgrade.

package pstream

import (
	"errors"
	"io"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/iochannel"
	"github.com/momentics/hioload-pstream/internal/logging"
	"github.com/momentics/hioload-pstream/packet"
	"github.com/momentics/hioload-pstream/pool"
	"github.com/momentics/hioload-pstream/srbchannel"
)

// PacketCallback receives one reassembled packet. The stream drops its
// reference after the call; keep one with Ref. Descriptors in ancil belong
// to the callback.
type PacketCallback func(p *packet.Packet, ancil *api.Ancil)

// MemblockCallback receives one memblock frame. The stream drops its
// reference to chunk after the call.
type MemblockCallback func(channel uint32, offset int64, seek api.SeekMode, chunk api.Block)

// Pstream is a reference-counted packet stream bound to one reactor.
type Pstream struct {
	r     api.Reactor
	io    *iochannel.IOChannel
	alloc api.Allocator
	opts  Options
	log   zerolog.Logger

	srb        *srbchannel.Channel
	pendingSRB *srbchannel.Channel
	offeredSRB *srbchannel.Channel
	// drainIO keeps reading the byte stream ahead of the ring until the
	// peer is known to have stopped writing it.
	drainIO bool

	refs     int
	state    api.StreamState
	deadErr  error
	tornDown bool
	deferEv  api.Deferred

	// send side
	queue     *queue.Queue
	queued    int
	inFlight  int
	waitDrain bool
	iov       [2][]byte

	// receive side
	rio, rsrb    reader
	ancilCapable bool
	pendingFDs   [][]int
	lastCreds    *api.Creds

	onPacket   PacketCallback
	onMemblock MemblockCallback
	onRelease  func(blockID uint32)
	onRevoke   func(blockID uint32)
	onTemplate func(*srbchannel.Template)
	onDie      func(error)
	onDrain    func()

	stats counters
}

// New binds a stream to ch. The stream owns ch and closes it with itself.
// Packets and memblocks received are allocated from alloc, or from the
// process-wide pool when alloc is nil.
func New(r api.Reactor, ch *iochannel.IOChannel, alloc api.Allocator, opts ...Option) (*Pstream, error) {
	o := DefaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if alloc == nil {
		alloc = pool.Default()
	}
	switch {
	case r == nil || ch == nil:
		return nil, api.NewError(api.ErrCodeInvalidArgument, "pstream: reactor and channel are required")
	case o.MaxFrameSize <= 0:
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "pstream: max frame size %d", o.MaxFrameSize)
	case o.MaxChannels == 0 || o.MaxChannels >= ChannelControl:
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "pstream: max channels %d", o.MaxChannels)
	case o.HighWater <= 0:
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "pstream: high water %d", o.HighWater)
	case o.ReadBuffer < HeaderSize:
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "pstream: read buffer %d", o.ReadBuffer)
	}

	p := &Pstream{
		r:     r,
		io:    ch,
		alloc: alloc,
		opts:  o,
		refs:  1,
		state: api.StreamConnecting,
		queue: queue.New(),
		rio:   reader{buf: make([]byte, o.ReadBuffer)},
		rsrb:  reader{buf: make([]byte, o.ReadBuffer), srb: true},
	}
	if o.Logger != nil {
		p.log = o.Logger.With().Str("component", "pstream").Logger()
	} else {
		p.log = logging.Component("pstream")
	}
	if ch.SupportsAncil() {
		if err := ch.EnableCredentials(); err != nil {
			p.log.Warn().Err(err).Msg("peer credentials unavailable")
		} else {
			p.ancilCapable = true
		}
	}
	p.deferEv = r.Defer(p.onDefer)
	ch.SetCallback(p.onIO)
	return p, nil
}

// Ref adds a holder and returns p.
func (p *Pstream) Ref() *Pstream {
	if p.refs <= 0 {
		panic("pstream: ref of released stream")
	}
	p.refs++
	return p
}

// Unref drops a holder; the last one closes the stream.
func (p *Pstream) Unref() {
	if p.refs <= 0 {
		panic("pstream: unref of released stream")
	}
	p.refs--
	if p.refs == 0 {
		p.Close()
	}
}

// SetReceivePacketCallback replaces the packet callback.
func (p *Pstream) SetReceivePacketCallback(cb PacketCallback) { p.onPacket = cb }

// SetReceiveMemblockCallback replaces the memblock callback.
func (p *Pstream) SetReceiveMemblockCallback(cb MemblockCallback) { p.onMemblock = cb }

// SetReleaseCallback is called for shm release notices.
func (p *Pstream) SetReleaseCallback(cb func(blockID uint32)) { p.onRelease = cb }

// SetRevokeCallback is called for shm revoke notices.
func (p *Pstream) SetRevokeCallback(cb func(blockID uint32)) { p.onRevoke = cb }

// SetTemplateCallback is called when the peer offers a ring buffer channel.
// The callback owns the template descriptors; it answers with AcceptSRB or
// closes them.
func (p *Pstream) SetTemplateCallback(cb func(*srbchannel.Template)) { p.onTemplate = cb }

// SetDieCallback is called once when the stream dies of an error. Close
// does not call it.
func (p *Pstream) SetDieCallback(cb func(error)) { p.onDie = cb }

// SetDrainCallback is called whenever the send queue becomes empty.
func (p *Pstream) SetDrainCallback(cb func()) { p.onDrain = cb }

// SetHighWater changes the flow control bound at runtime.
func (p *Pstream) SetHighWater(n int) {
	if n > 0 {
		p.opts.HighWater = n
	}
}

// State returns the lifecycle state.
func (p *Pstream) State() api.StreamState { return p.state }

// Err returns the error the stream died of, if any.
func (p *Pstream) Err() error { return p.deadErr }

// Transport reports which transport carries outbound frames.
func (p *Pstream) Transport() api.TransportKind {
	if p.srb != nil {
		return api.TransportSharedMemory
	}
	return api.TransportByteStream
}

// IsPending reports queued output.
func (p *Pstream) IsPending() bool { return p.queue.Length() > 0 }

// IsUpgradePending reports an accepted ring buffer channel that is not yet
// carrying frames.
func (p *Pstream) IsUpgradePending() bool { return p.pendingSRB != nil || p.offeredSRB != nil }

// Congested reports more than HighWater bytes waiting in the queue. Sends
// are still accepted.
func (p *Pstream) Congested() bool { return p.queued > p.opts.HighWater }

// SetSRBChannel moves outbound frames to ch once everything queued so far
// has been written to the byte stream. The stream owns ch afterwards. The
// byte stream stays open; until the peer's last byte stream frame has been
// read it is drained ahead of the ring on every pass.
func (p *Pstream) SetSRBChannel(ch *srbchannel.Channel) error {
	if err := p.checkUpgrade(ch); err != nil {
		return err
	}
	p.offeredSRB = nil
	p.pendingSRB = ch
	p.maybeSwitch()
	p.deferEv.Enable(true)
	return nil
}

func (p *Pstream) checkUpgrade(ch *srbchannel.Channel) error {
	switch {
	case p.state == api.StreamDead:
		return api.ErrAlreadyDead
	case ch == nil:
		return api.NewError(api.ErrCodeInvalidArgument, "pstream: nil srb channel")
	case p.srb != nil || p.pendingSRB != nil:
		return api.NewError(api.ErrCodeInvalidArgument, "pstream: already upgraded")
	case p.offeredSRB != nil && p.offeredSRB != ch:
		return api.NewError(api.ErrCodeInvalidArgument, "pstream: a different srb channel is on offer")
	}
	return nil
}

// maybeSwitch installs the pending channel on a frame boundary with nothing
// left for the byte stream.
func (p *Pstream) maybeSwitch() {
	if p.pendingSRB == nil || p.queue.Length() > 0 {
		return
	}
	p.srb, p.pendingSRB = p.pendingSRB, nil
	p.drainIO = true
	p.waitDrain, p.inFlight = false, 0
	p.srb.SetCallback(p.onSRB)
	p.log.Info().Str("pool", p.srb.PoolID().String()).Int("capacity", p.srb.Capacity()).Msg("switched to shared memory transport")
}

func (p *Pstream) markActive() {
	if p.state == api.StreamConnecting {
		p.state = api.StreamActive
		p.log.Debug().Msg("active")
	}
}

func (p *Pstream) onIO(c *iochannel.IOChannel) {
	if c.IsWritable() || c.IsReadable() {
		p.markActive()
	}
	if p.waitDrain && c.IsWritable() {
		p.waitDrain = false
		p.inFlight = 0
	}
	p.do()
}

func (p *Pstream) onSRB(*srbchannel.Channel) { p.do() }

func (p *Pstream) onDefer() {
	p.deferEv.Enable(false)
	p.do()
}

// do runs one pass: byte stream input, ring input, then output.
func (p *Pstream) do() {
	if p.state == api.StreamDead {
		return
	}
	p.Ref()
	defer p.Unref()

	// The peer finishes its byte stream writes before its first ring write,
	// so ring input seen before a full drain ends the forced reads.
	forced := p.srb != nil && p.drainIO
	ringFirst := forced && p.srb.Available() > 0
	if forced || p.io.IsReadable() {
		if err := p.readFrom(&p.rio, p.readIO); err != nil {
			p.die(err)
			return
		}
		if p.state == api.StreamDead {
			return
		}
		if ringFirst {
			p.drainIO = false
			p.log.Debug().Msg("byte stream drained")
		}
	}
	if p.io.IsHungup() {
		p.die(api.NewError(api.ErrCodeTransport, "pstream: connection hung up"))
		return
	}
	if p.srb != nil {
		if err := p.readFrom(&p.rsrb, p.readSRB); err != nil {
			p.die(err)
			return
		}
		if p.state == api.StreamDead {
			return
		}
	}
	if err := p.doWrite(); err != nil {
		p.die(err)
	}
}

func (p *Pstream) readIO(b []byte) (int, error) {
	var (
		n     int
		ancil *api.Ancil
		err   error
	)
	if p.ancilCapable {
		n, ancil, err = p.io.ReadWithAncil(b)
	} else {
		n, err = p.io.Read(b)
	}
	if ancil != nil {
		if len(ancil.FDs) > 0 {
			p.pendingFDs = append(p.pendingFDs, ancil.FDs)
		}
		if ancil.Creds != nil {
			p.lastCreds = ancil.Creds
		}
	}
	if errors.Is(err, io.EOF) {
		return n, api.NewError(api.ErrCodeTransport, "pstream: connection closed by peer")
	}
	return n, err
}

func (p *Pstream) readSRB(b []byte) (int, error) {
	return p.srb.Read(b), nil
}

// die marks the stream dead with err and reports it once.
func (p *Pstream) die(err error) {
	if p.state == api.StreamDead {
		return
	}
	p.state = api.StreamDead
	p.deadErr = err
	p.log.Warn().Err(err).Str("transport", p.Transport().String()).Msg("stream died")
	cb := p.onDie
	p.teardown()
	if cb != nil {
		cb(err)
	}
}

// Close marks the stream dead, drops queued output unsent and releases the
// transports. It is idempotent and does not run the die callback.
func (p *Pstream) Close() error {
	if p.state != api.StreamDead {
		p.state = api.StreamDead
		p.log.Debug().Msg("closed")
	}
	p.teardown()
	return nil
}

func (p *Pstream) teardown() {
	if p.tornDown {
		return
	}
	p.tornDown = true
	p.onPacket, p.onMemblock, p.onRelease, p.onRevoke = nil, nil, nil, nil
	p.onTemplate, p.onDie, p.onDrain = nil, nil, nil
	p.deferEv.Close()

	for p.queue.Length() > 0 {
		it := p.queue.Remove().(*item)
		it.drop()
	}
	p.queued = 0
	p.rio.abort()
	p.rsrb.abort()
	for _, fds := range p.pendingFDs {
		closeFDs(fds)
	}
	p.pendingFDs = nil

	for _, ch := range []*srbchannel.Channel{p.srb, p.pendingSRB, p.offeredSRB} {
		if ch != nil {
			ch.Close()
		}
	}
	p.pendingSRB, p.offeredSRB = nil, nil
	if err := p.io.Close(); err != nil {
		p.log.Debug().Err(err).Msg("close io channel")
	}
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
