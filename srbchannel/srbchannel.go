//go:build linux

// Package srbchannel implements a byte channel over two single-producer
// single-consumer rings placed in one slot of a shared pool. Each side
// sleeps on its own fdsem; the peer posts it when the inbound ring becomes
// non-empty or the outbound ring stops being full.
//
// Slot layout:
//
//	0   magic, version, capacity (16 bytes)
//	16  sem0 state  (creator waits)
//	32  sem1 state  (importer waits)
//	48  ring0 count (importer -> creator)
//	56  ring1 count (creator -> importer)
//	64  ring0 data, then ring1 data
//
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package srbchannel

import (
	"encoding/binary"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/core/ringbuf"
	"github.com/momentics/hioload-pstream/internal/fdsem"
	"github.com/momentics/hioload-pstream/internal/logging"
	"github.com/momentics/hioload-pstream/pool"
)

const (
	slotMagic   = 0x53524231 // "SRB1"
	slotVersion = 1

	offSem0  = 16
	offSem1  = 32
	offRing0 = 48
	offRing1 = 56
	offData  = 64

	// MinCapacity is the smallest ring capacity accepted.
	MinCapacity = 4096
)

// SlotSize returns the shared bytes a channel with the given per-direction
// capacity occupies.
func SlotSize(capacity int) int { return offData + 2*capacity }

// Channel is one end of a shared ring buffer pair. It is driven from the
// reactor thread only.
type Channel struct {
	r      api.Reactor
	sp     *pool.SharedPool
	ownSP  bool
	block  *pool.Block
	tmpl   Template
	create bool

	rb, wb            *ringbuf.Ring
	semRead, semWrite *fdsem.FDSem
	watch             api.Watch
	deferEv           api.Deferred
	armed             bool

	cb     func(*Channel)
	closed bool
	log    zerolog.Logger
}

func validCapacity(capacity int) bool {
	return capacity >= MinCapacity && capacity&(capacity-1) == 0
}

// New allocates a channel from sp with capacity bytes per direction.
// capacity must be a power of two of at least MinCapacity.
func New(r api.Reactor, sp *pool.SharedPool, capacity int) (*Channel, error) {
	if !validCapacity(capacity) {
		return nil, api.Errorf(api.ErrCodeInvalidArgument, "srbchannel: capacity %d is not a power of two >= %d", capacity, MinCapacity)
	}
	b, err := sp.Get(SlotSize(capacity))
	if err != nil {
		return nil, err
	}
	mem := b.Bytes()
	clear(mem[:offData])
	binary.LittleEndian.PutUint32(mem[0:4], slotMagic)
	binary.LittleEndian.PutUint32(mem[4:8], slotVersion)
	binary.LittleEndian.PutUint32(mem[8:12], uint32(capacity))

	c := &Channel{r: r, sp: sp, block: b, create: true, log: logging.Component("srbchannel")}
	fail := func(err error) (*Channel, error) {
		c.release()
		return nil, err
	}

	if c.semRead, err = fdsem.New(mem[offSem0 : offSem0+fdsem.StateSize]); err != nil {
		return fail(err)
	}
	if c.semWrite, err = fdsem.New(mem[offSem1 : offSem1+fdsem.StateSize]); err != nil {
		return fail(err)
	}
	ring0, ring1 := rings(mem, capacity)
	if c.rb, err = ringbuf.New(mem[offRing0:offRing0+ringbuf.HeaderSize], ring0); err != nil {
		return fail(err)
	}
	if c.wb, err = ringbuf.New(mem[offRing1:offRing1+ringbuf.HeaderSize], ring1); err != nil {
		return fail(err)
	}
	c.rb.Reset()
	c.wb.Reset()

	_, slot, _, _, err := sp.Export(b)
	if err != nil {
		return fail(err)
	}
	c.tmpl = Template{
		PoolID:   sp.ID(),
		Slot:     slot,
		Capacity: uint32(capacity),
		MemFD:    sp.Fd(),
		ReadFD:   c.semRead.Fd(),
		WriteFD:  c.semWrite.Fd(),
	}
	if err := c.start(); err != nil {
		return fail(err)
	}
	c.log.Debug().Str("pool", sp.ID().String()).Uint32("slot", slot).Int("capacity", capacity).Msg("created")
	return c, nil
}

// NewFromTemplate binds to a channel exported by the peer, with the roles
// of the rings swapped. When sp is nil the region is attached from the
// template's memfd; otherwise sp must be the same region. The channel takes
// ownership of the template descriptors and closes them on failure.
func NewFromTemplate(r api.Reactor, sp *pool.SharedPool, t *Template) (*Channel, error) {
	c := &Channel{r: r, sp: sp, tmpl: *t, log: logging.Component("srbchannel")}
	readFD, writeFD := t.WriteFD, t.ReadFD
	fail := func(err error) (*Channel, error) {
		c.release()
		for _, fd := range []int{readFD, writeFD} {
			if fd >= 0 {
				unix.Close(fd)
			}
		}
		return nil, err
	}

	if sp == nil {
		attached, err := pool.AttachSharedPool(t.MemFD)
		if err != nil {
			unix.Close(t.MemFD)
			return fail(err)
		}
		c.sp, c.ownSP = attached, true
	} else if t.MemFD >= 0 && t.MemFD != sp.Fd() {
		unix.Close(t.MemFD)
	}
	if c.sp.ID() != t.PoolID {
		return fail(api.Errorf(api.ErrCodeProtocolViolation, "srbchannel: template pool %s does not match region %s", t.PoolID, c.sp.ID()))
	}
	capacity := int(t.Capacity)
	if !validCapacity(capacity) {
		return fail(api.Errorf(api.ErrCodeProtocolViolation, "srbchannel: template capacity %d is invalid", capacity))
	}
	view, err := c.sp.Import(t.Slot, 0, SlotSize(capacity))
	if err != nil {
		return fail(api.Wrap(api.ErrCodeProtocolViolation, err, "srbchannel: template does not fit the region"))
	}
	c.block = view
	mem := view.Bytes()
	if binary.LittleEndian.Uint32(mem[0:4]) != slotMagic ||
		binary.LittleEndian.Uint32(mem[4:8]) != slotVersion ||
		binary.LittleEndian.Uint32(mem[8:12]) != t.Capacity {
		return fail(api.NewError(api.ErrCodeProtocolViolation, "srbchannel: slot header does not match template"))
	}

	if c.semRead, err = fdsem.Open(mem[offSem1:offSem1+fdsem.StateSize], readFD); err != nil {
		return fail(err)
	}
	readFD = -1
	if c.semWrite, err = fdsem.Open(mem[offSem0:offSem0+fdsem.StateSize], writeFD); err != nil {
		return fail(err)
	}
	writeFD = -1
	ring0, ring1 := rings(mem, capacity)
	if c.rb, err = ringbuf.New(mem[offRing1:offRing1+ringbuf.HeaderSize], ring1); err != nil {
		return fail(err)
	}
	if c.wb, err = ringbuf.New(mem[offRing0:offRing0+ringbuf.HeaderSize], ring0); err != nil {
		return fail(err)
	}
	if err := c.start(); err != nil {
		return fail(err)
	}
	c.log.Debug().Str("pool", t.PoolID.String()).Uint32("slot", t.Slot).Int("capacity", capacity).Msg("imported")
	return c, nil
}

func rings(mem []byte, capacity int) (ring0, ring1 []byte) {
	ring0 = mem[offData : offData+capacity : offData+capacity]
	ring1 = mem[offData+capacity : offData+2*capacity : offData+2*capacity]
	return ring0, ring1
}

func (c *Channel) start() error {
	w, err := c.r.Register(c.semRead.Fd(), api.EventRead, c.onSignal)
	if err != nil {
		return err
	}
	c.watch = w
	c.deferEv = c.r.Defer(c.onDefer)
	c.arm()
	return nil
}

// arm prepares to sleep on the read semaphore, or schedules another pass if
// a signal is already pending.
func (c *Channel) arm() {
	if c.semRead.BeforePoll() {
		c.armed = true
		c.deferEv.Enable(false)
		return
	}
	c.deferEv.Enable(true)
}

func (c *Channel) onSignal(int, api.FDEventType) {
	if c.armed {
		c.armed = false
		c.semRead.AfterPoll()
	} else {
		c.semRead.Try()
	}
	c.loop()
}

func (c *Channel) onDefer() {
	c.deferEv.Enable(false)
	if c.armed {
		c.armed = false
		c.semRead.AfterPoll()
	}
	c.loop()
}

func (c *Channel) loop() {
	for {
		if c.cb != nil {
			c.cb(c)
		}
		if c.closed {
			return
		}
		if c.semRead.BeforePoll() {
			c.armed = true
			return
		}
	}
}

// SetCallback installs the function run when the peer signals. A pass is
// scheduled right away so data already in the ring is not missed.
func (c *Channel) SetCallback(cb func(*Channel)) {
	c.cb = cb
	if cb != nil && !c.closed {
		c.deferEv.Enable(true)
	}
}

// ExportTemplate returns the creator side description of the channel. The
// descriptors stay owned by the channel.
func (c *Channel) ExportTemplate() *Template {
	t := c.tmpl
	return &t
}

// PoolID returns the identity of the region holding the rings.
func (c *Channel) PoolID() uuid.UUID { return c.tmpl.PoolID }

// IsCreator reports whether this end allocated the channel.
func (c *Channel) IsCreator() bool { return c.create }

// Capacity returns the per-direction ring capacity.
func (c *Channel) Capacity() int { return c.wb.Cap() }

// Pending returns the bytes written but not yet consumed by the peer.
func (c *Channel) Pending() int { return c.wb.Len() }

// Available returns the inbound bytes waiting to be read.
func (c *Channel) Available() int { return c.rb.Len() }

// Write copies as much of p as fits into the outbound ring and returns the
// count. The peer is posted when the ring stops being empty.
func (c *Channel) Write(p []byte) int {
	if c.closed {
		return 0
	}
	total := 0
	for total < len(p) {
		n, wasEmpty := c.wb.Write(p[total:])
		if n == 0 {
			break
		}
		total += n
		if wasEmpty {
			c.semWrite.Post()
		}
	}
	return total
}

// Read copies available inbound bytes into p. The peer is posted when the
// ring stops being full.
func (c *Channel) Read(p []byte) int {
	if c.closed {
		return 0
	}
	total := 0
	for total < len(p) {
		n, wasFull := c.rb.Read(p[total:])
		if n == 0 {
			break
		}
		total += n
		if wasFull {
			c.semWrite.Post()
		}
	}
	return total
}

func (c *Channel) release() {
	if c.watch != nil {
		c.watch.Close()
		c.watch = nil
	}
	if c.deferEv != nil {
		c.deferEv.Close()
		c.deferEv = nil
	}
	if c.semRead != nil {
		c.semRead.Close()
	}
	if c.semWrite != nil {
		c.semWrite.Close()
	}
	if c.block != nil {
		c.block.Unref()
		c.block = nil
	}
	if c.ownSP {
		c.sp.Close()
	}
}

// Close detaches the channel. The creator returns its slot to the pool.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.cb = nil
	c.release()
	return nil
}
