//go:build linux

package pstream_test

import (
	"bytes"
	"errors"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/fake"
	"github.com/momentics/hioload-pstream/iochannel"
	"github.com/momentics/hioload-pstream/packet"
	"github.com/momentics/hioload-pstream/pool"
	"github.com/momentics/hioload-pstream/pstream"
)

func TestFatalFrames(t *testing.T) {
	cases := map[string][]byte{
		"oversized length":      rawHeader(1<<20+1, pstream.ChannelPacket, 0, 0, 0),
		"channel out of range":  rawHeader(4, 5000, 0, 0, 0),
		"unknown packet flags":  rawHeader(4, pstream.ChannelPacket, 0, 0, 1<<30),
		"unknown control kind":  rawHeader(0, pstream.ChannelControl, 0, 0, pstream.FlagControl),
		"control without flag":  rawHeader(0, pstream.ChannelControl, 0, 1, pstream.FlagShmRelease),
		"bad seek mode":         rawHeader(4, 3, 0, 0, 9),
		"ancil without data":    rawHeader(4, pstream.ChannelPacket, 0, 0, pstream.FlagAncil),
		"descriptors not sent":  rawHeader(4, pstream.ChannelPacket, 0, 1, pstream.FlagAncil),
		"release with payload":  rawHeader(8, pstream.ChannelControl, 0, 1, pstream.FlagControl|pstream.FlagShmRelease),
		"ack without an offer":  rawHeader(0, pstream.ChannelControl, 0, 0, pstream.FlagControl|pstream.FlagSRBTemplate),
		"short template header": rawHeader(3, pstream.ChannelControl, 0, 3, pstream.FlagControl|pstream.FlagSRBTemplate|pstream.FlagAncil),
	}
	for name, hdr := range cases {
		t.Run(name, func(t *testing.T) {
			r := newReactor(t)
			alloc := fake.NewAllocator()
			p, peer := rawSocket(t, r, alloc, pstream.WithMaxFrameSize(1<<20))
			var dieErr error
			dies := 0
			p.SetDieCallback(func(err error) { dieErr = err; dies++ })
			p.SetReceivePacketCallback(func(*packet.Packet, *api.Ancil) { t.Error("frame delivered") })

			if _, err := unix.Write(peer, hdr); err != nil {
				t.Fatal(err)
			}
			run(t, r, func() bool { return p.State() == api.StreamDead }, 2*time.Second)
			pump(t, r, 2)
			if !errors.Is(dieErr, api.ErrProtocolViolation) {
				t.Fatalf("died of %v, want protocol violation", dieErr)
			}
			if dies != 1 {
				t.Fatalf("die callback ran %d times", dies)
			}
			if alloc.Allocated() != 0 {
				t.Fatalf("%d allocations for a rejected header", alloc.Allocated())
			}
		})
	}
}

func TestOversizedHeaderStopsReading(t *testing.T) {
	r := newReactor(t)
	alloc := fake.NewAllocator()
	p, peer := rawSocket(t, r, alloc, pstream.WithMaxFrameSize(1024))

	good := append(rawHeader(3, pstream.ChannelPacket, 0, 0, 0), 'a', 'b', 'c')
	bad := rawHeader(2048, pstream.ChannelPacket, 0, 0, 0)
	trailing := append(rawHeader(1, pstream.ChannelPacket, 0, 0, 0), 'z')
	var got []string
	p.SetReceivePacketCallback(func(pkt *packet.Packet, _ *api.Ancil) { got = append(got, string(pkt.Data())) })

	wire := append(append(good, bad...), trailing...)
	if _, err := unix.Write(peer, wire); err != nil {
		t.Fatal(err)
	}
	run(t, r, func() bool { return p.State() == api.StreamDead }, 2*time.Second)
	if len(got) != 1 || got[0] != "abc" {
		t.Fatalf("delivered %q", got)
	}
	if alloc.Allocated() != 1 || alloc.Released() != 1 {
		t.Fatalf("allocated %d released %d", alloc.Allocated(), alloc.Released())
	}
}

func TestAllocationFailureKillsStream(t *testing.T) {
	r := newReactor(t)
	alloc := fake.NewAllocator()
	alloc.FailAfter(0)
	p, peer := rawSocket(t, r, alloc)
	var dieErr error
	p.SetDieCallback(func(err error) { dieErr = err })
	if _, err := unix.Write(peer, append(rawHeader(2, pstream.ChannelPacket, 0, 0, 0), 1, 2)); err != nil {
		t.Fatal(err)
	}
	run(t, r, func() bool { return p.State() == api.StreamDead }, 2*time.Second)
	if !errors.Is(dieErr, api.ErrOutOfMemory) {
		t.Fatalf("died of %v", dieErr)
	}
}

func TestPartialFrameNeverDelivered(t *testing.T) {
	r := newReactor(t)
	p, peer := rawSocket(t, r, pool.NewPool(0))
	p.SetReceivePacketCallback(func(*packet.Packet, *api.Ancil) { t.Error("truncated frame delivered") })
	wire := append(rawHeader(10, pstream.ChannelPacket, 0, 0, 0), 1, 2, 3)
	if _, err := unix.Write(peer, wire); err != nil {
		t.Fatal(err)
	}
	pump(t, r, 5)
	if err := unix.Shutdown(peer, unix.SHUT_WR); err != nil {
		t.Fatal(err)
	}
	run(t, r, func() bool { return p.State() == api.StreamDead }, 2*time.Second)
	if !errors.Is(p.Err(), api.ErrTransport) {
		t.Fatalf("err = %v", p.Err())
	}
}

func TestAncillaryDescriptorAndCreds(t *testing.T) {
	r := newReactor(t)
	p1, p2 := socketStreams(t, r)
	alloc := pool.NewPool(0)

	f, err := os.CreateTemp(t.TempDir(), "fdpass")
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString("through the socket"); err != nil {
		t.Fatal(err)
	}
	dup, err := unix.Dup(int(f.Fd()))
	if err != nil {
		t.Fatal(err)
	}

	var got *api.Ancil
	var payload string
	p2.SetReceivePacketCallback(func(pkt *packet.Packet, ancil *api.Ancil) {
		payload = string(pkt.Data())
		got = ancil
	})

	for i := 0; i < 3; i++ {
		pkt, err := packet.NewFromBytes(alloc, []byte("plain"))
		if err != nil {
			t.Fatal(err)
		}
		p1.SendPacket(pkt, nil, nil)
		pkt.Unref()
	}
	pkt, err := packet.NewFromBytes(alloc, []byte("with fd"))
	if err != nil {
		t.Fatal(err)
	}
	ancil := &api.Ancil{FDs: []int{dup}, Creds: iochannel.OwnCreds(), CloseFDs: true}
	if err := p1.SendPacket(pkt, ancil, nil); err != nil {
		t.Fatal(err)
	}
	pkt.Unref()

	run(t, r, func() bool { return payload == "with fd" }, 2*time.Second)
	if got == nil || len(got.FDs) != 1 {
		t.Fatalf("ancil = %+v", got)
	}
	defer iochannel.CloseAncil(got)
	if got.Creds == nil || got.Creds.PID != int32(os.Getpid()) {
		t.Fatalf("creds = %+v", got.Creds)
	}
	buf := make([]byte, 18)
	if _, err := unix.Pread(got.FDs[0], buf, 0); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "through the socket" {
		t.Fatalf("descriptor reads %q", buf)
	}
}

func TestAncillaryRejected(t *testing.T) {
	r := newReactor(t)
	alloc := pool.NewPool(0)
	pkt, err := packet.NewFromBytes(alloc, []byte("x"))
	if err != nil {
		t.Fatal(err)
	}
	defer pkt.Unref()
	ancil := &api.Ancil{Creds: iochannel.OwnCreds()}

	a, _ := pipeStreams(t, r)
	if err := a.SendPacket(pkt, ancil, nil); !errors.Is(err, api.ErrNotSupported) {
		t.Fatalf("ancil over pipes: %v", err)
	}

	s1, s2 := socketStreams(t, r)
	upgradeWithTemplate(t, r, s1, s2)
	if err := s1.SendPacket(pkt, ancil, nil); !errors.Is(err, api.ErrNotSupported) {
		t.Fatalf("ancil over shared memory: %v", err)
	}
	if err := s1.SetSRBChannel(nil); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("nil channel: %v", err)
	}
}

func TestMemblockFramesSplitAndSeek(t *testing.T) {
	r := newReactor(t)
	p1, p2 := socketStreams(t, r, pstream.WithMaxFrameSize(1024))
	alloc := pool.NewPool(0)

	type chunk struct {
		channel uint32
		offset  int64
		seek    api.SeekMode
		data    []byte
	}
	var got []chunk
	p2.SetReceiveMemblockCallback(func(channel uint32, offset int64, seek api.SeekMode, b api.Block) {
		got = append(got, chunk{channel, offset, seek, append([]byte(nil), b.Bytes()...)})
	})

	blk, err := alloc.Get(3000)
	if err != nil {
		t.Fatal(err)
	}
	for i := range blk.Bytes() {
		blk.Bytes()[i] = byte(i % 251)
	}
	if err := p1.SendMemblock(7, 1<<33+5, api.SeekAbsolute, blk); err != nil {
		t.Fatal(err)
	}
	want := append([]byte(nil), blk.Bytes()...)
	blk.Unref()

	run(t, r, func() bool { return len(got) == 3 }, 2*time.Second)
	var all []byte
	for i, c := range got {
		if c.channel != 7 {
			t.Fatalf("chunk %d on channel %d", i, c.channel)
		}
		if i == 0 && (c.offset != 1<<33+5 || c.seek != api.SeekAbsolute) {
			t.Fatalf("first chunk offset %d seek %d", c.offset, c.seek)
		}
		if i > 0 && (c.offset != 0 || c.seek != api.SeekRelative) {
			t.Fatalf("chunk %d offset %d seek %d", i, c.offset, c.seek)
		}
		all = append(all, c.data...)
	}
	if !bytes.Equal(all, want) {
		t.Fatal("memblock payload corrupted")
	}

	if err := p1.SendMemblock(5000, 0, api.SeekRelative, blk); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("channel out of range: %v", err)
	}
}

func TestShmReleaseAndRevoke(t *testing.T) {
	r := newReactor(t)
	p1, p2 := socketStreams(t, r)
	var released, revoked []uint32
	p2.SetReleaseCallback(func(id uint32) { released = append(released, id) })
	p2.SetRevokeCallback(func(id uint32) { revoked = append(revoked, id) })

	p1.SendRelease(11)
	p1.SendRevoke(12)
	p1.SendRelease(13)
	run(t, r, func() bool { return len(released)+len(revoked) == 3 }, 2*time.Second)
	if len(released) != 2 || released[0] != 11 || released[1] != 13 {
		t.Fatalf("released %v", released)
	}
	if len(revoked) != 1 || revoked[0] != 12 {
		t.Fatalf("revoked %v", revoked)
	}
}

func TestTemplateWithoutHandlerIsIgnored(t *testing.T) {
	r := newReactor(t)
	p1, p2 := socketStreams(t, r)
	sp, err := pool.NewSharedPool(1<<18, 1)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		p1.Close()
		sp.Close()
	})
	ch, err := newSRB(r, sp)
	if err != nil {
		t.Fatal(err)
	}
	if err := p1.OfferSRB(ch); err != nil {
		t.Fatal(err)
	}
	if err := p1.OfferSRB(ch); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("second offer: %v", err)
	}
	received := 0
	p2.SetReceivePacketCallback(func(*packet.Packet, *api.Ancil) { received++ })
	pkt, err := packet.NewFromBytes(pool.NewPool(0), []byte("after"))
	if err != nil {
		t.Fatal(err)
	}
	p1.SendPacket(pkt, nil, nil)
	pkt.Unref()

	run(t, r, func() bool { return received == 1 }, 2*time.Second)
	if !p1.IsUpgradePending() || p1.Transport() != api.TransportByteStream {
		t.Fatal("offer resolved without an answer")
	}
	if p2.State() == api.StreamDead {
		t.Fatalf("receiver died: %v", p2.Err())
	}
}
