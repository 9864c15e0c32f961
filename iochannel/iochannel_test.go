//go:build linux

package iochannel_test

import (
	"bytes"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/iochannel"
	"github.com/momentics/hioload-pstream/reactor"
)

func newReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func readAll(t *testing.T, r *reactor.Reactor, c *iochannel.IOChannel, want int) []byte {
	t.Helper()
	var got []byte
	buf := make([]byte, 4096)
	err := r.RunUntil(func() bool {
		for len(got) < want {
			n, err := c.Read(buf)
			if err != nil {
				t.Fatalf("read: %v", err)
			}
			if n == 0 {
				return false
			}
			got = append(got, buf[:n]...)
		}
		return true
	}, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	return got
}

func TestSocketPairRoundTrip(t *testing.T) {
	r := newReactor(t)
	a, b, err := iochannel.NewSocketPair(r)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	if !a.SupportsAncil() {
		t.Fatal("socket pair should support ancillary data")
	}

	n, err := a.WriteBuffers([][]byte{[]byte("hello, "), []byte("world")}, nil)
	if err != nil || n != 12 {
		t.Fatalf("write = %d, %v", n, err)
	}
	if got := readAll(t, r, b, 12); string(got) != "hello, world" {
		t.Fatalf("got %q", got)
	}
}

func TestPipePairRejectsAncil(t *testing.T) {
	r := newReactor(t)
	a, b, err := iochannel.NewPipePair(r)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	if a.SupportsAncil() {
		t.Fatal("pipes cannot carry descriptors")
	}
	_, err = a.WriteBuffers([][]byte{{1}}, &api.Ancil{Creds: iochannel.OwnCreds()})
	if api.CodeOf(err) != api.ErrCodeNotSupported {
		t.Fatalf("err = %v, want NotSupported", err)
	}
	if _, err := a.Write([]byte("abc")); err != nil {
		t.Fatal(err)
	}
	if got := readAll(t, r, b, 3); string(got) != "abc" {
		t.Fatalf("got %q", got)
	}
}

func TestPassDescriptorAndCreds(t *testing.T) {
	r := newReactor(t)
	a, b, err := iochannel.NewSocketPair(r)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()
	if err := b.EnableCredentials(); err != nil {
		t.Fatal(err)
	}

	f, err := os.CreateTemp(t.TempDir(), "ancil")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.WriteString("payload"); err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	ancil := &api.Ancil{FDs: []int{int(f.Fd())}, Creds: iochannel.OwnCreds()}
	if _, err := a.WriteBuffers([][]byte{{0x42}}, ancil); err != nil {
		t.Fatal(err)
	}

	var got *api.Ancil
	buf := make([]byte, 16)
	err = r.RunUntil(func() bool {
		n, anc, err := b.ReadWithAncil(buf)
		if err != nil {
			t.Fatal(err)
		}
		if n > 0 {
			got = anc
			return true
		}
		return false
	}, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got.FDs) != 1 {
		t.Fatalf("ancil = %+v, want one descriptor", got)
	}
	defer iochannel.CloseAncil(got)
	if got.Creds == nil || got.Creds.PID != int32(os.Getpid()) {
		t.Fatalf("creds = %+v", got.Creds)
	}
	data := make([]byte, 7)
	if _, err := unix.Pread(got.FDs[0], data, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, []byte("payload")) {
		t.Fatalf("received descriptor reads %q", data)
	}
}

func TestHangupReportsEOF(t *testing.T) {
	r := newReactor(t)
	a, b, err := iochannel.NewSocketPair(r)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()
	a.Close()

	var sawEOF bool
	buf := make([]byte, 8)
	err = r.RunUntil(func() bool {
		if !b.IsReadable() {
			return false
		}
		_, err := b.Read(buf)
		sawEOF = err == io.EOF
		return sawEOF
	}, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !b.IsHungup() {
		t.Fatal("hangup not recorded")
	}
}

func TestWriteWouldBlock(t *testing.T) {
	r := newReactor(t)
	a, b, err := iochannel.NewSocketPair(r)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	defer b.Close()

	chunk := make([]byte, 64*1024)
	total := 0
	for i := 0; i < 1024; i++ {
		n, err := a.Write(chunk)
		if err != nil {
			t.Fatal(err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	if a.IsWritable() {
		t.Fatal("channel still writable after the kernel buffer filled")
	}
	if got := readAll(t, r, b, total); len(got) != total {
		t.Fatalf("drained %d of %d", len(got), total)
	}
	if err := r.RunUntil(a.IsWritable, 2*time.Second); err != nil {
		t.Fatalf("writable never reported: %v", err)
	}
}

func TestTruncatedControlDataIsViolation(t *testing.T) {
	r := newReactor(t)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fds[1])
	c, err := iochannel.New(r, fds[0], fds[0])
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	extra := make([]int, 2*api.MaxAncilFDs+4)
	for i := range extra {
		extra[i] = fds[1]
	}
	if err := unix.Sendmsg(fds[1], []byte("x"), unix.UnixRights(extra...), nil, 0); err != nil {
		t.Fatal(err)
	}

	buf := make([]byte, 16)
	var rerr error
	err = r.RunUntil(func() bool {
		n, a, err := c.ReadWithAncil(buf)
		if n > 0 || a != nil {
			t.Fatalf("truncated read delivered n=%d ancil=%v", n, a)
		}
		rerr = err
		return err != nil
	}, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if !errors.Is(rerr, api.ErrProtocolViolation) {
		t.Fatalf("err = %v, want protocol violation", rerr)
	}

	// The buffer is reused; a well-formed message still decodes.
	if err := unix.Sendmsg(fds[1], []byte("y"), unix.UnixRights(fds[1]), nil, 0); err != nil {
		t.Fatal(err)
	}
	var got *api.Ancil
	err = r.RunUntil(func() bool {
		n, a, err := c.ReadWithAncil(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if n > 0 {
			got = a
			return true
		}
		return false
	}, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || len(got.FDs) != 1 {
		t.Fatalf("ancil = %+v, want one descriptor", got)
	}
	iochannel.CloseAncil(got)
}
