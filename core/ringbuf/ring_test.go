package ringbuf_test

import (
	"bytes"
	"errors"
	"testing"
	"unsafe"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/core/ringbuf"
)

// newPair returns a producer and a consumer view over the same memory.
func newPair(t *testing.T, capacity int) (*ringbuf.Ring, *ringbuf.Ring) {
	t.Helper()
	mem := make([]uint64, (ringbuf.HeaderSize+capacity+7)/8)
	raw := unsafeBytes(mem)
	hdr, data := raw[:ringbuf.HeaderSize], raw[ringbuf.HeaderSize:ringbuf.HeaderSize+capacity]
	w, err := ringbuf.New(hdr, data)
	if err != nil {
		t.Fatal(err)
	}
	w.Reset()
	r, err := ringbuf.New(hdr, data)
	if err != nil {
		t.Fatal(err)
	}
	return w, r
}

func TestRingRejectsBadCapacity(t *testing.T) {
	mem := unsafeBytes(make([]uint64, 4))
	if _, err := ringbuf.New(mem[:8], mem[8:20]); !errors.Is(err, api.ErrInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
	if _, err := ringbuf.New(mem[:4], mem[8:16]); err == nil {
		t.Fatal("short header accepted")
	}
}

func TestRingNeverLapsReader(t *testing.T) {
	w, r := newPair(t, 16)
	n, wasEmpty := w.Write(bytes.Repeat([]byte{1}, 40))
	if n != 16 || !wasEmpty {
		t.Fatalf("Write = %d,%v want 16,true", n, wasEmpty)
	}
	if n, _ := w.Write([]byte{2}); n != 0 {
		t.Fatalf("write into full ring accepted %d bytes", n)
	}
	buf := make([]byte, 4)
	n, wasFull := r.Read(buf)
	if n != 4 || !wasFull {
		t.Fatalf("Read = %d,%v want 4,true", n, wasFull)
	}
	if _, wasFull := r.Read(buf); wasFull {
		t.Fatal("second read reported full transition")
	}
	if w.Free() != 8 {
		t.Fatalf("Free = %d, want 8", w.Free())
	}
}

func TestRingWrapAround(t *testing.T) {
	w, r := newPair(t, 8)
	var want, got []byte
	buf := make([]byte, 5)
	for i := 0; i < 50; i++ {
		chunk := []byte{byte(i), byte(i + 1), byte(i + 2)}
		n, _ := w.Write(chunk)
		want = append(want, chunk[:n]...)
		m, _ := r.Read(buf)
		got = append(got, buf[:m]...)
	}
	for r.Len() > 0 {
		m, _ := r.Read(buf)
		got = append(got, buf[:m]...)
	}
	if !bytes.Equal(want, got) {
		t.Fatalf("stream mismatch:\nwant %v\ngot  %v", want, got)
	}
}

func TestRingEmptyRead(t *testing.T) {
	_, r := newPair(t, 8)
	if n, full := r.Read(make([]byte, 4)); n != 0 || full {
		t.Fatalf("Read on empty ring = %d,%v", n, full)
	}
}

func unsafeBytes(m []uint64) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(&m[0])), len(m)*8)
}
