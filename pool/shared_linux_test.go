//go:build linux

package pool_test

import (
	"errors"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/pool"
)

func TestSharedPoolAttachSeesWrites(t *testing.T) {
	sp, err := pool.NewSharedPool(4096, 4)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { sp.Close() })

	b, err := sp.Get(100)
	if err != nil {
		t.Fatal(err)
	}
	copy(b.Bytes(), "shared hello")

	dup, err := unix.Dup(sp.Fd())
	if err != nil {
		t.Fatal(err)
	}
	peer, err := pool.AttachSharedPool(dup)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { peer.Close() })

	if peer.ID() != sp.ID() {
		t.Fatalf("pool id mismatch: %s vs %s", peer.ID(), sp.ID())
	}
	id, slot, off, _, err := sp.Export(b)
	if err != nil {
		t.Fatal(err)
	}
	if id != peer.ID() {
		t.Fatalf("exported id %s", id)
	}
	view, err := peer.Import(slot, off, 12)
	if err != nil {
		t.Fatal(err)
	}
	if string(view.Bytes()) != "shared hello" {
		t.Fatalf("peer sees %q", view.Bytes())
	}
	if _, err := peer.Import(uint32(peer.Slots()), 0, 1); !errors.Is(err, api.ErrProtocolViolation) {
		t.Fatalf("out of range import: %v", err)
	}
	if _, err := peer.Get(1); !errors.Is(err, api.ErrNotSupported) {
		t.Fatalf("attached pool allocated: %v", err)
	}
	b.Unref()
}

func TestSharedPoolExhaustion(t *testing.T) {
	sp, err := pool.NewSharedPool(4096, 2)
	if err != nil {
		t.Fatal(err)
	}
	defer sp.Close()

	if _, err := sp.Get(sp.SlotSize() + 1); !errors.Is(err, api.ErrOutOfMemory) {
		t.Fatalf("oversized slot request: %v", err)
	}
	a, _ := sp.Get(1)
	b, _ := sp.Get(1)
	if _, err := sp.Get(1); !errors.Is(err, api.ErrOutOfMemory) {
		t.Fatalf("expected exhaustion, got %v", err)
	}
	a.Unref()
	c, err := sp.Get(1)
	if err != nil {
		t.Fatalf("slot not recycled: %v", err)
	}
	if sp.InUse() != 2 {
		t.Fatalf("InUse = %d", sp.InUse())
	}
	b.Unref()
	c.Unref()
}

func TestAttachRejectsForeignFile(t *testing.T) {
	fd, err := unix.MemfdCreate("not-a-pool", unix.MFD_CLOEXEC)
	if err != nil {
		t.Fatal(err)
	}
	if err := unix.Ftruncate(fd, 8192); err != nil {
		t.Fatal(err)
	}
	defer unix.Close(fd)
	if _, err := pool.AttachSharedPool(fd); !errors.Is(err, api.ErrProtocolViolation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}
