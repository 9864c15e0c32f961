package concurrency

import (
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
)

// Concurrent allocators cycling slot ids through the queue never hold the
// same slot at once, and every slot is back when they stop.
func TestFreeListHandsOutEachSlotOnce(t *testing.T) {
	const slots = 64
	q := NewLockFreeQueue[uint32](slots)
	for i := uint32(0); i < slots; i++ {
		if !q.Enqueue(i) {
			t.Fatalf("seed slot %d", i)
		}
	}

	var owned [slots]atomic.Bool
	var wg sync.WaitGroup
	var misses atomic.Int64
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20000; i++ {
				slot, ok := q.Dequeue()
				if !ok {
					misses.Add(1)
					runtime.Gosched()
					continue
				}
				if !owned[slot].CompareAndSwap(false, true) {
					t.Errorf("slot %d handed out twice", slot)
					return
				}
				owned[slot].Store(false)
				for !q.Enqueue(slot) {
					runtime.Gosched()
				}
			}
		}()
	}
	wg.Wait()

	if q.Len() != slots {
		t.Fatalf("Len = %d after workers stopped, want %d", q.Len(), slots)
	}
	seen := make(map[uint32]bool, slots)
	for {
		slot, ok := q.Dequeue()
		if !ok {
			break
		}
		if seen[slot] {
			t.Fatalf("slot %d queued twice", slot)
		}
		seen[slot] = true
	}
	if len(seen) != slots {
		t.Fatalf("recovered %d slots, want %d", len(seen), slots)
	}
	t.Logf("empty dequeues: %d", misses.Load())
}

func TestFreeListBounds(t *testing.T) {
	q := NewLockFreeQueue[uint32](3)
	if q.Cap() != 4 {
		t.Fatalf("Cap = %d, want 4", q.Cap())
	}
	for i := uint32(0); i < 4; i++ {
		if !q.Enqueue(i) {
			t.Fatalf("enqueue %d failed", i)
		}
	}
	if q.Enqueue(99) {
		t.Fatal("enqueue into full queue succeeded")
	}
	for i := uint32(0); i < 4; i++ {
		v, ok := q.Dequeue()
		if !ok || v != i {
			t.Fatalf("dequeue = %d,%v want %d", v, ok, i)
		}
	}
	if _, ok := q.Dequeue(); ok {
		t.Fatal("dequeue from empty queue succeeded")
	}
}

func TestNextPowerOfTwo(t *testing.T) {
	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 1000: 1024, 65536: 65536}
	for in, want := range cases {
		if got := NextPowerOfTwo(in); got != want {
			t.Errorf("NextPowerOfTwo(%d) = %d, want %d", in, got, want)
		}
	}
}
