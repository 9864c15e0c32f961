package pool_test

import (
	"errors"
	"testing"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/pool"
)

func TestPoolReusesClassBlocks(t *testing.T) {
	p := pool.NewPool(0)
	b, err := p.Get(3000)
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 3000 {
		t.Fatalf("Len = %d", b.Len())
	}
	b.Unref()
	b2, err := p.Get(4000)
	if err != nil {
		t.Fatal(err)
	}
	defer b2.Unref()
	st := p.Stats()
	if st.TotalAlloc != 2 || st.TotalFree != 1 || st.InUse != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
	if b2 != b {
		t.Error("4K class block was not recycled")
	}
}

func TestPoolBudget(t *testing.T) {
	p := pool.NewPool(8 * 1024)
	b, err := p.Get(8 * 1024)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := p.Get(1); !errors.Is(err, api.ErrOutOfMemory) {
		t.Fatalf("expected out of memory, got %v", err)
	}
	b.Unref()
	b, err = p.Get(1)
	if err != nil {
		t.Fatalf("allocation after release failed: %v", err)
	}
	b.Unref()
}

func TestPoolUnpooledLargeBlock(t *testing.T) {
	p := pool.NewPool(0)
	b, err := p.Get(3 << 20)
	if err != nil {
		t.Fatal(err)
	}
	if b.Len() != 3<<20 {
		t.Fatalf("Len = %d", b.Len())
	}
	b.Unref()
	if st := p.Stats(); st.Unpooled != 1 || st.InUseBytes != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestBlockDoubleUnrefPanics(t *testing.T) {
	p := pool.NewPool(0)
	b, err := p.Get(10)
	if err != nil {
		t.Fatal(err)
	}
	b.Ref()
	b.Unref()
	b.Unref()
	defer func() {
		if recover() == nil {
			t.Fatal("extra unref did not panic")
		}
	}()
	b.Unref()
}
