//go:build linux

package pstream_test

import (
	"testing"
	"time"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/control"
	"github.com/momentics/hioload-pstream/packet"
	"github.com/momentics/hioload-pstream/pool"
	"github.com/momentics/hioload-pstream/pstream"
)

func TestHooksAndMetrics(t *testing.T) {
	r := newReactor(t)
	cfg := control.DefaultConfig()
	cfg.HighWater = 1 << 16
	p1, p2 := socketStreams(t, r, pstream.OptionsFromConfig(cfg)...)

	received := 0
	p2.SetReceivePacketCallback(func(*packet.Packet, *api.Ancil) { received++ })
	pkt, err := packet.NewFromBytes(pool.NewPool(0), []byte("dump me"))
	if err != nil {
		t.Fatal(err)
	}
	p1.SendPacket(pkt, nil, nil)
	pkt.Unref()
	run(t, r, func() bool { return received == 1 }, 2*time.Second)

	dp := control.NewDebugHooks()
	pstream.RegisterHooks(p1, dp, "p1")
	state := dp.DumpState()
	st, ok := state["p1.stats"].(pstream.Stats)
	if !ok {
		t.Fatalf("state dump %v", state)
	}
	if st.FramesOut != 1 || st.State != "active" || st.Transport != "byte-stream" {
		t.Fatalf("stats %+v", st)
	}

	mr := control.NewMetricsRegistry()
	pstream.ExportMetrics(p2, mr, "p2")
	if v, _ := mr.Get("p2.frames_in"); v != uint64(1) {
		t.Fatalf("frames_in = %v", v)
	}

	store := control.NewConfigStore(cfg, "")
	store.OnReload(func(c control.Config) { p1.SetHighWater(c.HighWater) })
	next := cfg
	next.HighWater = 100
	if err := store.Update(next); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		pkt, err := packet.New(pool.NewPool(0), 80)
		if err != nil {
			t.Fatal(err)
		}
		p1.SendPacket(pkt, nil, nil)
		pkt.Unref()
	}
	if !p1.Congested() {
		t.Fatal("reloaded high water not applied")
	}
}
