//go:build linux

// File: cmd/pstream-loopback/main.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Loopback harness: joins two packet streams over a socket pair or a pipe
// pair, optionally moves them onto a shared ring buffer channel, pumps
// packets one way and compares byte sums on both ends.

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-pstream/affinity"
	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/control"
	"github.com/momentics/hioload-pstream/internal/logging"
	"github.com/momentics/hioload-pstream/iochannel"
	"github.com/momentics/hioload-pstream/packet"
	"github.com/momentics/hioload-pstream/pool"
	"github.com/momentics/hioload-pstream/pstream"
	"github.com/momentics/hioload-pstream/reactor"
	"github.com/momentics/hioload-pstream/srbchannel"
)

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	fs := flag.NewFlagSet("pstream-loopback", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	count := fs.Int("count", 250, "Packets to send")
	size := fs.Int("size", 5, "Packet length in bytes")
	useSRB := fs.Bool("srb", false, "Switch to the shared ring buffer before sending")
	transport := fs.String("transport", "socket", "Byte stream: socket or pipe")
	timeout := fs.Duration("timeout", 30*time.Second, "Give up after this long")
	cpu := fs.Int("cpu", -1, "Pin the reactor thread to this CPU (-1 keeps the default mask)")
	jsonLogs := fs.Bool("json", false, "Write JSON logs instead of console output")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	logging.ConfigureRuntime()

	cfg, err := control.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 2
	}
	level, ok := logging.ParseLevel(cfg.LogLevel)
	if ok {
		logging.SetLevel(level)
	}
	if *jsonLogs {
		logging.SetOutput(os.Stderr, logging.Logger().GetLevel())
	}
	log := logging.Component("loopback")
	if *count < 0 || *size < 0 || *size > cfg.MaxFrameSize {
		fmt.Fprintf(os.Stderr, "bad -count/-size (max frame %d)\n", cfg.MaxFrameSize)
		return 2
	}

	unpin, err := affinity.Pin(*cpu)
	if err != nil {
		log.Error().Err(err).Int("cpu", *cpu).Msg("pin failed")
		return 2
	}
	defer unpin()

	store := control.NewConfigStore(cfg, *configPath)
	if err := run(store, *transport, *useSRB, *count, *size, *timeout); err != nil {
		log.Error().Err(err).Msg("loopback failed")
		return 1
	}
	return 0
}

func run(store *control.ConfigStore, transport string, useSRB bool, count, size int, timeout time.Duration) error {
	cfg := store.Snapshot()
	log := logging.Component("loopback")

	r, err := reactor.New()
	if err != nil {
		return err
	}
	defer r.Close()

	var a, b *iochannel.IOChannel
	switch transport {
	case "socket":
		a, b, err = iochannel.NewSocketPair(r)
	case "pipe":
		a, b, err = iochannel.NewPipePair(r)
	default:
		err = fmt.Errorf("unknown transport %q", transport)
	}
	if err != nil {
		return err
	}

	alloc := pool.NewPool(cfg.PoolMaxBytes)
	opts := pstream.OptionsFromConfig(cfg)
	p1, err := pstream.New(r, a, alloc, opts...)
	if err != nil {
		a.Close()
		b.Close()
		return err
	}
	defer p1.Unref()
	p2, err := pstream.New(r, b, alloc, opts...)
	if err != nil {
		b.Close()
		return err
	}
	defer p2.Unref()

	var fatal error
	for _, p := range []*pstream.Pstream{p1, p2} {
		p.SetDieCallback(func(err error) { fatal = err })
	}

	store.OnReload(func(c control.Config) {
		p1.SetHighWater(c.HighWater)
		p2.SetHighWater(c.HighWater)
		log.Info().Int("high_water", c.HighWater).Msg("configuration reloaded")
	})
	reload := reloadOnHangup(store)
	defer reload.stop()
	hooks := control.NewDebugHooks()
	control.RegisterPlatformHooks(hooks)
	pstream.RegisterHooks(p1, hooks, "p1")
	pstream.RegisterHooks(p2, hooks, "p2")

	if useSRB {
		sp, err := pool.NewSharedPool(cfg.SharedPoolSlot, cfg.SharedPoolSlots)
		if err != nil {
			return err
		}
		defer sp.Close()
		defer p2.Close()
		defer p1.Close()
		if err := upgrade(r, sp, cfg.SRBCapacity, p1, p2, a.SupportsAncil(), timeout); err != nil {
			return err
		}
		log.Info().Str("pool", sp.ID().String()).Int("capacity", cfg.SRBCapacity).Msg("upgraded to shared memory")
	}

	var got int
	var gotSum, wantSum uint64
	p2.SetReceivePacketCallback(func(p *packet.Packet, _ *api.Ancil) {
		got++
		gotSum += sum(p.Data())
	})

	start := time.Now()
	for i := 0; i < count; i++ {
		p, err := packet.New(alloc, size)
		if err != nil {
			return err
		}
		data := p.Data()
		for j := range data {
			data[j] = byte(i + j)
		}
		wantSum += sum(data)
		err = p1.SendPacket(p, nil, nil)
		p.Unref()
		if err != nil {
			return err
		}
	}
	if err := r.RunUntil(func() bool {
		reload.poll()
		return got == count || fatal != nil
	}, timeout); err != nil {
		return err
	}
	if fatal != nil {
		return fatal
	}
	elapsed := time.Since(start)

	metrics := control.NewMetricsRegistry()
	pstream.ExportMetrics(p1, metrics, "p1")
	pstream.ExportMetrics(p2, metrics, "p2")
	log.Debug().Interface("hooks", hooks.DumpState()).Msg("state")

	log.Info().
		Int("packets", got).
		Int("size", size).
		Uint64("sent_sum", wantSum).
		Uint64("recv_sum", gotSum).
		Str("transport", p1.Transport().String()).
		Dur("elapsed", elapsed).
		Interface("metrics", metrics.GetSnapshot()).
		Msg("done")
	if gotSum != wantSum {
		return fmt.Errorf("checksum mismatch: sent %d received %d", wantSum, gotSum)
	}
	return nil
}

// upgrade moves both streams to a ring buffer channel: through the template
// handshake when descriptors can be passed, directly otherwise.
func upgrade(r *reactor.Reactor, sp *pool.SharedPool, capacity int, p1, p2 *pstream.Pstream, ancil bool, timeout time.Duration) error {
	var err error
	if ancil {
		ch, cerr := srbchannel.New(r, sp, capacity)
		if cerr != nil {
			return cerr
		}
		p2.SetTemplateCallback(func(t *srbchannel.Template) {
			imp, ierr := srbchannel.NewFromTemplate(r, nil, t)
			if ierr != nil {
				err = ierr
				return
			}
			if aerr := p2.AcceptSRB(imp); aerr != nil {
				err = aerr
			}
		})
		if oerr := p1.OfferSRB(ch); oerr != nil {
			ch.Close()
			return oerr
		}
	} else {
		a, b, perr := srbchannel.NewPair(r, sp, capacity)
		if perr != nil {
			return perr
		}
		if serr := p1.SetSRBChannel(a); serr != nil {
			a.Close()
			b.Close()
			return serr
		}
		if serr := p2.SetSRBChannel(b); serr != nil {
			b.Close()
			return serr
		}
	}
	done := func() bool {
		return err != nil ||
			p1.Transport() == api.TransportSharedMemory && p2.Transport() == api.TransportSharedMemory
	}
	if rerr := r.RunUntil(done, timeout); rerr != nil {
		return rerr
	}
	return err
}

// hangupReload re-reads the configuration file on SIGHUP. Signals are
// picked up from the reactor loop so listeners run on the reactor thread.
type hangupReload struct {
	store *control.ConfigStore
	sig   chan os.Signal
}

func reloadOnHangup(store *control.ConfigStore) *hangupReload {
	h := &hangupReload{store: store, sig: make(chan os.Signal, 1)}
	signal.Notify(h.sig, unix.SIGHUP)
	return h
}

func (h *hangupReload) poll() {
	select {
	case <-h.sig:
		if err := h.store.Reload(); err != nil {
			log := logging.Component("loopback")
			log.Warn().Err(err).Msg("reload failed, keeping current configuration")
		}
	default:
	}
}

func (h *hangupReload) stop() { signal.Stop(h.sig) }

func sum(b []byte) uint64 {
	var s uint64
	for _, c := range b {
		s += uint64(c)
	}
	return s
}
