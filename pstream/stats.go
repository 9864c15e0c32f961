//go:build linux

// File: pstream/stats.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pstream

import (
	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/control"
)

type counters struct {
	framesIn, framesOut uint64
	bytesIn, bytesOut   uint64
}

// Stats is a point-in-time view of a stream.
type Stats struct {
	State          string
	Transport      string
	FramesIn       uint64
	FramesOut      uint64
	BytesIn        uint64
	BytesOut       uint64
	QueueDepth     int
	QueuedBytes    int
	InFlight       int
	Congested      bool
	UpgradePending bool
	DeadCause      string
}

// Stats returns current counters. Call it from the reactor thread.
func (p *Pstream) Stats() Stats {
	s := Stats{
		State:          p.state.String(),
		Transport:      p.Transport().String(),
		FramesIn:       p.stats.framesIn,
		FramesOut:      p.stats.framesOut,
		BytesIn:        p.stats.bytesIn,
		BytesOut:       p.stats.bytesOut,
		QueueDepth:     p.queue.Length(),
		QueuedBytes:    p.queued,
		InFlight:       p.inFlight,
		Congested:      p.Congested(),
		UpgradePending: p.IsUpgradePending(),
	}
	if p.srb != nil && p.state != api.StreamDead {
		s.InFlight = p.srb.Pending()
	}
	if p.deadErr != nil {
		s.DeadCause = p.deadErr.Error()
	}
	return s
}

// RegisterHooks publishes the stream under name. Hooks read live state
// and must be dumped from the reactor thread.
func RegisterHooks(p *Pstream, dp *control.DebugHooks, name string) {
	dp.RegisterHook(name+".stats", func() any { return p.Stats() })
	dp.RegisterHook(name+".state", func() any { return p.state.String() })
}

// ExportMetrics copies the counters into mr under name.
func ExportMetrics(p *Pstream, mr *control.MetricsRegistry, name string) {
	s := p.Stats()
	mr.Set(name+".state", s.State)
	mr.Set(name+".transport", s.Transport)
	mr.Set(name+".frames_in", s.FramesIn)
	mr.Set(name+".frames_out", s.FramesOut)
	mr.Set(name+".bytes_in", s.BytesIn)
	mr.Set(name+".bytes_out", s.BytesOut)
	mr.Set(name+".queue_depth", s.QueueDepth)
	mr.Set(name+".in_flight", s.InFlight)
}
