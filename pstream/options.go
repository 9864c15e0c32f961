// File: pstream/options.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pstream

import (
	"github.com/rs/zerolog"

	"github.com/momentics/hioload-pstream/control"
)

// Options tune one stream.
type Options struct {
	// MaxFrameSize bounds the payload a peer may announce.
	MaxFrameSize int
	// MaxChannels bounds memblock channel numbers.
	MaxChannels uint32
	// HighWater bounds bytes written to the byte stream between two drain
	// notifications, and queued bytes before Congested reports true.
	HighWater int
	// ReadBuffer sizes the byte stream read buffer. Payload remainders at
	// least this large are read straight into the packet.
	ReadBuffer int
	// Logger overrides the component logger.
	Logger *zerolog.Logger
}

// Option mutates Options.
type Option func(*Options)

// DefaultOptions mirrors control.DefaultConfig.
func DefaultOptions() Options {
	cfg := control.DefaultConfig()
	return Options{
		MaxFrameSize: cfg.MaxFrameSize,
		MaxChannels:  cfg.MaxChannels,
		HighWater:    cfg.HighWater,
		ReadBuffer:   cfg.ReadBuffer,
	}
}

// WithMaxFrameSize sets Options.MaxFrameSize.
func WithMaxFrameSize(n int) Option { return func(o *Options) { o.MaxFrameSize = n } }

// WithMaxChannels sets Options.MaxChannels.
func WithMaxChannels(n uint32) Option { return func(o *Options) { o.MaxChannels = n } }

// WithHighWater sets Options.HighWater.
func WithHighWater(n int) Option { return func(o *Options) { o.HighWater = n } }

// WithReadBuffer sets Options.ReadBuffer.
func WithReadBuffer(n int) Option { return func(o *Options) { o.ReadBuffer = n } }

// WithLogger sets Options.Logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = &l } }

// OptionsFromConfig converts a validated configuration.
func OptionsFromConfig(cfg control.Config) []Option {
	return []Option{
		WithMaxFrameSize(cfg.MaxFrameSize),
		WithMaxChannels(cfg.MaxChannels),
		WithHighWater(cfg.HighWater),
		WithReadBuffer(cfg.ReadBuffer),
	}
}
