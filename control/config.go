// control/config.go
// Author: momentics <momentics@gmail.com>
//
// Engine configuration: defaults, TOML file loading, environment overrides,
// and a thread-safe store with reload listeners.

package control

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/momentics/hioload-pstream/api"
	"github.com/momentics/hioload-pstream/internal/logging"
)

// Environment overrides, applied after the file.
const (
	EnvMaxFrameSize = "PSTREAM_MAX_FRAME_SIZE"
	EnvHighWater    = "PSTREAM_HIGH_WATER"
	EnvSRBCapacity  = "PSTREAM_SRB_CAPACITY"
)

// Config carries every tunable of a pstream host.
type Config struct {
	MaxFrameSize    int    `toml:"max_frame_size"`
	MaxChannels     uint32 `toml:"max_channels"`
	HighWater       int    `toml:"high_water"`
	ReadBuffer      int    `toml:"read_buffer"`
	SRBCapacity     int    `toml:"srb_capacity"`
	SharedPoolSlot  int    `toml:"shared_pool_slot"`
	SharedPoolSlots int    `toml:"shared_pool_slots"`
	PoolMaxBytes    int64  `toml:"pool_max_bytes"`
	LogLevel        string `toml:"log_level"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		MaxFrameSize:    16 << 20,
		MaxChannels:     1024,
		HighWater:       4 << 20,
		ReadBuffer:      64 << 10,
		SRBCapacity:     64 << 10,
		SharedPoolSlot:  256 << 10,
		SharedPoolSlots: 16,
		PoolMaxBytes:    0,
		LogLevel:        "info",
	}
}

// LoadConfig reads path on top of the defaults. Keys missing from the file
// keep their default; environment overrides win over both.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		var raw Config
		meta, err := toml.DecodeFile(path, &raw)
		if err != nil {
			return Config{}, fmt.Errorf("load pstream config: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return Config{}, api.Errorf(api.ErrCodeInvalidArgument, "load pstream config: unknown key %q", undecoded[0].String())
		}
		if meta.IsDefined("max_frame_size") {
			cfg.MaxFrameSize = raw.MaxFrameSize
		}
		if meta.IsDefined("max_channels") {
			cfg.MaxChannels = raw.MaxChannels
		}
		if meta.IsDefined("high_water") {
			cfg.HighWater = raw.HighWater
		}
		if meta.IsDefined("read_buffer") {
			cfg.ReadBuffer = raw.ReadBuffer
		}
		if meta.IsDefined("srb_capacity") {
			cfg.SRBCapacity = raw.SRBCapacity
		}
		if meta.IsDefined("shared_pool_slot") {
			cfg.SharedPoolSlot = raw.SharedPoolSlot
		}
		if meta.IsDefined("shared_pool_slots") {
			cfg.SharedPoolSlots = raw.SharedPoolSlots
		}
		if meta.IsDefined("pool_max_bytes") {
			cfg.PoolMaxBytes = raw.PoolMaxBytes
		}
		if meta.IsDefined("log_level") {
			cfg.LogLevel = strings.TrimSpace(raw.LogLevel)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	for _, o := range []struct {
		key string
		dst *int
	}{
		{EnvMaxFrameSize, &c.MaxFrameSize},
		{EnvHighWater, &c.HighWater},
		{EnvSRBCapacity, &c.SRBCapacity},
	} {
		raw, ok := os.LookupEnv(o.key)
		if !ok || strings.TrimSpace(raw) == "" {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", o.key, err)
		}
		*o.dst = v
	}
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return api.Errorf(api.ErrCodeInvalidArgument, "config: "+format, args...)
	}
	switch {
	case c.MaxFrameSize <= 0:
		return bad("max_frame_size must be positive, got %d", c.MaxFrameSize)
	case c.MaxChannels == 0 || c.MaxChannels >= 0xFFFFFFFE:
		return bad("max_channels out of range: %d", c.MaxChannels)
	case c.HighWater <= 0:
		return bad("high_water must be positive, got %d", c.HighWater)
	case c.ReadBuffer < 512:
		return bad("read_buffer too small: %d", c.ReadBuffer)
	case c.SRBCapacity < 4096 || c.SRBCapacity&(c.SRBCapacity-1) != 0:
		return bad("srb_capacity must be a power of two >= 4096, got %d", c.SRBCapacity)
	case c.SharedPoolSlot < 64+2*c.SRBCapacity:
		return bad("shared_pool_slot %d cannot hold an srb channel of capacity %d", c.SharedPoolSlot, c.SRBCapacity)
	case c.SharedPoolSlots <= 0:
		return bad("shared_pool_slots must be positive, got %d", c.SharedPoolSlots)
	case c.PoolMaxBytes < 0:
		return bad("pool_max_bytes must not be negative, got %d", c.PoolMaxBytes)
	}
	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return bad("unknown log_level %q", c.LogLevel)
		}
	}
	return nil
}

// ConfigStore keeps the live configuration and notifies listeners on
// change.
type ConfigStore struct {
	mu        sync.RWMutex
	config    Config
	path      string
	listeners []func(Config)
}

// NewConfigStore initializes a store with cfg. path, if set, is re-read by
// Reload.
func NewConfigStore(cfg Config, path string) *ConfigStore {
	return &ConfigStore{config: cfg, path: path}
}

// Snapshot returns a copy of the current configuration.
func (cs *ConfigStore) Snapshot() Config {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.config
}

// Update validates and installs cfg, then runs listeners synchronously.
func (cs *ConfigStore) Update(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	cs.mu.Lock()
	cs.config = cfg
	listeners := append(([]func(Config))(nil), cs.listeners...)
	cs.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
	return nil
}

// Reload re-reads the backing file.
func (cs *ConfigStore) Reload() error {
	cs.mu.RLock()
	path := cs.path
	cs.mu.RUnlock()
	cfg, err := LoadConfig(path)
	if err != nil {
		return err
	}
	return cs.Update(cfg)
}

// OnReload registers a listener called with each new configuration.
func (cs *ConfigStore) OnReload(fn func(Config)) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.listeners = append(cs.listeners, fn)
}
