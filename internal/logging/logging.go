// Package logging configures the zerolog logger shared by every component.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Environment overrides read by Configure. EnvLogLevel also pins the level
// against SetLevel.
const (
	EnvLogLevel   = "PSTREAM_LOG_LEVEL"
	EnvLogNoColor = "PSTREAM_LOG_NOCOLOR"
)

// Profile selects the defaults Configure starts from.
type Profile int

const (
	// ProfileRuntime logs at info with timestamps.
	ProfileRuntime Profile = iota
	// ProfileTest logs at debug without timestamps.
	ProfileTest
)

var (
	configureOnce sync.Once
	mu            sync.RWMutex
	base          = zerolog.New(os.Stderr).With().Timestamp().Logger().Level(zerolog.InfoLevel)
)

// ConfigureRuntime configures logging for binaries.
func ConfigureRuntime() { Configure(ProfileRuntime) }

// ConfigureTests configures logging for test mains.
func ConfigureTests() { Configure(ProfileTest) }

// Configure installs the process logger once; later calls are no-ops.
func Configure(profile Profile) {
	configureOnce.Do(func() {
		level := zerolog.InfoLevel
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
		if profile == ProfileTest {
			level = zerolog.DebugLevel
			out.PartsExclude = []string{zerolog.TimestampFieldName}
		}
		if lvl, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
			level = lvl
		}
		if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
			out.NoColor = v
		}
		setBase(out, level)
	})
}

// SetOutput replaces the sink, keeping JSON encoding. Used by tools that
// want machine-readable logs.
func SetOutput(w io.Writer, level zerolog.Level) {
	setBase(w, level)
}

func setBase(w io.Writer, level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	base = zerolog.New(w).With().Timestamp().Logger().Level(level)
}

// SetLevel changes the level of the process logger unless the environment
// pins one.
func SetLevel(level zerolog.Level) {
	if _, ok := parseLevel(os.Getenv(EnvLogLevel)); ok {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	base = base.Level(level)
}

// Logger returns the process logger.
func Logger() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// Component returns the process logger tagged with a component name.
func Component(name string) zerolog.Logger {
	l := Logger()
	return l.With().Str("component", name).Logger()
}

// ParseLevel maps a textual level to a zerolog level.
func ParseLevel(raw string) (zerolog.Level, bool) { return parseLevel(raw) }

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
