// File: api/types.go
// Author: momentics <momentics@gmail.com>
//
// Shared API-level type declarations and constants.

package api

// StreamState enumerates the lifecycle of a packet stream.
type StreamState int

const (
	StreamConnecting StreamState = iota
	StreamActive
	StreamDead
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamActive:
		return "active"
	case StreamDead:
		return "dead"
	default:
		return "unknown"
	}
}

// TransportKind tells which transport currently carries a stream's frames.
type TransportKind int

const (
	TransportByteStream TransportKind = iota
	TransportSharedMemory
)

func (k TransportKind) String() string {
	if k == TransportSharedMemory {
		return "shared-memory"
	}
	return "byte-stream"
}

// SeekMode tells the receiver how to place a memblock frame's offset.
type SeekMode uint8

const (
	SeekRelative SeekMode = iota
	SeekAbsolute
	SeekRelativeOnRead
	SeekRelativeEnd
)

// Valid reports whether m is a known seek mode.
func (m SeekMode) Valid() bool { return m <= SeekRelativeEnd }
