// Package pstream
// Author: momentics <momentics@gmail.com>
//
// Packet stream: an ordered, framed message channel over a byte stream
// (socket or pipe pair) or, after an upgrade, over a shared ring buffer
// channel.
//
// Every frame is a 20-byte header followed by its payload. Packet frames
// carry application messages, memblock frames carry chunks addressed to a
// numbered channel with a seek position, and control frames carry shared
// memory release/revoke notices and the ring buffer handshake. Descriptors
// and credentials ride beside the header as socket ancillary data.
//
// A stream belongs to one reactor and is not safe for concurrent use.
package pstream
