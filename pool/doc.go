// Package pool
// Author: momentics <momentics@gmail.com>
//
// Memory layer for hioload-pstream: reference-counted blocks handed out by a
// heap pool with power-of-two size classes, and by a memfd-backed shared pool
// whose slots can be exported to a peer process by descriptor.
// See bufferpool.go and shared_linux.go for implementation details.
package pool
