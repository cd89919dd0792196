// Package transport defines the point-to-point channel interface the HECI bus
// runs on.
//
// A transport delivers opaque byte buffers in order, one delivery per Read,
// and never delivers more than [Channel.MaxPayload] bytes at a time. On ISH
// hardware this is the IPC doorbell and its 128-byte message region; in this
// repository it is provided by an in-process pipe ([github.com/ardnew/softheci/transport/mem])
// or by named pipes ([github.com/ardnew/softheci/transport/fifo]).
//
// # Interface Overview
//
// The [Transport] opens a [Channel] for a peer and protocol. The bus holds
// exactly one channel and owns its read side from a single goroutine; writes
// may come from any goroutine and must be safe for concurrent use.
//
// Read blocks until a delivery arrives or the context is done. A context
// without a deadline is the "wait forever" case.
//
// # Timestamps
//
// Channels that can capture the time a delivery left the transport implement
// [TimestampWriter]. Callers fall back to the time Write returned when it is
// not implemented.
package transport
