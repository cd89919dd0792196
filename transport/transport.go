package transport

import (
	"context"
	"time"
)

// IPCMaxPayload is the largest delivery an ISH IPC channel carries.
const IPCMaxPayload = 128

// Peer identifies the far end of a channel.
type Peer uint8

// Known peers.
const (
	PeerHost Peer = iota // Host processor
	PeerPMC              // Power management controller
	PeerCSME             // Converged security and manageability engine
)

// String returns the peer name.
func (p Peer) String() string {
	switch p {
	case PeerHost:
		return "host"
	case PeerPMC:
		return "pmc"
	case PeerCSME:
		return "csme"
	default:
		return "unknown"
	}
}

// Protocol selects the protocol multiplexed on a peer link.
type Protocol uint8

// IPC protocol identifiers.
const (
	ProtocolBoot  Protocol = 0
	ProtocolHECI  Protocol = 1
	ProtocolMCTP  Protocol = 2
	ProtocolMNG   Protocol = 3
	ProtocolECP   Protocol = 4
	ProtocolCount Protocol = 5
)

// String returns the protocol name.
func (p Protocol) String() string {
	switch p {
	case ProtocolBoot:
		return "boot"
	case ProtocolHECI:
		return "heci"
	case ProtocolMCTP:
		return "mctp"
	case ProtocolMNG:
		return "mng"
	case ProtocolECP:
		return "ecp"
	default:
		return "unknown"
	}
}

// Transport opens channels to a peer.
type Transport interface {
	// Open returns a channel carrying protocol traffic to peer.
	Open(ctx context.Context, peer Peer, protocol Protocol) (Channel, error)
}

// Channel is an open, message-oriented link.
type Channel interface {
	// Read blocks until one delivery is available or the context is done.
	// It returns the number of bytes copied into buf. A delivery longer than
	// buf is truncated.
	Read(ctx context.Context, buf []byte) (int, error)

	// Write sends data as one delivery.
	// Returns the number of bytes written.
	Write(ctx context.Context, data []byte) (int, error)

	// MaxPayload returns the largest delivery the channel accepts.
	MaxPayload() int

	// Close releases the channel. Blocked reads return an error.
	Close() error
}

// TimestampWriter is implemented by channels that report when a delivery
// was handed to the peer.
type TimestampWriter interface {
	WriteTimestamp(ctx context.Context, data []byte) (int, time.Time, error)
}

// WriteTimestamp writes data on ch and returns the delivery time, using
// ch's own timestamp when it implements [TimestampWriter].
func WriteTimestamp(ctx context.Context, ch Channel, data []byte) (int, time.Time, error) {
	if tw, ok := ch.(TimestampWriter); ok {
		return tw.WriteTimestamp(ctx, data)
	}
	n, err := ch.Write(ctx, data)
	return n, time.Now(), err
}
