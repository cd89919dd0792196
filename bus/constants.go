package bus

import (
	"time"

	"github.com/ardnew/softheci/transport"
)

// Fragment limits.
const (
	// HeaderSize is the size of the HECI fragment header.
	HeaderSize = 4

	// FragmentPayloadMax is the largest payload carried by one fragment.
	FragmentPayloadMax = transport.IPCMaxPayload - HeaderSize

	// MaxMessageSize is the largest logical message the bus accepts.
	MaxMessageSize = 4960

	// MaxGatherSegments is the most segments accepted by SendGather.
	MaxGatherSegments = 3
)

// Address space.
const (
	AddressBusManager  uint8 = 0x00
	FixedClientStart   uint8 = 0x01
	FixedClientEnd     uint8 = 0x1F
	DynamicClientStart uint8 = 0x20
	DynamicClientEnd   uint8 = 0xFE
	AddressInvalid     uint8 = 0xFF

	// AddressSystemState is the fixed client carrying system state events.
	AddressSystemState uint8 = 13
)

// Registry limits.
const (
	// DefaultMaxClients is the default registry capacity.
	DefaultMaxClients = 2

	// MaxDynamicClients is the size of the dynamic address range.
	MaxDynamicClients = int(DynamicClientEnd-DynamicClientStart) + 1
)

// Bus manager protocol version.
const (
	HBMMajorVersion = 1
	HBMMinorVersion = 0
)

// DefaultCreditTimeout bounds the wait for outbound flow-control credit.
const DefaultCreditTimeout = time.Second

// Handle identifies a registered client. It equals the client's address.
type Handle uint8

// InvalidHandle is never assigned to a client.
const InvalidHandle Handle = Handle(AddressInvalid)

// Address returns the firmware address of h.
func (h Handle) Address() uint8 {
	return uint8(h)
}

// IsFixedAddress reports whether addr is in the fixed client range.
func IsFixedAddress(addr uint8) bool {
	return addr >= FixedClientStart && addr <= FixedClientEnd
}

// IsDynamicAddress reports whether addr is in the dynamic client range.
func IsDynamicAddress(addr uint8) bool {
	return addr >= DynamicClientStart && addr <= DynamicClientEnd
}
