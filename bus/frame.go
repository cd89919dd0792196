package bus

import (
	"encoding/binary"
	"fmt"

	"github.com/ardnew/softheci/pkg"
)

// Header length field layout.
const (
	lengthMask = 0x01FF // bits 0-8: byte count
	lengthLast = 0x8000 // bit 15: message complete
)

// Fragment is one HECI transport unit.
//
// FWAddr is the firmware-side address and HostAddr the host-side address
// regardless of direction. For inbound fragments FWAddr is the destination;
// for outbound fragments it is the source.
type Fragment struct {
	FWAddr   uint8
	HostAddr uint8
	Payload  []byte
	Last     bool
}

// Size returns the encoded size of the fragment.
func (f *Fragment) Size() int {
	return HeaderSize + len(f.Payload)
}

// MarshalTo writes the fragment to buf.
// Returns the number of bytes written, or 0 if buf is too small or the
// payload exceeds FragmentPayloadMax.
func (f *Fragment) MarshalTo(buf []byte) int {
	if len(f.Payload) > FragmentPayloadMax || len(buf) < f.Size() {
		return 0
	}
	length := uint16(len(f.Payload))
	if f.Last {
		length |= lengthLast
	}
	buf[0] = f.FWAddr
	buf[1] = f.HostAddr
	binary.LittleEndian.PutUint16(buf[2:4], length)
	copy(buf[HeaderSize:], f.Payload)
	return f.Size()
}

// Encode returns the wire form of a fragment.
func Encode(fwAddr, hostAddr uint8, payload []byte, last bool) ([]byte, error) {
	f := Fragment{FWAddr: fwAddr, HostAddr: hostAddr, Payload: payload, Last: last}
	if len(payload) > FragmentPayloadMax {
		return nil, fmt.Errorf("%w: fragment payload %d > %d",
			pkg.ErrMessageTooLarge, len(payload), FragmentPayloadMax)
	}
	buf := make([]byte, f.Size())
	f.MarshalTo(buf)
	return buf, nil
}

// Decode parses one transport delivery. The declared byte count must match
// the bytes delivered exactly. Reserved length bits are ignored. The
// returned payload aliases data.
func Decode(data []byte, out *Fragment) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: %d bytes is shorter than header",
			pkg.ErrMalformedFragment, len(data))
	}
	length := binary.LittleEndian.Uint16(data[2:4])
	count := int(length & lengthMask)
	if HeaderSize+count != len(data) {
		return fmt.Errorf("%w: header declares %d bytes, delivered %d",
			pkg.ErrMalformedFragment, count, len(data)-HeaderSize)
	}
	out.FWAddr = data[0]
	out.HostAddr = data[1]
	out.Payload = data[HeaderSize:]
	out.Last = length&lengthLast != 0
	return nil
}
