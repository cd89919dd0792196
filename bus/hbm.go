package bus

import (
	"encoding/binary"

	"github.com/google/uuid"

	"github.com/ardnew/softheci/pkg"
)

// Command is a bus manager command code.
type Command uint8

// Bus manager commands. Responses carry the request code with
// CommandResponse set.
const (
	CommandVersion          Command = 0x01
	CommandHostStop         Command = 0x02
	CommandMEStop           Command = 0x03
	CommandEnumerate        Command = 0x04
	CommandClientProperties Command = 0x05
	CommandConnect          Command = 0x06
	CommandDisconnect       Command = 0x07
	CommandFlowControl      Command = 0x08
	CommandReset            Command = 0x09
	CommandAddClient        Command = 0x0A

	// DMA commands are reserved. The bus never handles them.
	CommandDMARequest     Command = 0x10
	CommandDMAAllocNotify Command = 0x11
	CommandDMAXferRequest Command = 0x12
	CommandDMAXferAck     Command = 0x13

	CommandResponse Command = 0x80
)

// Response returns the response code for c.
func (c Command) Response() Command {
	return c | CommandResponse
}

// IsResponse reports whether c has the response bit set.
func (c Command) IsResponse() bool {
	return c&CommandResponse != 0
}

// Request returns c with the response bit cleared.
func (c Command) Request() Command {
	return c &^ CommandResponse
}

// String returns the command name.
func (c Command) String() string {
	name := "unknown"
	switch c.Request() {
	case CommandVersion:
		name = "version"
	case CommandHostStop:
		name = "host-stop"
	case CommandMEStop:
		name = "me-stop"
	case CommandEnumerate:
		name = "enumerate"
	case CommandClientProperties:
		name = "client-properties"
	case CommandConnect:
		name = "connect"
	case CommandDisconnect:
		name = "disconnect"
	case CommandFlowControl:
		name = "flow-control"
	case CommandReset:
		name = "reset"
	case CommandAddClient:
		name = "add-client"
	case CommandDMARequest:
		name = "dma-request"
	case CommandDMAAllocNotify:
		name = "dma-alloc-notify"
	case CommandDMAXferRequest:
		name = "dma-xfer-request"
	case CommandDMAXferAck:
		name = "dma-xfer-ack"
	}
	if c.IsResponse() {
		return name + "-response"
	}
	return name
}

// Bus manager message sizes, including the command byte.
const (
	VersionRequestSize          = 4
	VersionResponseSize         = 4
	EnumerateRequestSize        = 4
	EnumerateResponseSize       = 36
	ClientPropertiesRequestSize = 4
	ClientPropertiesRecordSize  = 28
	ClientPropertiesSize        = 4 + ClientPropertiesRecordSize
	ConnectRequestSize          = 4
	ConnectResponseSize         = 4
	DisconnectRequestSize       = 4
	DisconnectResponseSize      = 4
	FlowControlSize             = 8
	HostStopRequestSize         = 4
	HostStopResponseSize        = 4

	// EnumerateBitmapSize is the size of the enumerate address bitmap.
	EnumerateBitmapSize = 32
)

// requestSize returns the exact length of a host request, or false for
// commands the bus does not handle.
func requestSize(c Command) (int, bool) {
	switch c {
	case CommandVersion:
		return VersionRequestSize, true
	case CommandEnumerate:
		return EnumerateRequestSize, true
	case CommandClientProperties:
		return ClientPropertiesRequestSize, true
	case CommandConnect:
		return ConnectRequestSize, true
	case CommandDisconnect:
		return DisconnectRequestSize, true
	case CommandFlowControl:
		return FlowControlSize, true
	case CommandHostStop:
		return HostStopRequestSize, true
	default:
		return 0, false
	}
}

// VersionRequest asks whether the firmware supports a bus version.
type VersionRequest struct {
	Major uint8
	Minor uint8
}

// MarshalTo writes the request to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *VersionRequest) MarshalTo(buf []byte) int {
	if len(buf) < VersionRequestSize {
		return 0
	}
	buf[0] = byte(CommandVersion)
	buf[1] = 0
	buf[2] = r.Minor
	buf[3] = r.Major
	return VersionRequestSize
}

// ParseVersionRequest parses a version request.
func ParseVersionRequest(data []byte, out *VersionRequest) bool {
	if len(data) < VersionRequestSize || Command(data[0]) != CommandVersion {
		return false
	}
	out.Minor = data[2]
	out.Major = data[3]
	return true
}

// VersionResponse reports the firmware's bus version.
type VersionResponse struct {
	Supported bool
	Major     uint8
	Minor     uint8
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *VersionResponse) MarshalTo(buf []byte) int {
	if len(buf) < VersionResponseSize {
		return 0
	}
	buf[0] = byte(CommandVersion.Response())
	buf[1] = boolByte(r.Supported)
	buf[2] = r.Minor
	buf[3] = r.Major
	return VersionResponseSize
}

// ParseVersionResponse parses a version response.
func ParseVersionResponse(data []byte, out *VersionResponse) bool {
	if len(data) < VersionResponseSize || Command(data[0]) != CommandVersion.Response() {
		return false
	}
	out.Supported = data[1] != 0
	out.Minor = data[2]
	out.Major = data[3]
	return true
}

// EnumerateResponse carries the bitmap of registered dynamic clients.
// Bit n of byte n/8 is set when address DynamicClientStart+n is registered.
type EnumerateResponse struct {
	Bitmap [EnumerateBitmapSize]byte
}

// Set marks addr as registered. Addresses outside the dynamic range are
// ignored.
func (r *EnumerateResponse) Set(addr uint8) {
	if !IsDynamicAddress(addr) {
		return
	}
	n := addr - DynamicClientStart
	r.Bitmap[n/8] |= 1 << (n % 8)
}

// Has reports whether addr is marked.
func (r *EnumerateResponse) Has(addr uint8) bool {
	if !IsDynamicAddress(addr) {
		return false
	}
	n := addr - DynamicClientStart
	return r.Bitmap[n/8]&(1<<(n%8)) != 0
}

// Addresses returns the marked addresses in ascending order.
func (r *EnumerateResponse) Addresses() []uint8 {
	var addrs []uint8
	for n := 0; n < MaxDynamicClients; n++ {
		if r.Bitmap[n/8]&(1<<(n%8)) != 0 {
			addrs = append(addrs, DynamicClientStart+uint8(n))
		}
	}
	return addrs
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *EnumerateResponse) MarshalTo(buf []byte) int {
	if len(buf) < EnumerateResponseSize {
		return 0
	}
	buf[0] = byte(CommandEnumerate.Response())
	buf[1], buf[2], buf[3] = 0, 0, 0
	copy(buf[4:], r.Bitmap[:])
	return EnumerateResponseSize
}

// ParseEnumerateResponse parses an enumerate response.
func ParseEnumerateResponse(data []byte, out *EnumerateResponse) bool {
	if len(data) < EnumerateResponseSize || Command(data[0]) != CommandEnumerate.Response() {
		return false
	}
	copy(out.Bitmap[:], data[4:EnumerateResponseSize])
	return true
}

// ClientProperties is the descriptor record advertised for a client.
//
// ProtocolID is encoded in GUID layout: the first three fields are
// little-endian, the remaining eight bytes are copied as is.
type ClientProperties struct {
	ProtocolID      uuid.UUID
	ProtocolVersion uint8
	MaxConnections  uint8
	MaxMessageSize  uint32
	DMAHeaderLength uint8 // 7 bits
	DMAEnabled      bool
}

const dmaEnabledBit = 0x80

// MarshalTo writes the 28-byte record to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (p *ClientProperties) MarshalTo(buf []byte) int {
	if len(buf) < ClientPropertiesRecordSize {
		return 0
	}
	putGUID(buf[0:16], p.ProtocolID)
	buf[16] = p.ProtocolVersion
	buf[17] = p.MaxConnections
	buf[18], buf[19] = 0, 0
	binary.LittleEndian.PutUint32(buf[20:24], p.MaxMessageSize)
	buf[24] = p.DMAHeaderLength &^ dmaEnabledBit
	if p.DMAEnabled {
		buf[24] |= dmaEnabledBit
	}
	buf[25], buf[26], buf[27] = 0, 0, 0
	return ClientPropertiesRecordSize
}

// ParseClientPropertiesRecord parses a 28-byte record.
func ParseClientPropertiesRecord(data []byte, out *ClientProperties) bool {
	if len(data) < ClientPropertiesRecordSize {
		return false
	}
	out.ProtocolID = getGUID(data[0:16])
	out.ProtocolVersion = data[16]
	out.MaxConnections = data[17]
	out.MaxMessageSize = binary.LittleEndian.Uint32(data[20:24])
	out.DMAHeaderLength = data[24] &^ dmaEnabledBit
	out.DMAEnabled = data[24]&dmaEnabledBit != 0
	return true
}

// putGUID writes id in GUID mixed-endian layout.
func putGUID(buf []byte, id uuid.UUID) {
	binary.LittleEndian.PutUint32(buf[0:4], binary.BigEndian.Uint32(id[0:4]))
	binary.LittleEndian.PutUint16(buf[4:6], binary.BigEndian.Uint16(id[4:6]))
	binary.LittleEndian.PutUint16(buf[6:8], binary.BigEndian.Uint16(id[6:8]))
	copy(buf[8:16], id[8:16])
}

// getGUID reads an id written by putGUID.
func getGUID(buf []byte) uuid.UUID {
	var id uuid.UUID
	binary.BigEndian.PutUint32(id[0:4], binary.LittleEndian.Uint32(buf[0:4]))
	binary.BigEndian.PutUint16(id[4:6], binary.LittleEndian.Uint16(buf[4:6]))
	binary.BigEndian.PutUint16(id[6:8], binary.LittleEndian.Uint16(buf[6:8]))
	copy(id[8:16], buf[8:16])
	return id
}

// ClientPropertiesRequest asks for the properties of one client.
type ClientPropertiesRequest struct {
	Address uint8
}

// MarshalTo writes the request to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ClientPropertiesRequest) MarshalTo(buf []byte) int {
	if len(buf) < ClientPropertiesRequestSize {
		return 0
	}
	buf[0] = byte(CommandClientProperties)
	buf[1] = r.Address
	buf[2], buf[3] = 0, 0
	return ClientPropertiesRequestSize
}

// ParseClientPropertiesRequest parses a client-properties request.
func ParseClientPropertiesRequest(data []byte, out *ClientPropertiesRequest) bool {
	if len(data) < ClientPropertiesRequestSize || Command(data[0]) != CommandClientProperties {
		return false
	}
	out.Address = data[1]
	return true
}

// ClientPropertiesResponse answers a client-properties request. Properties
// is zero unless Status is success.
type ClientPropertiesResponse struct {
	Address    uint8
	Status     pkg.ConnectStatus
	Properties ClientProperties
}

// MarshalTo writes the response to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *ClientPropertiesResponse) MarshalTo(buf []byte) int {
	if len(buf) < ClientPropertiesSize {
		return 0
	}
	buf[0] = byte(CommandClientProperties.Response())
	buf[1] = r.Address
	buf[2] = byte(r.Status)
	buf[3] = 0
	if r.Status == pkg.ConnectStatusSuccess {
		r.Properties.MarshalTo(buf[4:])
	} else {
		clear(buf[4:ClientPropertiesSize])
	}
	return ClientPropertiesSize
}

// ParseClientPropertiesResponse parses a client-properties response.
func ParseClientPropertiesResponse(data []byte, out *ClientPropertiesResponse) bool {
	if len(data) < ClientPropertiesSize || Command(data[0]) != CommandClientProperties.Response() {
		return false
	}
	out.Address = data[1]
	out.Status = pkg.ConnectStatus(data[2])
	return ParseClientPropertiesRecord(data[4:], &out.Properties)
}

// ConnectMessage is the body shared by connect and disconnect requests and
// responses. Status is zero in requests.
type ConnectMessage struct {
	Command  Command
	FWAddr   uint8
	HostAddr uint8
	Status   pkg.ConnectStatus
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *ConnectMessage) MarshalTo(buf []byte) int {
	if len(buf) < ConnectRequestSize {
		return 0
	}
	buf[0] = byte(m.Command)
	buf[1] = m.FWAddr
	buf[2] = m.HostAddr
	buf[3] = byte(m.Status)
	return ConnectRequestSize
}

// ParseConnectMessage parses a connect or disconnect message.
func ParseConnectMessage(data []byte, out *ConnectMessage) bool {
	if len(data) < ConnectRequestSize {
		return false
	}
	switch Command(data[0]).Request() {
	case CommandConnect, CommandDisconnect:
	default:
		return false
	}
	out.Command = Command(data[0])
	out.FWAddr = data[1]
	out.HostAddr = data[2]
	out.Status = pkg.ConnectStatus(data[3])
	return true
}

// FlowControl grants one credit for the addressed connection.
type FlowControl struct {
	FWAddr   uint8
	HostAddr uint8
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *FlowControl) MarshalTo(buf []byte) int {
	if len(buf) < FlowControlSize {
		return 0
	}
	buf[0] = byte(CommandFlowControl)
	buf[1] = m.FWAddr
	buf[2] = m.HostAddr
	clear(buf[3:FlowControlSize])
	return FlowControlSize
}

// ParseFlowControl parses a flow-control message.
func ParseFlowControl(data []byte, out *FlowControl) bool {
	if len(data) < FlowControlSize || Command(data[0]) != CommandFlowControl {
		return false
	}
	out.FWAddr = data[1]
	out.HostAddr = data[2]
	return true
}

// HostStopRequest tells the firmware the host driver is stopping.
type HostStopRequest struct {
	Reason uint8
}

// MarshalTo writes the request to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (r *HostStopRequest) MarshalTo(buf []byte) int {
	if len(buf) < HostStopRequestSize {
		return 0
	}
	buf[0] = byte(CommandHostStop)
	buf[1] = r.Reason
	buf[2], buf[3] = 0, 0
	return HostStopRequestSize
}

// ParseHostStopRequest parses a host-stop request.
func ParseHostStopRequest(data []byte, out *HostStopRequest) bool {
	if len(data) < HostStopRequestSize || Command(data[0]) != CommandHostStop {
		return false
	}
	out.Reason = data[1]
	return true
}

// marshalCommand writes a command byte followed by size-1 zero bytes.
func marshalCommand(buf []byte, c Command, size int) int {
	if len(buf) < size {
		return 0
	}
	buf[0] = byte(c)
	clear(buf[1:size])
	return size
}

// MarshalEnumerateRequest writes an enumerate request to buf.
func MarshalEnumerateRequest(buf []byte) int {
	return marshalCommand(buf, CommandEnumerate, EnumerateRequestSize)
}

// MarshalHostStopResponse writes a host-stop response to buf.
func MarshalHostStopResponse(buf []byte) int {
	return marshalCommand(buf, CommandHostStop.Response(), HostStopResponseSize)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
