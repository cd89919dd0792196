package sysstate

import "encoding/binary"

// Command is a system state message code. It is the first little-endian
// u32 of every message.
type Command uint32

// System state commands.
const (
	CommandSubscribe          Command = 1
	CommandStatus             Command = 2
	CommandQuerySubscribers   Command = 3
	CommandStateChangeRequest Command = 4
)

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandSubscribe:
		return "subscribe"
	case CommandStatus:
		return "status"
	case CommandQuerySubscribers:
		return "query-subscribers"
	case CommandStateChangeRequest:
		return "state-change-request"
	default:
		return "unknown"
	}
}

// State bits.
const (
	StateSuspend uint32 = 1 << 1

	// SupportedStates lists the states the service acts on.
	SupportedStates = StateSuspend
)

// Message sizes.
const (
	CommandSize            = 4
	SubscribeSize          = 12
	StatusSize             = 16
	StateChangeRequestSize = 8
)

// ParseCommand returns the command code of a message.
func ParseCommand(data []byte) (Command, bool) {
	if len(data) < CommandSize {
		return 0, false
	}
	return Command(binary.LittleEndian.Uint32(data)), true
}

// Subscribe announces the states the firmware wants notifications for.
type Subscribe struct {
	CommandStatus uint32
	States        uint32
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *Subscribe) MarshalTo(buf []byte) int {
	if len(buf) < SubscribeSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:], uint32(CommandSubscribe))
	binary.LittleEndian.PutUint32(buf[4:], m.CommandStatus)
	binary.LittleEndian.PutUint32(buf[8:], m.States)
	return SubscribeSize
}

// ParseSubscribe parses a subscribe message.
func ParseSubscribe(data []byte, out *Subscribe) bool {
	if cmd, ok := ParseCommand(data); !ok || cmd != CommandSubscribe || len(data) < SubscribeSize {
		return false
	}
	out.CommandStatus = binary.LittleEndian.Uint32(data[4:])
	out.States = binary.LittleEndian.Uint32(data[8:])
	return true
}

// Status reports the current system states.
type Status struct {
	CommandStatus   uint32
	SupportedStates uint32
	States          uint32
}

// Suspended reports whether the suspend bit is set.
func (m *Status) Suspended() bool {
	return m.States&StateSuspend != 0
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *Status) MarshalTo(buf []byte) int {
	if len(buf) < StatusSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:], uint32(CommandStatus))
	binary.LittleEndian.PutUint32(buf[4:], m.CommandStatus)
	binary.LittleEndian.PutUint32(buf[8:], m.SupportedStates)
	binary.LittleEndian.PutUint32(buf[12:], m.States)
	return StatusSize
}

// ParseStatus parses a status message.
func ParseStatus(data []byte, out *Status) bool {
	if cmd, ok := ParseCommand(data); !ok || cmd != CommandStatus || len(data) < StatusSize {
		return false
	}
	out.CommandStatus = binary.LittleEndian.Uint32(data[4:])
	out.SupportedStates = binary.LittleEndian.Uint32(data[8:])
	out.States = binary.LittleEndian.Uint32(data[12:])
	return true
}

// StateChangeRequest asks the service to enter States.
type StateChangeRequest struct {
	States uint32
}

// MarshalTo writes the message to buf.
// Returns the number of bytes written, or 0 if buf is too small.
func (m *StateChangeRequest) MarshalTo(buf []byte) int {
	if len(buf) < StateChangeRequestSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf[0:], uint32(CommandStateChangeRequest))
	binary.LittleEndian.PutUint32(buf[4:], m.States)
	return StateChangeRequestSize
}

// ParseStateChangeRequest parses a state change request.
func ParseStateChangeRequest(data []byte, out *StateChangeRequest) bool {
	if cmd, ok := ParseCommand(data); !ok || cmd != CommandStateChangeRequest || len(data) < StateChangeRequestSize {
		return false
	}
	out.States = binary.LittleEndian.Uint32(data[4:])
	return true
}

// MarshalQuerySubscribers writes a query-subscribers message to buf.
func MarshalQuerySubscribers(buf []byte) int {
	if len(buf) < CommandSize {
		return 0
	}
	binary.LittleEndian.PutUint32(buf, uint32(CommandQuerySubscribers))
	return CommandSize
}
