package pkg

import "errors"

// HECI bus errors.
var (
	// ErrInvalidHandle indicates a handle that does not map to a registered client.
	ErrInvalidHandle = errors.New("invalid client handle")

	// ErrOverflow indicates a logical message larger than the bus maximum.
	ErrOverflow = errors.New("message exceeds maximum size")

	// ErrNotConnected indicates the client has no active host connection.
	ErrNotConnected = errors.New("client is not connected")

	// ErrNoCredit indicates the host did not grant flow-control credit in time.
	ErrNoCredit = errors.New("no flow control credit from host")

	// ErrTooManySegments indicates a gather send with too many segments.
	ErrTooManySegments = errors.New("too many message segments")

	// ErrMalformedFragment indicates a fragment whose header does not match
	// the bytes delivered by the transport.
	ErrMalformedFragment = errors.New("malformed fragment")

	// ErrRegistryFull indicates no registry slot is available.
	ErrRegistryFull = errors.New("client registry full")

	// ErrTooManyConnections indicates a client requested more than one connection.
	ErrTooManyConnections = errors.New("too many connections requested")

	// ErrMessageTooLarge indicates a payload that does not fit its container.
	ErrMessageTooLarge = errors.New("payload too large")

	// ErrInitializeFailed indicates a client's initialize callback failed.
	ErrInitializeFailed = errors.New("client initialize failed")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrInvalidAddress indicates an address outside its permitted range.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrAlreadyRunning indicates the bus or host is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the bus or host is not running.
	ErrNotRunning = errors.New("not running")

	// ErrClosed indicates the transport channel was closed.
	ErrClosed = errors.New("channel closed")

	// ErrTimeout indicates an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrBufferTooSmall indicates the provided buffer is too small.
	ErrBufferTooSmall = errors.New("buffer too small")

	// ErrClientNotFound indicates the addressed firmware client does not exist.
	ErrClientNotFound = errors.New("client not found")

	// ErrAlreadyExists indicates the firmware client is already connected.
	ErrAlreadyExists = errors.New("connection already exists")

	// ErrRejected indicates the firmware rejected a connection.
	ErrRejected = errors.New("connection rejected")

	// ErrInactiveClient indicates the firmware client is inactive.
	ErrInactiveClient = errors.New("client inactive")

	// ErrVersionUnsupported indicates the firmware does not support the
	// requested bus message version.
	ErrVersionUnsupported = errors.New("bus version not supported")
)

// ConnectStatus is the status code carried by connect, disconnect and
// client-properties responses.
type ConnectStatus uint8

// Connect status values.
const (
	ConnectStatusSuccess          ConnectStatus = 0
	ConnectStatusClientNotFound   ConnectStatus = 1
	ConnectStatusAlreadyExists    ConnectStatus = 2
	ConnectStatusRejected         ConnectStatus = 3
	ConnectStatusInvalidParameter ConnectStatus = 4
	ConnectStatusInactiveClient   ConnectStatus = 5
)

// String returns a string representation of the connect status.
func (s ConnectStatus) String() string {
	switch s {
	case ConnectStatusSuccess:
		return "success"
	case ConnectStatusClientNotFound:
		return "client not found"
	case ConnectStatusAlreadyExists:
		return "already exists"
	case ConnectStatusRejected:
		return "rejected"
	case ConnectStatusInvalidParameter:
		return "invalid parameter"
	case ConnectStatusInactiveClient:
		return "inactive client"
	default:
		return "unknown"
	}
}

// Err returns the corresponding error for the connect status.
func (s ConnectStatus) Err() error {
	switch s {
	case ConnectStatusSuccess:
		return nil
	case ConnectStatusClientNotFound:
		return ErrClientNotFound
	case ConnectStatusAlreadyExists:
		return ErrAlreadyExists
	case ConnectStatusRejected:
		return ErrRejected
	case ConnectStatusInvalidParameter:
		return ErrInvalidParameter
	case ConnectStatusInactiveClient:
		return ErrInactiveClient
	default:
		return ErrRejected
	}
}
