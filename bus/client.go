package bus

import "github.com/google/uuid"

// Client receives traffic for a registered dynamic client.
//
// Both callbacks run on the dispatcher goroutine. msg is only valid for the
// duration of OnMessage.
type Client interface {
	// OnMessage is called with each complete inbound message.
	OnMessage(h Handle, msg []byte)

	// OnDisconnect is called once when the host disconnects the client.
	OnDisconnect(h Handle)
}

// Initializer is implemented by clients that need setup at registration.
// A non-nil error rolls the registration back.
type Initializer interface {
	Initialize(h Handle) error
}

// Suspender is implemented by clients that react to system suspend.
type Suspender interface {
	OnSuspend(h Handle)
}

// Resumer is implemented by clients that react to system resume.
type Resumer interface {
	OnResume(h Handle)
}

// NopClient ignores all callbacks. Embed it to implement only the callbacks
// a client needs.
type NopClient struct{}

// OnMessage does nothing.
func (NopClient) OnMessage(Handle, []byte) {}

// OnDisconnect does nothing.
func (NopClient) OnDisconnect(Handle) {}

// ClientFuncs adapts plain functions to [Client]. Nil fields are ignored.
type ClientFuncs struct {
	Message    func(h Handle, msg []byte)
	Disconnect func(h Handle)
}

// OnMessage calls f.Message.
func (f ClientFuncs) OnMessage(h Handle, msg []byte) {
	if f.Message != nil {
		f.Message(h, msg)
	}
}

// OnDisconnect calls f.Disconnect.
func (f ClientFuncs) OnDisconnect(h Handle) {
	if f.Disconnect != nil {
		f.Disconnect(h)
	}
}

// Descriptor describes a dynamic client. It is immutable once registered.
type Descriptor struct {
	ProtocolID      uuid.UUID
	ProtocolVersion uint8

	// MaxConnections must be 0 or 1.
	MaxConnections uint8

	// MaxMessageSize must not exceed the bus message limit.
	MaxMessageSize uint32

	// DMA fields are advertised only.
	DMAHeaderLength uint8
	DMAEnabled      bool

	Client Client
}

// Properties returns the record advertised to the host.
func (d *Descriptor) Properties() ClientProperties {
	return ClientProperties{
		ProtocolID:      d.ProtocolID,
		ProtocolVersion: d.ProtocolVersion,
		MaxConnections:  d.MaxConnections,
		MaxMessageSize:  d.MaxMessageSize,
		DMAHeaderLength: d.DMAHeaderLength,
		DMAEnabled:      d.DMAEnabled,
	}
}

// FixedHandler receives messages sent by the host to a fixed address.
// payload is only valid for the duration of the call.
type FixedHandler interface {
	HandleFixed(addr uint8, payload []byte)
}

// FixedHandlerFunc adapts a function to [FixedHandler].
type FixedHandlerFunc func(addr uint8, payload []byte)

// HandleFixed calls f.
func (f FixedHandlerFunc) HandleFixed(addr uint8, payload []byte) {
	f(addr, payload)
}

// PowerSubscriber receives system power transitions.
type PowerSubscriber interface {
	Suspend()
	Resume()
}

// PowerBroadcaster distributes system power transitions to subscribers.
type PowerBroadcaster interface {
	Subscribe(s PowerSubscriber) error
}

// powerClient forwards power transitions to a client's optional callbacks.
type powerClient struct {
	handle Handle
	client Client
}

func (p *powerClient) Suspend() {
	if s, ok := p.client.(Suspender); ok {
		s.OnSuspend(p.handle)
	}
}

func (p *powerClient) Resume() {
	if r, ok := p.client.(Resumer); ok {
		r.OnResume(p.handle)
	}
}
