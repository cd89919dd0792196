package bus

import (
	"fmt"

	"github.com/ardnew/softheci/pkg"
)

// ClientInfo is a read-only view of a registered client.
type ClientInfo struct {
	Handle     Handle
	Descriptor Descriptor
	Connected  bool
	HostAddr   uint8
}

// Register adds a dynamic client and returns its handle. Registration must
// happen before Start and is not safe for concurrent use.
//
// On failure it returns InvalidHandle and leaves the registry unchanged.
func (b *Bus) Register(desc Descriptor) (Handle, error) {
	b.mutex.RLock()
	running := b.running
	power := b.power
	b.mutex.RUnlock()

	switch {
	case running:
		return InvalidHandle, pkg.ErrAlreadyRunning
	case desc.Client == nil:
		return InvalidHandle, fmt.Errorf("%w: nil client", pkg.ErrInvalidParameter)
	case len(b.clients) >= b.cfg.MaxClients:
		return InvalidHandle, pkg.ErrRegistryFull
	case desc.MaxConnections > 1:
		return InvalidHandle, fmt.Errorf("%w: %d", pkg.ErrTooManyConnections, desc.MaxConnections)
	case int64(desc.MaxMessageSize) > int64(b.cfg.MaxMessageSize):
		return InvalidHandle, fmt.Errorf("%w: client max %d > bus max %d",
			pkg.ErrMessageTooLarge, desc.MaxMessageSize, b.cfg.MaxMessageSize)
	}

	h := Handle(DynamicClientStart + uint8(len(b.clients)))
	cc := &clientContext{handle: h, desc: desc}
	b.clients = append(b.clients, cc)

	if in, ok := desc.Client.(Initializer); ok {
		if err := in.Initialize(h); err != nil {
			b.clients = b.clients[:len(b.clients)-1]
			pkg.LogWarn(pkg.ComponentBus, "client initialize failed",
				"handle", h,
				"error", err)
			return InvalidHandle, fmt.Errorf("%w: %w", pkg.ErrInitializeFailed, err)
		}
	}

	_, suspends := desc.Client.(Suspender)
	_, resumes := desc.Client.(Resumer)
	if suspends || resumes {
		if power == nil {
			pkg.LogDebug(pkg.ComponentBus, "no power broadcaster, power callbacks unused",
				"handle", h)
		} else if err := power.Subscribe(&powerClient{handle: h, client: desc.Client}); err != nil {
			pkg.LogWarn(pkg.ComponentBus, "power subscribe failed",
				"handle", h,
				"error", err)
		}
	}

	pkg.LogInfo(pkg.ComponentBus, "client registered",
		"handle", h,
		"protocol", desc.ProtocolID.String(),
		"maxMessageSize", desc.MaxMessageSize)
	return h, nil
}

// lookup returns the client at addr, or nil.
func (b *Bus) lookup(addr uint8) *clientContext {
	idx := int(addr) - int(DynamicClientStart)
	if idx < 0 || idx >= len(b.clients) {
		return nil
	}
	return b.clients[idx]
}

// NumClients returns the number of registered clients.
func (b *Bus) NumClients() int {
	return len(b.clients)
}

// Client returns a view of the client registered as h.
func (b *Bus) Client(h Handle) (ClientInfo, bool) {
	cc := b.lookup(h.Address())
	if cc == nil {
		return ClientInfo{}, false
	}
	return cc.info(), true
}

// Clients returns views of all registered clients in registration order.
func (b *Bus) Clients() []ClientInfo {
	infos := make([]ClientInfo, len(b.clients))
	for i, cc := range b.clients {
		infos[i] = cc.info()
	}
	return infos
}

// IsConnected reports whether h has an active host connection.
func (b *Bus) IsConnected(h Handle) bool {
	cc := b.lookup(h.Address())
	return cc != nil && cc.conn.isConnected()
}

// SetClientData stores an opaque value for h.
func (b *Bus) SetClientData(h Handle, data any) error {
	cc := b.lookup(h.Address())
	if cc == nil {
		return pkg.ErrInvalidHandle
	}
	cc.dataMutex.Lock()
	cc.data = data
	cc.dataMutex.Unlock()
	return nil
}

// ClientData returns the value stored for h, or nil.
func (b *Bus) ClientData(h Handle) any {
	cc := b.lookup(h.Address())
	if cc == nil {
		return nil
	}
	cc.dataMutex.Lock()
	defer cc.dataMutex.Unlock()
	return cc.data
}

func (cc *clientContext) info() ClientInfo {
	connected := cc.conn.isConnected()
	info := ClientInfo{
		Handle:     cc.handle,
		Descriptor: cc.desc,
		Connected:  connected,
	}
	if connected {
		info.HostAddr = cc.conn.host()
	}
	return info
}
