package host

import (
	"context"
	"fmt"

	"github.com/ardnew/softheci/bus"
	"github.com/ardnew/softheci/pkg"
)

// Version asks whether the firmware supports bus version major.minor.
// An unsupported version returns the firmware's version together with
// [pkg.ErrVersionUnsupported].
func (h *Host) Version(ctx context.Context, major, minor uint8) (bus.VersionResponse, error) {
	var buf [bus.VersionRequestSize]byte
	req := bus.VersionRequest{Major: major, Minor: minor}
	n := req.MarshalTo(buf[:])

	var resp bus.VersionResponse
	data, err := h.request(ctx, buf[:n], bus.CommandVersion.Response())
	if err != nil {
		return resp, err
	}
	if !bus.ParseVersionResponse(data, &resp) {
		return resp, fmt.Errorf("%w: version response", pkg.ErrMalformedFragment)
	}
	if !resp.Supported {
		return resp, fmt.Errorf("%w: firmware %d.%d", pkg.ErrVersionUnsupported, resp.Major, resp.Minor)
	}
	return resp, nil
}

// Enumerate returns the addresses of the registered firmware clients.
func (h *Host) Enumerate(ctx context.Context) ([]uint8, error) {
	var buf [bus.EnumerateRequestSize]byte
	n := bus.MarshalEnumerateRequest(buf[:])

	data, err := h.request(ctx, buf[:n], bus.CommandEnumerate.Response())
	if err != nil {
		return nil, err
	}
	var resp bus.EnumerateResponse
	if !bus.ParseEnumerateResponse(data, &resp) {
		return nil, fmt.Errorf("%w: enumerate response", pkg.ErrMalformedFragment)
	}
	return resp.Addresses(), nil
}

// ClientProperties returns the properties of the client at addr.
func (h *Host) ClientProperties(ctx context.Context, addr uint8) (bus.ClientProperties, error) {
	var buf [bus.ClientPropertiesRequestSize]byte
	req := bus.ClientPropertiesRequest{Address: addr}
	n := req.MarshalTo(buf[:])

	data, err := h.request(ctx, buf[:n], bus.CommandClientProperties.Response())
	if err != nil {
		return bus.ClientProperties{}, err
	}
	var resp bus.ClientPropertiesResponse
	if !bus.ParseClientPropertiesResponse(data, &resp) {
		return bus.ClientProperties{}, fmt.Errorf("%w: client properties response", pkg.ErrMalformedFragment)
	}
	if err := resp.Status.Err(); err != nil {
		return bus.ClientProperties{}, fmt.Errorf("client 0x%02x: %w", addr, err)
	}
	return resp.Properties, nil
}

// HostStop tells the firmware the host is stopping and waits for the
// acknowledgement.
func (h *Host) HostStop(ctx context.Context, reason uint8) error {
	var buf [bus.HostStopRequestSize]byte
	req := bus.HostStopRequest{Reason: reason}
	n := req.MarshalTo(buf[:])

	_, err := h.request(ctx, buf[:n], bus.CommandHostStop.Response())
	return err
}

// Connect opens a connection to the dynamic client at fwAddr. The lowest
// free host address is assigned, and the firmware client is granted its
// first credit once the firmware accepts.
func (h *Host) Connect(ctx context.Context, fwAddr uint8) (*Conn, error) {
	if !bus.IsDynamicAddress(fwAddr) {
		return nil, fmt.Errorf("%w: client address 0x%02x", pkg.ErrInvalidAddress, fwAddr)
	}

	// The connection is registered before the request so the flow control
	// grant that follows the response is not lost.
	c, err := h.allocate(fwAddr)
	if err != nil {
		return nil, err
	}

	var buf [bus.ConnectRequestSize]byte
	req := bus.ConnectMessage{Command: bus.CommandConnect, FWAddr: fwAddr, HostAddr: c.hostAddr}
	n := req.MarshalTo(buf[:])

	data, err := h.request(ctx, buf[:n], bus.CommandConnect.Response())
	if err != nil {
		h.release(c)
		return nil, err
	}
	var resp bus.ConnectMessage
	if !bus.ParseConnectMessage(data, &resp) {
		h.release(c)
		return nil, fmt.Errorf("%w: connect response", pkg.ErrMalformedFragment)
	}
	if err := resp.Status.Err(); err != nil {
		h.release(c)
		return nil, fmt.Errorf("connect 0x%02x: %w", fwAddr, err)
	}

	if err := h.sendFlowControl(ctx, fwAddr, c.hostAddr); err != nil {
		h.release(c)
		return nil, fmt.Errorf("grant initial credit: %w", err)
	}

	pkg.LogInfo(pkg.ComponentHost, "connected",
		"fwAddr", fwAddr,
		"hostAddr", c.hostAddr)
	return c, nil
}

// allocate registers a connection on the lowest free host address.
func (h *Host) allocate(fwAddr uint8) (*Conn, error) {
	h.connMutex.Lock()
	defer h.connMutex.Unlock()

	for addr := 1; addr <= 0xFF; addr++ {
		if _, used := h.conns[uint8(addr)]; used {
			continue
		}
		c := newConn(h, fwAddr, uint8(addr))
		h.conns[c.hostAddr] = c
		return c, nil
	}
	return nil, fmt.Errorf("%w: no free host address", pkg.ErrRegistryFull)
}

// release unregisters c and closes it.
func (h *Host) release(c *Conn) {
	h.connMutex.Lock()
	if h.conns[c.hostAddr] == c {
		delete(h.conns, c.hostAddr)
	}
	h.connMutex.Unlock()
	c.close()
}
