package host

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ardnew/softheci/bus"
	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
	"github.com/ardnew/softheci/transport/mem"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// firmwareClient records what the firmware bus delivers to one client.
type firmwareClient struct {
	messages    chan []byte
	mutex       sync.Mutex
	disconnects int
}

func newFirmwareClient() *firmwareClient {
	return &firmwareClient{messages: make(chan []byte, 16)}
}

func (c *firmwareClient) OnMessage(_ bus.Handle, msg []byte) {
	c.messages <- append([]byte(nil), msg...)
}

func (c *firmwareClient) OnDisconnect(bus.Handle) {
	c.mutex.Lock()
	c.disconnects++
	c.mutex.Unlock()
}

func (c *firmwareClient) Disconnects() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.disconnects
}

func (c *firmwareClient) next(t *testing.T) []byte {
	t.Helper()
	select {
	case msg := <-c.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for firmware client message")
		return nil
	}
}

var testProtocol = uuid.MustParse("33aecd58-b679-4e54-9bd9-a04d34f0c226")

// rig is a firmware bus and a host driver joined by an in-memory pipe.
type rig struct {
	bus     *bus.Bus
	host    *Host
	handles []bus.Handle
}

func newRig(t *testing.T, clients ...bus.Client) *rig {
	t.Helper()

	fwEnd, hostEnd := mem.Pipe(transport.IPCMaxPayload)

	cfg := bus.DefaultConfig()
	cfg.MaxClients = max(len(clients), 1)
	b := bus.New(fwEnd, cfg)

	r := &rig{bus: b}
	for _, c := range clients {
		h, err := b.Register(bus.Descriptor{
			ProtocolID:      testProtocol,
			ProtocolVersion: 1,
			MaxConnections:  1,
			MaxMessageSize:  bus.MaxMessageSize,
			Client:          c,
		})
		require.NoError(t, err)
		r.handles = append(r.handles, h)
	}

	hcfg := DefaultConfig()
	hcfg.RequestTimeout = time.Second
	r.host = New(hostEnd, hcfg)
	return r
}

func (r *rig) start(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, r.bus.Start(ctx))
	require.NoError(t, r.host.Start(ctx))
	t.Cleanup(func() {
		r.host.Stop()
		r.bus.Stop()
	})
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// =============================================================================
// Lifecycle Tests
// =============================================================================

func TestHost_StartStop(t *testing.T) {
	_, hostEnd := mem.Pipe(0)
	h := New(hostEnd, DefaultConfig())

	assert.False(t, h.IsRunning())
	require.NoError(t, h.Start(context.Background()))
	assert.True(t, h.IsRunning())
	assert.ErrorIs(t, h.Start(context.Background()), pkg.ErrAlreadyRunning)

	require.NoError(t, h.Stop())
	assert.False(t, h.IsRunning())
	assert.NoError(t, h.Stop())
}

func TestHost_NotRunning(t *testing.T) {
	_, hostEnd := mem.Pipe(0)
	h := New(hostEnd, DefaultConfig())

	_, err := h.Enumerate(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNotRunning)

	_, err = h.SendFixed(context.Background(), bus.AddressSystemState, []byte{1})
	assert.ErrorIs(t, err, pkg.ErrNotRunning)
}

func TestNew_Defaults(t *testing.T) {
	_, hostEnd := mem.Pipe(0)
	h := New(hostEnd, Config{})

	cfg := h.Config()
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, bus.DefaultCreditTimeout, cfg.CreditTimeout)
	assert.Equal(t, bus.MaxMessageSize, cfg.MaxMessageSize)
	assert.Equal(t, DefaultReceiveQueue, cfg.ReceiveQueue)
}

// =============================================================================
// Bus Manager Tests
// =============================================================================

func TestHost_Version(t *testing.T) {
	r := newRig(t, newFirmwareClient())
	r.start(t)
	ctx := testContext(t)

	resp, err := r.host.Version(ctx, bus.HBMMajorVersion, bus.HBMMinorVersion)
	require.NoError(t, err)
	assert.True(t, resp.Supported)
	assert.Equal(t, uint8(bus.HBMMajorVersion), resp.Major)

	resp, err = r.host.Version(ctx, 2, 0)
	assert.ErrorIs(t, err, pkg.ErrVersionUnsupported)
	assert.False(t, resp.Supported)
	assert.Equal(t, uint8(bus.HBMMajorVersion), resp.Major)
	assert.Equal(t, uint8(bus.HBMMinorVersion), resp.Minor)
}

func TestHost_Enumerate(t *testing.T) {
	r := newRig(t, newFirmwareClient(), newFirmwareClient())
	r.start(t)

	addrs, err := r.host.Enumerate(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x20, 0x21}, addrs)
}

func TestHost_ClientProperties(t *testing.T) {
	r := newRig(t, newFirmwareClient())
	r.start(t)
	ctx := testContext(t)

	props, err := r.host.ClientProperties(ctx, 0x20)
	require.NoError(t, err)
	assert.Equal(t, testProtocol, props.ProtocolID)
	assert.Equal(t, uint8(1), props.ProtocolVersion)
	assert.Equal(t, uint8(1), props.MaxConnections)
	assert.Equal(t, uint32(bus.MaxMessageSize), props.MaxMessageSize)

	_, err = r.host.ClientProperties(ctx, 0x30)
	assert.ErrorIs(t, err, pkg.ErrClientNotFound)
}

func TestHost_HostStop(t *testing.T) {
	r := newRig(t, newFirmwareClient())
	r.start(t)

	assert.NoError(t, r.host.HostStop(testContext(t), 0))
}

func TestHost_RequestTimeout(t *testing.T) {
	fwEnd, hostEnd := mem.Pipe(0)
	ch, err := fwEnd.Open(context.Background(), transport.PeerHost, transport.ProtocolHECI)
	require.NoError(t, err)
	defer ch.Close()

	cfg := DefaultConfig()
	cfg.RequestTimeout = 50 * time.Millisecond
	h := New(hostEnd, cfg)
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	_, err = h.Enumerate(context.Background())
	assert.ErrorIs(t, err, pkg.ErrTimeout)
}

func TestHost_RequestCanceled(t *testing.T) {
	fwEnd, hostEnd := mem.Pipe(0)
	ch, err := fwEnd.Open(context.Background(), transport.PeerHost, transport.ProtocolHECI)
	require.NoError(t, err)
	defer ch.Close()

	h := New(hostEnd, DefaultConfig())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = h.Version(ctx, 1, 0)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestHost_UnexpectedResponse(t *testing.T) {
	fwEnd, hostEnd := mem.Pipe(0)
	ch, err := fwEnd.Open(context.Background(), transport.PeerHost, transport.ProtocolHECI)
	require.NoError(t, err)
	defer ch.Close()

	h := New(hostEnd, DefaultConfig())
	require.NoError(t, h.Start(context.Background()))
	defer h.Stop()

	// Answer every request with a host-stop response, then an enumerate
	// response.
	go func() {
		buf := make([]byte, transport.IPCMaxPayload)
		if _, err := ch.Read(context.Background(), buf); err != nil {
			return
		}
		var stop [bus.HostStopResponseSize]byte
		frame, _ := bus.Encode(0, 0, stop[:bus.MarshalHostStopResponse(stop[:])], true)
		ch.Write(context.Background(), frame)

		var resp bus.EnumerateResponse
		resp.Set(0x22)
		var enum [bus.EnumerateResponseSize]byte
		frame, _ = bus.Encode(0, 0, enum[:resp.MarshalTo(enum[:])], true)
		ch.Write(context.Background(), frame)
	}()

	addrs, err := h.Enumerate(testContext(t))
	require.NoError(t, err)
	assert.Equal(t, []uint8{0x22}, addrs)
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestHost_Connect(t *testing.T) {
	r := newRig(t, newFirmwareClient())
	r.start(t)
	ctx := testContext(t)

	conn, err := r.host.Connect(ctx, 0x20)
	require.NoError(t, err)
	assert.Equal(t, uint8(0x20), conn.FWAddr())
	assert.Equal(t, uint8(1), conn.HostAddr())
	assert.True(t, r.bus.IsConnected(r.handles[0]))

	info, ok := r.bus.Client(r.handles[0])
	require.True(t, ok)
	assert.Equal(t, uint8(1), info.HostAddr)

	_, err = r.host.Connect(ctx, 0x20)
	assert.ErrorIs(t, err, pkg.ErrAlreadyExists)

	_, err = r.host.Connect(ctx, 0x30)
	assert.ErrorIs(t, err, pkg.ErrClientNotFound)

	_, err = r.host.Connect(ctx, 0x05)
	assert.ErrorIs(t, err, pkg.ErrInvalidAddress)
}

func TestHost_ConnectAllocatesLowestAddress(t *testing.T) {
	r := newRig(t, newFirmwareClient(), newFirmwareClient())
	r.start(t)
	ctx := testContext(t)

	c1, err := r.host.Connect(ctx, 0x20)
	require.NoError(t, err)
	c2, err := r.host.Connect(ctx, 0x21)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), c1.HostAddr())
	assert.Equal(t, uint8(2), c2.HostAddr())

	require.NoError(t, c1.Disconnect(ctx))

	c3, err := r.host.Connect(ctx, 0x20)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), c3.HostAddr())
}

func TestConn_SendReceive(t *testing.T) {
	client := newFirmwareClient()
	r := newRig(t, client)
	r.start(t)
	ctx := testContext(t)

	conn, err := r.host.Connect(ctx, 0x20)
	require.NoError(t, err)

	// Host to firmware, spanning three fragments.
	request := bytes.Repeat([]byte{0xA5}, 2*bus.FragmentPayloadMax+10)
	n, err := conn.Send(ctx, request)
	require.NoError(t, err)
	assert.Equal(t, len(request), n)
	assert.Equal(t, request, client.next(t))

	// Firmware to host, twice. The second send relies on the credit
	// granted by the first Receive.
	for i := range 2 {
		reply := bytes.Repeat([]byte{byte(i)}, bus.FragmentPayloadMax+1)
		n, err := r.bus.Send(ctx, r.handles[0], reply)
		require.NoError(t, err)
		assert.Equal(t, len(reply), n)

		got, err := conn.Receive(ctx)
		require.NoError(t, err)
		assert.Equal(t, reply, got)
	}

	// The firmware grants credit after each message, so the host can send
	// again.
	_, err = conn.Send(ctx, []byte("again"))
	require.NoError(t, err)
	assert.Equal(t, []byte("again"), client.next(t))
}

func TestConn_SendEmpty(t *testing.T) {
	client := newFirmwareClient()
	r := newRig(t, client)
	r.start(t)
	ctx := testContext(t)

	conn, err := r.host.Connect(ctx, 0x20)
	require.NoError(t, err)

	n, err := conn.Send(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, client.next(t))
}

func TestConn_SendOverflow(t *testing.T) {
	r := newRig(t, newFirmwareClient())
	r.start(t)
	ctx := testContext(t)

	conn, err := r.host.Connect(ctx, 0x20)
	require.NoError(t, err)

	_, err = conn.Send(ctx, make([]byte, bus.MaxMessageSize+1))
	assert.ErrorIs(t, err, pkg.ErrOverflow)
}

func TestConn_ReceiveCanceled(t *testing.T) {
	r := newRig(t, newFirmwareClient())
	r.start(t)

	conn, err := r.host.Connect(testContext(t), 0x20)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestConn_Disconnect(t *testing.T) {
	client := newFirmwareClient()
	r := newRig(t, client)
	r.start(t)
	ctx := testContext(t)

	conn, err := r.host.Connect(ctx, 0x20)
	require.NoError(t, err)

	require.NoError(t, conn.Disconnect(ctx))
	assert.Equal(t, 1, client.Disconnects())
	assert.False(t, r.bus.IsConnected(r.handles[0]))

	select {
	case <-conn.Closed():
	default:
		t.Fatal("connection not closed")
	}

	_, err = conn.Send(ctx, []byte("x"))
	assert.ErrorIs(t, err, pkg.ErrNotConnected)
	_, err = conn.Receive(ctx)
	assert.ErrorIs(t, err, pkg.ErrNotConnected)
	assert.ErrorIs(t, conn.Disconnect(ctx), pkg.ErrNotConnected)

	_, err = r.bus.Send(ctx, r.handles[0], []byte("late"))
	assert.ErrorIs(t, err, pkg.ErrNotConnected)
}

func TestHost_StopClosesConnections(t *testing.T) {
	r := newRig(t, newFirmwareClient())
	r.start(t)

	conn, err := r.host.Connect(testContext(t), 0x20)
	require.NoError(t, err)

	require.NoError(t, r.host.Stop())
	_, err = conn.Receive(context.Background())
	assert.ErrorIs(t, err, pkg.ErrNotConnected)
}

// =============================================================================
// Fixed Client Tests
// =============================================================================

func TestHost_FixedClient(t *testing.T) {
	r := newRig(t, newFirmwareClient())

	toFirmware := make(chan []byte, 1)
	require.NoError(t, r.bus.HandleFixed(bus.AddressSystemState,
		bus.FixedHandlerFunc(func(_ uint8, payload []byte) {
			toFirmware <- append([]byte(nil), payload...)
		})))

	toHost := make(chan []byte, 1)
	require.NoError(t, r.host.HandleFixed(bus.AddressSystemState, func(_ uint8, payload []byte) {
		toHost <- append([]byte(nil), payload...)
	}))

	r.start(t)
	ctx := testContext(t)

	n, err := r.host.SendFixed(ctx, bus.AddressSystemState, []byte{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	select {
	case got := <-toFirmware:
		assert.Equal(t, []byte{1, 2, 3, 4}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fixed message at firmware")
	}

	_, err = r.bus.SendToFixedClient(ctx, bus.AddressSystemState, []byte{5, 6})
	require.NoError(t, err)
	select {
	case got := <-toHost:
		assert.Equal(t, []byte{5, 6}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for fixed message at host")
	}
}

func TestHost_FixedClientErrors(t *testing.T) {
	r := newRig(t, newFirmwareClient())
	r.start(t)
	ctx := testContext(t)

	_, err := r.host.SendFixed(ctx, 0x20, []byte{1})
	assert.ErrorIs(t, err, pkg.ErrInvalidAddress)

	_, err = r.host.SendFixed(ctx, bus.AddressSystemState, make([]byte, bus.FragmentPayloadMax+1))
	assert.ErrorIs(t, err, pkg.ErrOverflow)

	assert.ErrorIs(t, r.host.HandleFixed(0, func(uint8, []byte) {}), pkg.ErrInvalidAddress)
	assert.NoError(t, r.host.HandleFixed(bus.AddressSystemState, nil))
}
