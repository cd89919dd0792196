package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
)

// mockChannel implements transport.Channel for testing.
type mockChannel struct {
	mutex    sync.Mutex
	writes   [][]byte
	writeErr error
	written  chan struct{}

	// onWrite runs after each recorded write.
	onWrite func(n int)

	rx        chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newMockChannel() *mockChannel {
	return &mockChannel{
		written: make(chan struct{}, 1024),
		rx:      make(chan []byte, 64),
		closed:  make(chan struct{}),
	}
}

func (m *mockChannel) Read(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-m.closed:
		return 0, pkg.ErrClosed
	case data := <-m.rx:
		return copy(buf, data), nil
	}
}

func (m *mockChannel) Write(ctx context.Context, data []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	m.mutex.Lock()
	if m.writeErr != nil {
		err := m.writeErr
		m.mutex.Unlock()
		return 0, err
	}
	m.writes = append(m.writes, append([]byte(nil), data...))
	n, hook := len(m.writes), m.onWrite
	m.mutex.Unlock()

	if hook != nil {
		hook(n)
	}

	select {
	case m.written <- struct{}{}:
	default:
	}
	return len(data), nil
}

func (m *mockChannel) MaxPayload() int {
	return transport.IPCMaxPayload
}

func (m *mockChannel) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// fragments decodes and clears all recorded writes.
func (m *mockChannel) fragments(t *testing.T) []Fragment {
	t.Helper()
	m.mutex.Lock()
	writes := m.writes
	m.writes = nil
	m.mutex.Unlock()

	frags := make([]Fragment, len(writes))
	for i, w := range writes {
		require.NoError(t, Decode(w, &frags[i]), "write %d", i)
	}
	return frags
}

// waitWrites blocks until at least n writes are recorded.
func (m *mockChannel) waitWrites(t *testing.T, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		m.mutex.Lock()
		got := len(m.writes)
		m.mutex.Unlock()
		if got >= n {
			return
		}
		select {
		case <-m.written:
		case <-deadline:
			t.Fatalf("timed out waiting for %d writes, have %d", n, got)
		}
	}
}

// mockTransport implements transport.Transport for testing.
type mockTransport struct {
	ch      *mockChannel
	openErr error
	peer    transport.Peer
	proto   transport.Protocol
}

func (m *mockTransport) Open(ctx context.Context, peer transport.Peer, protocol transport.Protocol) (transport.Channel, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.peer, m.proto = peer, protocol
	return m.ch, nil
}

// recordingClient records callbacks.
type recordingClient struct {
	mutex       sync.Mutex
	messages    [][]byte
	disconnects []Handle
	received    chan struct{}
}

func newRecordingClient() *recordingClient {
	return &recordingClient{received: make(chan struct{}, 64)}
}

func (c *recordingClient) OnMessage(h Handle, msg []byte) {
	c.mutex.Lock()
	c.messages = append(c.messages, append([]byte(nil), msg...))
	c.mutex.Unlock()
	select {
	case c.received <- struct{}{}:
	default:
	}
}

func (c *recordingClient) OnDisconnect(h Handle) {
	c.mutex.Lock()
	c.disconnects = append(c.disconnects, h)
	c.mutex.Unlock()
}

func (c *recordingClient) Messages() [][]byte {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([][]byte(nil), c.messages...)
}

func (c *recordingClient) Disconnects() []Handle {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return append([]Handle(nil), c.disconnects...)
}

// newTestBus returns a bus wired to a mock channel without a dispatcher.
// Tests drive it through dispatch.
func newTestBus(t *testing.T, cfg Config) (*Bus, *mockChannel) {
	t.Helper()
	ch := newMockChannel()
	b := New(&mockTransport{ch: ch}, cfg)
	b.mutex.Lock()
	b.ch = ch
	b.mutex.Unlock()
	return b, ch
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.CreditTimeout = 50 * time.Millisecond
	return cfg
}

func testDescriptor(c Client) Descriptor {
	return Descriptor{
		MaxConnections: 1,
		MaxMessageSize: MaxMessageSize,
		Client:         c,
	}
}

// hostFragment builds an inbound fragment.
func hostFragment(t *testing.T, fwAddr, hostAddr uint8, payload []byte, last bool) []byte {
	t.Helper()
	data, err := Encode(fwAddr, hostAddr, payload, last)
	require.NoError(t, err)
	return data
}

// hbmRequest builds an inbound bus manager fragment.
func hbmRequest(t *testing.T, body []byte) []byte {
	return hostFragment(t, AddressBusManager, AddressBusManager, body, true)
}

func connectRequest(t *testing.T, fwAddr, hostAddr uint8) []byte {
	msg := ConnectMessage{Command: CommandConnect, FWAddr: fwAddr, HostAddr: hostAddr}
	var buf [ConnectRequestSize]byte
	return hbmRequest(t, buf[:msg.MarshalTo(buf[:])])
}

func disconnectRequest(t *testing.T, fwAddr, hostAddr uint8) []byte {
	msg := ConnectMessage{Command: CommandDisconnect, FWAddr: fwAddr, HostAddr: hostAddr}
	var buf [DisconnectRequestSize]byte
	return hbmRequest(t, buf[:msg.MarshalTo(buf[:])])
}

func flowControlRequest(t *testing.T, fwAddr, hostAddr uint8) []byte {
	msg := FlowControl{FWAddr: fwAddr, HostAddr: hostAddr}
	var buf [FlowControlSize]byte
	return hbmRequest(t, buf[:msg.MarshalTo(buf[:])])
}

// connect connects h to hostAddr and discards the bus replies. The grant
// sent by the host after connect is not applied.
func connect(t *testing.T, b *Bus, ch *mockChannel, h Handle, hostAddr uint8) {
	t.Helper()
	b.dispatch(context.Background(), connectRequest(t, h.Address(), hostAddr))
	frags := ch.fragments(t)
	require.Len(t, frags, 2)

	var resp ConnectMessage
	require.True(t, ParseConnectMessage(frags[0].Payload, &resp))
	require.Equal(t, pkg.ConnectStatusSuccess, resp.Status)
}

// grant applies one host flow-control credit to h.
func grant(t *testing.T, b *Bus, h Handle, hostAddr uint8) {
	b.dispatch(context.Background(), flowControlRequest(t, h.Address(), hostAddr))
}
