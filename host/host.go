package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softheci/bus"
	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
)

// Default host limits.
const (
	DefaultRequestTimeout = 2 * time.Second
	DefaultReceiveQueue   = 16
)

// Config holds host driver settings.
type Config struct {
	// RequestTimeout bounds the wait for a bus manager response.
	RequestTimeout time.Duration

	// CreditTimeout bounds the wait for firmware credit in Conn.Send.
	CreditTimeout time.Duration

	// MaxMessageSize is the largest logical message in either direction.
	MaxMessageSize int

	// ReceiveQueue is the number of reassembled messages buffered per
	// connection.
	ReceiveQueue int

	// Peer is the transport peer carrying HECI.
	Peer transport.Peer
}

// DefaultConfig returns the standard host settings.
func DefaultConfig() Config {
	return Config{
		RequestTimeout: DefaultRequestTimeout,
		CreditTimeout:  bus.DefaultCreditTimeout,
		MaxMessageSize: bus.MaxMessageSize,
		ReceiveQueue:   DefaultReceiveQueue,
		Peer:           transport.PeerHost,
	}
}

// FixedFunc handles one message from a fixed firmware address. The payload
// is only valid for the duration of the call.
type FixedFunc func(addr uint8, payload []byte)

// Host drives the firmware bus over one transport.
type Host struct {
	tr  transport.Transport
	cfg Config

	// Transport channel, guarded by mutex. txMutex serializes writes.
	ch      transport.Channel
	txMutex sync.Mutex
	txBuf   [transport.IPCMaxPayload]byte

	// Pending bus manager request
	reqMutex     sync.Mutex
	pendingMutex sync.Mutex
	pending      bus.Command
	response     chan []byte

	// Connections by host address
	connMutex sync.Mutex
	conns     map[uint8]*Conn

	fixedMutex sync.RWMutex
	fixed      map[uint8]FixedFunc

	// State
	running bool
	mutex   sync.RWMutex
	wg      sync.WaitGroup

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a host driver on tr. Zero values in cfg are replaced by
// defaults.
func New(tr transport.Transport, cfg Config) *Host {
	def := DefaultConfig()
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.CreditTimeout <= 0 {
		cfg.CreditTimeout = def.CreditTimeout
	}
	if cfg.MaxMessageSize < 1 || cfg.MaxMessageSize > bus.MaxMessageSize {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.ReceiveQueue < 1 {
		cfg.ReceiveQueue = def.ReceiveQueue
	}
	return &Host{
		tr:       tr,
		cfg:      cfg,
		response: make(chan []byte, 1),
		conns:    make(map[uint8]*Conn),
		fixed:    make(map[uint8]FixedFunc),
	}
}

// Config returns the effective configuration.
func (h *Host) Config() Config {
	return h.cfg
}

// Start opens the HECI channel and starts the receive loop.
func (h *Host) Start(ctx context.Context) error {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.running {
		return pkg.ErrAlreadyRunning
	}

	ch, err := h.tr.Open(ctx, h.cfg.Peer, transport.ProtocolHECI)
	if err != nil {
		return fmt.Errorf("open heci channel: %w", err)
	}

	h.ctx, h.cancel = context.WithCancel(ctx)
	h.ch = ch
	h.running = true

	h.wg.Add(1)
	go h.rxLoop(h.ctx, ch)

	pkg.LogInfo(pkg.ComponentHost, "host started", "maxPayload", ch.MaxPayload())
	return nil
}

// Stop closes every connection, then the channel.
func (h *Host) Stop() error {
	h.mutex.Lock()
	if !h.running {
		h.mutex.Unlock()
		return nil
	}
	h.running = false
	if h.cancel != nil {
		h.cancel()
	}
	ch := h.ch
	h.ch = nil
	h.mutex.Unlock()

	h.connMutex.Lock()
	for addr, c := range h.conns {
		c.close()
		delete(h.conns, addr)
	}
	h.connMutex.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	h.wg.Wait()

	pkg.LogInfo(pkg.ComponentHost, "host stopped")
	return err
}

// IsRunning returns true if the receive loop is running.
func (h *Host) IsRunning() bool {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return h.running
}

// HandleFixed routes firmware messages from a fixed address to fn. A nil fn
// removes the handler.
func (h *Host) HandleFixed(addr uint8, fn FixedFunc) error {
	if !bus.IsFixedAddress(addr) {
		return fmt.Errorf("%w: fixed address 0x%02x", pkg.ErrInvalidAddress, addr)
	}

	h.fixedMutex.Lock()
	defer h.fixedMutex.Unlock()
	if fn == nil {
		delete(h.fixed, addr)
		return nil
	}
	h.fixed[addr] = fn
	return nil
}

// SendFixed sends a single-fragment message to a fixed firmware address.
func (h *Host) SendFixed(ctx context.Context, addr uint8, payload []byte) (int, error) {
	if !bus.IsFixedAddress(addr) {
		return 0, fmt.Errorf("%w: fixed address 0x%02x", pkg.ErrInvalidAddress, addr)
	}
	if len(payload) > bus.FragmentPayloadMax {
		return 0, pkg.ErrOverflow
	}

	frag := bus.Fragment{
		FWAddr:   addr,
		HostAddr: bus.AddressBusManager,
		Payload:  payload,
		Last:     true,
	}
	if err := h.writeFragment(ctx, &frag); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// writeFragment encodes f and writes it as one delivery.
func (h *Host) writeFragment(ctx context.Context, f *bus.Fragment) error {
	h.mutex.RLock()
	ch := h.ch
	h.mutex.RUnlock()
	if ch == nil {
		return pkg.ErrNotRunning
	}

	h.txMutex.Lock()
	defer h.txMutex.Unlock()

	n := f.MarshalTo(h.txBuf[:])
	if n == 0 {
		return fmt.Errorf("%w: fragment payload %d", pkg.ErrMessageTooLarge, len(f.Payload))
	}

	written, err := ch.Write(ctx, h.txBuf[:n])
	if err == nil && written != n {
		err = fmt.Errorf("short write: %d of %d bytes", written, n)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentHost, "fragment write failed",
			"fwAddr", f.FWAddr,
			"hostAddr", f.HostAddr,
			"error", err)
	}
	return err
}

// rxLoop reads fragments until the channel closes.
func (h *Host) rxLoop(ctx context.Context, ch transport.Channel) {
	defer h.wg.Done()

	buf := make([]byte, ch.MaxPayload())
	for {
		n, err := ch.Read(ctx, buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, pkg.ErrClosed) {
				return
			}
			pkg.LogWarn(pkg.ComponentHost, "read failed", "error", err)
			continue
		}
		h.dispatch(ctx, buf[:n])
	}
}

// dispatch routes one fragment from the firmware.
func (h *Host) dispatch(ctx context.Context, data []byte) {
	var frag bus.Fragment
	if err := bus.Decode(data, &frag); err != nil {
		pkg.LogWarn(pkg.ComponentHost, "dropping fragment", "length", len(data), "error", err)
		return
	}

	switch {
	case frag.HostAddr != bus.AddressBusManager:
		h.handleClientFragment(ctx, &frag)
	case frag.FWAddr == bus.AddressBusManager:
		h.handleHBM(frag.Payload)
	default:
		h.fixedMutex.RLock()
		fn := h.fixed[frag.FWAddr]
		h.fixedMutex.RUnlock()
		if fn == nil {
			pkg.LogDebug(pkg.ComponentHost, "unhandled fixed client message",
				"address", frag.FWAddr,
				"length", len(frag.Payload))
			return
		}
		fn(frag.FWAddr, frag.Payload)
	}
}

// handleClientFragment appends a fragment to its connection's message.
func (h *Host) handleClientFragment(ctx context.Context, f *bus.Fragment) {
	h.connMutex.Lock()
	c := h.conns[f.HostAddr]
	h.connMutex.Unlock()

	if c == nil || c.fwAddr != f.FWAddr {
		pkg.LogDebug(pkg.ComponentHost, "fragment for unknown connection",
			"fwAddr", f.FWAddr,
			"hostAddr", f.HostAddr)
		return
	}
	if c.receiveFragment(f.Payload, f.Last, h.cfg.MaxMessageSize) {
		if err := h.sendFlowControl(ctx, c.fwAddr, c.hostAddr); err != nil {
			pkg.LogWarn(pkg.ComponentHost, "flow control failed", "error", err)
		}
	}
}

// handleHBM delivers a bus manager message from the firmware.
func (h *Host) handleHBM(payload []byte) {
	if len(payload) == 0 {
		pkg.LogWarn(pkg.ComponentHost, "empty bus message")
		return
	}

	cmd := bus.Command(payload[0])
	if cmd == bus.CommandFlowControl {
		var fc bus.FlowControl
		if !bus.ParseFlowControl(payload, &fc) {
			pkg.LogWarn(pkg.ComponentHost, "invalid flow control", "length", len(payload))
			return
		}
		h.connMutex.Lock()
		c := h.conns[fc.HostAddr]
		h.connMutex.Unlock()
		if c == nil || c.fwAddr != fc.FWAddr {
			pkg.LogDebug(pkg.ComponentHost, "flow control for unknown connection",
				"fwAddr", fc.FWAddr,
				"hostAddr", fc.HostAddr)
			return
		}
		c.grant()
		return
	}

	h.pendingMutex.Lock()
	want := h.pending
	if want == 0 || cmd != want {
		h.pendingMutex.Unlock()
		pkg.LogDebug(pkg.ComponentHost, "unexpected bus message",
			"command", cmd.String(),
			"pending", want.String())
		return
	}
	h.pending = 0
	h.pendingMutex.Unlock()

	// The receive buffer is reused, so the response is copied.
	select {
	case h.response <- append([]byte(nil), payload...):
	default:
	}
}

// request sends a bus manager request and waits for the response carrying
// command want.
func (h *Host) request(ctx context.Context, req []byte, want bus.Command) ([]byte, error) {
	h.reqMutex.Lock()
	defer h.reqMutex.Unlock()

	h.mutex.RLock()
	running := h.running
	hctx := h.ctx
	h.mutex.RUnlock()
	if !running {
		return nil, pkg.ErrNotRunning
	}

	select {
	case <-h.response:
	default:
	}
	h.pendingMutex.Lock()
	h.pending = want
	h.pendingMutex.Unlock()
	defer func() {
		h.pendingMutex.Lock()
		h.pending = 0
		h.pendingMutex.Unlock()
	}()

	frag := bus.Fragment{
		FWAddr:   bus.AddressBusManager,
		HostAddr: bus.AddressBusManager,
		Payload:  req,
		Last:     true,
	}
	if err := h.writeFragment(ctx, &frag); err != nil {
		return nil, err
	}

	timer := time.NewTimer(h.cfg.RequestTimeout)
	defer timer.Stop()

	select {
	case resp := <-h.response:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("%w: waiting for %s", pkg.ErrTimeout, want)
	case <-hctx.Done():
		return nil, pkg.ErrNotRunning
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// sendFlowControl grants the firmware client one credit.
func (h *Host) sendFlowControl(ctx context.Context, fwAddr, hostAddr uint8) error {
	var buf [bus.FlowControlSize]byte
	fc := bus.FlowControl{FWAddr: fwAddr, HostAddr: hostAddr}
	n := fc.MarshalTo(buf[:])

	frag := bus.Fragment{
		FWAddr:   bus.AddressBusManager,
		HostAddr: bus.AddressBusManager,
		Payload:  buf[:n],
		Last:     true,
	}
	return h.writeFragment(ctx, &frag)
}
