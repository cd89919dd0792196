package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
)

// Config holds bus limits.
type Config struct {
	// MaxClients is the registry capacity (1..MaxDynamicClients).
	MaxClients int

	// MaxMessageSize is the largest logical message in either direction.
	MaxMessageSize int

	// CreditTimeout bounds the wait for outbound credit in Send.
	CreditTimeout time.Duration

	// HBMMajor and HBMMinor are the bus manager version advertised.
	// Version 0.0 is not a valid bus version and selects the default.
	HBMMajor uint8
	HBMMinor uint8

	// Peer is the transport peer carrying HECI.
	Peer transport.Peer
}

// DefaultConfig returns the standard bus limits.
func DefaultConfig() Config {
	return Config{
		MaxClients:     DefaultMaxClients,
		MaxMessageSize: MaxMessageSize,
		CreditTimeout:  DefaultCreditTimeout,
		HBMMajor:       HBMMajorVersion,
		HBMMinor:       HBMMinorVersion,
		Peer:           transport.PeerHost,
	}
}

// Validate checks the limits.
func (c Config) Validate() error {
	if c.MaxClients < 1 || c.MaxClients > MaxDynamicClients {
		return fmt.Errorf("%w: max clients %d not in 1..%d",
			pkg.ErrInvalidParameter, c.MaxClients, MaxDynamicClients)
	}
	if c.MaxMessageSize < 1 || c.MaxMessageSize > MaxMessageSize {
		return fmt.Errorf("%w: max message size %d not in 1..%d",
			pkg.ErrInvalidParameter, c.MaxMessageSize, MaxMessageSize)
	}
	if c.CreditTimeout <= 0 {
		return fmt.Errorf("%w: credit timeout must be positive", pkg.ErrInvalidParameter)
	}
	if c.HBMMajor == 0 && c.HBMMinor == 0 {
		return fmt.Errorf("%w: bus version 0.0", pkg.ErrInvalidParameter)
	}
	return nil
}

// Bus is the firmware side of one HECI link.
type Bus struct {
	tr  transport.Transport
	cfg Config

	// Registry. Append-only before Start, read-only after.
	clients []*clientContext
	fixed   map[uint8]FixedHandler
	power   PowerBroadcaster

	// Transport channel, guarded by mutex. txMutex serializes writes.
	ch      transport.Channel
	txMutex sync.Mutex
	txBuf   [transport.IPCMaxPayload]byte

	// State
	running bool
	mutex   sync.RWMutex
	wg      sync.WaitGroup

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a bus on tr. Invalid limits in cfg, and a zero HBM version,
// are replaced by defaults, so the zero Config is usable.
func New(tr transport.Transport, cfg Config) *Bus {
	def := DefaultConfig()
	if cfg.MaxClients < 1 || cfg.MaxClients > MaxDynamicClients {
		cfg.MaxClients = def.MaxClients
	}
	if cfg.MaxMessageSize < 1 || cfg.MaxMessageSize > MaxMessageSize {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.CreditTimeout <= 0 {
		cfg.CreditTimeout = def.CreditTimeout
	}
	if cfg.HBMMajor == 0 && cfg.HBMMinor == 0 {
		cfg.HBMMajor, cfg.HBMMinor = def.HBMMajor, def.HBMMinor
	}
	return &Bus{
		tr:      tr,
		cfg:     cfg,
		clients: make([]*clientContext, 0, cfg.MaxClients),
		fixed:   make(map[uint8]FixedHandler),
	}
}

// Config returns the effective configuration.
func (b *Bus) Config() Config {
	return b.cfg
}

// SetPowerBroadcaster sets the broadcaster that clients implementing
// [Suspender] or [Resumer] subscribe to at registration.
func (b *Bus) SetPowerBroadcaster(p PowerBroadcaster) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	b.power = p
}

// HandleFixed routes host messages for a fixed address to h. It must be
// called before Start.
func (b *Bus) HandleFixed(addr uint8, h FixedHandler) error {
	if !IsFixedAddress(addr) {
		return fmt.Errorf("%w: fixed address 0x%02x", pkg.ErrInvalidAddress, addr)
	}
	if h == nil {
		return pkg.ErrInvalidParameter
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()
	if b.running {
		return pkg.ErrAlreadyRunning
	}
	b.fixed[addr] = h

	pkg.LogDebug(pkg.ComponentBus, "fixed handler registered", "address", addr)
	return nil
}

// Start opens the HECI channel and starts the dispatcher.
func (b *Bus) Start(ctx context.Context) error {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.running {
		return pkg.ErrAlreadyRunning
	}

	ch, err := b.tr.Open(ctx, b.cfg.Peer, transport.ProtocolHECI)
	if err != nil {
		return fmt.Errorf("open heci channel: %w", err)
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.ch = ch
	b.running = true

	b.wg.Add(1)
	go b.rxLoop(b.ctx, ch)

	pkg.LogInfo(pkg.ComponentBus, "heci bus started",
		"clients", len(b.clients),
		"maxPayload", ch.MaxPayload())
	return nil
}

// Stop stops the dispatcher and closes the channel.
func (b *Bus) Stop() error {
	b.mutex.Lock()
	if !b.running {
		b.mutex.Unlock()
		return nil
	}
	b.running = false
	if b.cancel != nil {
		b.cancel()
	}
	ch := b.ch
	b.ch = nil
	b.mutex.Unlock()

	var err error
	if ch != nil {
		err = ch.Close()
	}
	b.wg.Wait()

	pkg.LogInfo(pkg.ComponentBus, "heci bus stopped")
	return err
}

// IsRunning returns true if the dispatcher is running.
func (b *Bus) IsRunning() bool {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	return b.running
}

// writeFragment encodes f and writes it as one delivery.
func (b *Bus) writeFragment(ctx context.Context, f *Fragment) (time.Time, error) {
	b.mutex.RLock()
	ch := b.ch
	b.mutex.RUnlock()
	if ch == nil {
		return time.Time{}, pkg.ErrNotRunning
	}

	b.txMutex.Lock()
	defer b.txMutex.Unlock()

	n := f.MarshalTo(b.txBuf[:])
	if n == 0 {
		return time.Time{}, fmt.Errorf("%w: fragment payload %d", pkg.ErrMessageTooLarge, len(f.Payload))
	}

	written, ts, err := transport.WriteTimestamp(ctx, ch, b.txBuf[:n])
	if err == nil && written != n {
		err = fmt.Errorf("short write: %d of %d bytes", written, n)
	}
	if err != nil {
		pkg.LogWarn(pkg.ComponentBus, "fragment write failed",
			"fwAddr", f.FWAddr,
			"hostAddr", f.HostAddr,
			"length", n,
			"error", err)
		return ts, err
	}
	return ts, nil
}

// isStopping reports whether err ends the dispatcher.
func isStopping(ctx context.Context, err error) bool {
	return ctx.Err() != nil || errors.Is(err, pkg.ErrClosed)
}
