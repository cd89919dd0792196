package loopback

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"github.com/ardnew/softheci/bus"
	"github.com/ardnew/softheci/pkg"
)

// ProtocolID identifies the loopback protocol in client properties.
var ProtocolID = uuid.MustParse("6a19cc4b-d760-4de3-b14d-f25ebd0fbcd9")

// ProtocolVersion is the advertised loopback protocol version.
const ProtocolVersion = 1

// Config holds loopback client settings.
type Config struct {
	// QueueDepth is the number of messages waiting to be echoed.
	QueueDepth int

	// MaxMessageSize is advertised to the host.
	MaxMessageSize uint32

	// Retry backoff for sends that find no credit.
	RetryMin    time.Duration
	RetryMax    time.Duration
	MaxAttempts int
}

// DefaultConfig returns the standard loopback settings.
func DefaultConfig() Config {
	return Config{
		QueueDepth:     8,
		MaxMessageSize: bus.MaxMessageSize,
		RetryMin:       10 * time.Millisecond,
		RetryMax:       500 * time.Millisecond,
		MaxAttempts:    5,
	}
}

// Stats counts loopback activity.
type Stats struct {
	Received uint64
	Echoed   uint64
	Dropped  uint64
	Retries  uint64
}

// Loopback is a dynamic client that echoes every message.
type Loopback struct {
	cfg Config

	bus    *bus.Bus
	handle bus.Handle

	queue chan []byte

	suspended atomic.Bool
	received  atomic.Uint64
	echoed    atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64

	// State
	running bool
	mutex   sync.Mutex
	wg      sync.WaitGroup
	cancel  context.CancelFunc
}

// New creates a loopback client. Zero values in cfg are replaced by
// defaults.
func New(cfg Config) *Loopback {
	def := DefaultConfig()
	if cfg.QueueDepth < 1 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.MaxMessageSize == 0 || cfg.MaxMessageSize > bus.MaxMessageSize {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = def.RetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = max(def.RetryMax, cfg.RetryMin)
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	return &Loopback{
		cfg:    cfg,
		handle: bus.InvalidHandle,
		queue:  make(chan []byte, cfg.QueueDepth),
	}
}

// Descriptor returns the registration record for the client.
func (l *Loopback) Descriptor() bus.Descriptor {
	return bus.Descriptor{
		ProtocolID:      ProtocolID,
		ProtocolVersion: ProtocolVersion,
		MaxConnections:  1,
		MaxMessageSize:  l.cfg.MaxMessageSize,
		Client:          l,
	}
}

// Register registers the client on b and returns its handle.
func (l *Loopback) Register(b *bus.Bus) (bus.Handle, error) {
	l.mutex.Lock()
	l.bus = b
	l.mutex.Unlock()
	return b.Register(l.Descriptor())
}

// Handle returns the handle assigned at registration.
func (l *Loopback) Handle() bus.Handle {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.handle
}

// Stats returns a snapshot of the counters.
func (l *Loopback) Stats() Stats {
	return Stats{
		Received: l.received.Load(),
		Echoed:   l.echoed.Load(),
		Dropped:  l.dropped.Load(),
		Retries:  l.retries.Load(),
	}
}

// Suspended reports whether the client is suspended.
func (l *Loopback) Suspended() bool {
	return l.suspended.Load()
}

// Start starts the echo worker.
func (l *Loopback) Start(ctx context.Context) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if l.running {
		return pkg.ErrAlreadyRunning
	}
	if l.bus == nil || l.handle == bus.InvalidHandle {
		return pkg.ErrNotRunning
	}

	ctx, l.cancel = context.WithCancel(ctx)
	l.running = true

	l.wg.Add(1)
	go l.worker(ctx, l.bus, l.handle)
	return nil
}

// Stop stops the echo worker. Queued messages are discarded.
func (l *Loopback) Stop() {
	l.mutex.Lock()
	if !l.running {
		l.mutex.Unlock()
		return
	}
	l.running = false
	l.cancel()
	l.mutex.Unlock()

	l.wg.Wait()
	l.drain()
}

// Initialize records the handle assigned by the bus.
func (l *Loopback) Initialize(h bus.Handle) error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.handle = h
	return nil
}

// OnMessage queues msg for echo.
func (l *Loopback) OnMessage(h bus.Handle, msg []byte) {
	l.received.Add(1)

	if l.suspended.Load() {
		l.dropped.Add(1)
		pkg.LogDebug(pkg.ComponentClient, "loopback suspended, dropping message",
			"handle", h,
			"size", len(msg))
		return
	}

	select {
	case l.queue <- append([]byte(nil), msg...):
	default:
		l.dropped.Add(1)
		pkg.LogWarn(pkg.ComponentClient, "loopback queue full, dropping message",
			"handle", h,
			"size", len(msg))
	}
}

// OnDisconnect discards queued messages.
func (l *Loopback) OnDisconnect(h bus.Handle) {
	n := l.drain()
	pkg.LogInfo(pkg.ComponentClient, "loopback disconnected",
		"handle", h,
		"discarded", n)
}

// OnSuspend stops echoing until resume.
func (l *Loopback) OnSuspend(h bus.Handle) {
	l.suspended.Store(true)
	n := l.drain()
	pkg.LogInfo(pkg.ComponentClient, "loopback suspended",
		"handle", h,
		"discarded", n)
}

// OnResume restarts echoing.
func (l *Loopback) OnResume(h bus.Handle) {
	l.suspended.Store(false)
	pkg.LogInfo(pkg.ComponentClient, "loopback resumed", "handle", h)
}

func (l *Loopback) drain() int {
	n := 0
	for {
		select {
		case <-l.queue:
			n++
		default:
			l.dropped.Add(uint64(n))
			return n
		}
	}
}

func (l *Loopback) worker(ctx context.Context, b *bus.Bus, h bus.Handle) {
	defer l.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-l.queue:
			l.echo(ctx, b, h, msg)
		}
	}
}

// echo sends msg back to the host, retrying while the host withholds
// credit.
func (l *Loopback) echo(ctx context.Context, b *bus.Bus, h bus.Handle, msg []byte) {
	retry := &backoff.Backoff{
		Min:    l.cfg.RetryMin,
		Max:    l.cfg.RetryMax,
		Factor: 2,
		Jitter: false,
	}

	for {
		_, err := b.Send(ctx, h, msg)
		if err == nil {
			l.echoed.Add(1)
			return
		}
		if !errors.Is(err, pkg.ErrNoCredit) || int(retry.Attempt())+1 >= l.cfg.MaxAttempts {
			l.dropped.Add(1)
			pkg.LogWarn(pkg.ComponentClient, "loopback echo failed",
				"handle", h,
				"size", len(msg),
				"attempts", int(retry.Attempt())+1,
				"error", err)
			return
		}

		l.retries.Add(1)
		wait := retry.Duration()
		pkg.LogDebug(pkg.ComponentClient, "loopback retrying echo",
			"handle", h,
			"wait", wait)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}
