// Package mem implements an in-process transport made of two connected
// channel ends.
//
// It is intended for tests and simulations that run the firmware bus and the
// host driver in one process:
//
//	fw, host := mem.Pipe(transport.IPCMaxPayload)
//	b := bus.New(fw, bus.DefaultConfig())
//	h := host.New(host, host.DefaultConfig())
//
// Every delivery is copied, so callers may reuse their buffers as soon as
// Write returns.
package mem

import (
	"context"
	"sync"
	"time"

	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
)

// QueueDepth is the number of deliveries buffered in each direction.
const QueueDepth = 32

// link is shared by both ends of a pipe.
type link struct {
	maxPayload int
	done       chan struct{}
	closeOnce  sync.Once
}

func (l *link) close() {
	l.closeOnce.Do(func() { close(l.done) })
}

// Transport is one end of an in-process pipe.
type Transport struct {
	name string
	link *link
	in   chan []byte
	out  chan []byte

	mutex  sync.Mutex
	opened bool
}

// Pipe returns two connected transports. Deliveries larger than maxPayload
// are rejected. A maxPayload of zero selects [transport.IPCMaxPayload].
func Pipe(maxPayload int) (firmware, host *Transport) {
	if maxPayload <= 0 {
		maxPayload = transport.IPCMaxPayload
	}
	l := &link{maxPayload: maxPayload, done: make(chan struct{})}
	toHost := make(chan []byte, QueueDepth)
	toFirmware := make(chan []byte, QueueDepth)
	firmware = &Transport{name: "firmware", link: l, in: toFirmware, out: toHost}
	host = &Transport{name: "host", link: l, in: toHost, out: toFirmware}
	return firmware, host
}

// Open returns the channel for this end. Each end can be opened once.
func (t *Transport) Open(ctx context.Context, peer transport.Peer, protocol transport.Protocol) (transport.Channel, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.opened {
		return nil, pkg.ErrAlreadyRunning
	}
	select {
	case <-t.link.done:
		return nil, pkg.ErrClosed
	default:
	}
	t.opened = true

	pkg.LogDebug(pkg.ComponentTransport, "mem channel opened",
		"end", t.name,
		"peer", peer.String(),
		"protocol", protocol.String())

	return &channel{t: t}, nil
}

// Close closes both ends of the pipe.
func (t *Transport) Close() error {
	t.link.close()
	return nil
}

type channel struct {
	t *Transport
}

// check reports a closed pipe or a finished ctx before any queue
// operation, since select picks among ready cases at random.
func (c *channel) check(ctx context.Context) error {
	select {
	case <-c.t.link.done:
		return pkg.ErrClosed
	default:
	}
	return ctx.Err()
}

func (c *channel) Read(ctx context.Context, buf []byte) (int, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.t.link.done:
		return 0, pkg.ErrClosed
	case msg := <-c.t.in:
		return copy(buf, msg), nil
	}
}

func (c *channel) Write(ctx context.Context, data []byte) (int, error) {
	n, _, err := c.WriteTimestamp(ctx, data)
	return n, err
}

func (c *channel) WriteTimestamp(ctx context.Context, data []byte) (int, time.Time, error) {
	if len(data) > c.t.link.maxPayload {
		return 0, time.Time{}, pkg.ErrMessageTooLarge
	}
	if err := c.check(ctx); err != nil {
		return 0, time.Time{}, err
	}
	msg := make([]byte, len(data))
	copy(msg, data)

	select {
	case <-ctx.Done():
		return 0, time.Time{}, ctx.Err()
	case <-c.t.link.done:
		return 0, time.Time{}, pkg.ErrClosed
	case c.t.out <- msg:
		return len(data), time.Now(), nil
	}
}

func (c *channel) MaxPayload() int {
	return c.t.link.maxPayload
}

func (c *channel) Close() error {
	c.t.link.close()
	return nil
}

var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.Channel         = (*channel)(nil)
	_ transport.TimestampWriter = (*channel)(nil)
)
