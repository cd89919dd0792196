package host

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softheci/bus"
	"github.com/ardnew/softheci/pkg"
)

// Conn is a connection between one host address and one firmware client.
type Conn struct {
	host     *Host
	fwAddr   uint8
	hostAddr uint8

	// Firmware credit. Holds at most one grant.
	credit chan struct{}

	// Reassembled messages
	rx chan []byte

	// Reassembly state, owned by the receive loop
	rxBuf    []byte
	rxIgnore bool

	sendMutex sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(h *Host, fwAddr, hostAddr uint8) *Conn {
	return &Conn{
		host:     h,
		fwAddr:   fwAddr,
		hostAddr: hostAddr,
		credit:   make(chan struct{}, 1),
		rx:       make(chan []byte, h.cfg.ReceiveQueue),
		done:     make(chan struct{}),
	}
}

// FWAddr returns the firmware client address.
func (c *Conn) FWAddr() uint8 {
	return c.fwAddr
}

// HostAddr returns the host address assigned at connect.
func (c *Conn) HostAddr() uint8 {
	return c.hostAddr
}

// Closed returns a channel that is closed when the connection ends.
func (c *Conn) Closed() <-chan struct{} {
	return c.done
}

func (c *Conn) close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) grant() {
	select {
	case c.credit <- struct{}{}:
	default:
	}
}

// Send sends msg to the firmware client once the firmware grants a credit.
// Returns the number of payload bytes sent.
func (c *Conn) Send(ctx context.Context, msg []byte) (int, error) {
	if len(msg) > c.host.cfg.MaxMessageSize {
		return 0, pkg.ErrOverflow
	}

	c.sendMutex.Lock()
	defer c.sendMutex.Unlock()

	select {
	case <-c.done:
		return 0, pkg.ErrNotConnected
	default:
	}

	timer := time.NewTimer(c.host.cfg.CreditTimeout)
	defer timer.Stop()

	select {
	case <-c.credit:
	case <-timer.C:
		return 0, pkg.ErrNoCredit
	case <-c.done:
		return 0, pkg.ErrNotConnected
	case <-ctx.Done():
		return 0, ctx.Err()
	}

	// Once the credit is taken the whole message goes out.
	wctx := context.WithoutCancel(ctx)

	sent := 0
	for {
		chunk := min(len(msg)-sent, bus.FragmentPayloadMax)
		frag := bus.Fragment{
			FWAddr:   c.fwAddr,
			HostAddr: c.hostAddr,
			Payload:  msg[sent : sent+chunk],
			Last:     sent+chunk == len(msg),
		}
		if err := c.host.writeFragment(wctx, &frag); err != nil {
			return sent, err
		}
		sent += chunk
		if frag.Last {
			return sent, nil
		}
	}
}

// Receive returns the next message from the firmware client and grants the
// client another credit.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	var msg []byte
	select {
	case msg = <-c.rx:
	case <-c.done:
		// Drain anything delivered before the close.
		select {
		case msg = <-c.rx:
		default:
			return nil, pkg.ErrNotConnected
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case <-c.done:
	default:
		if err := c.host.sendFlowControl(ctx, c.fwAddr, c.hostAddr); err != nil {
			return msg, fmt.Errorf("grant credit: %w", err)
		}
	}
	return msg, nil
}

// Disconnect asks the firmware to end the connection. The connection is
// closed locally whatever the firmware answers.
func (c *Conn) Disconnect(ctx context.Context) error {
	select {
	case <-c.done:
		return pkg.ErrNotConnected
	default:
	}
	defer c.host.release(c)

	var buf [bus.DisconnectRequestSize]byte
	req := bus.ConnectMessage{Command: bus.CommandDisconnect, FWAddr: c.fwAddr, HostAddr: c.hostAddr}
	n := req.MarshalTo(buf[:])

	data, err := c.host.request(ctx, buf[:n], bus.CommandDisconnect.Response())
	if err != nil {
		return err
	}
	var resp bus.ConnectMessage
	if !bus.ParseConnectMessage(data, &resp) {
		return fmt.Errorf("%w: disconnect response", pkg.ErrMalformedFragment)
	}
	if err := resp.Status.Err(); err != nil {
		return fmt.Errorf("disconnect 0x%02x: %w", c.fwAddr, err)
	}

	pkg.LogInfo(pkg.ComponentHost, "disconnected",
		"fwAddr", c.fwAddr,
		"hostAddr", c.hostAddr)
	return nil
}

// receiveFragment appends a fragment and queues the message on the last one.
// Messages beyond limit are discarded. Returns true when a completed message
// was dropped, leaving the firmware without credit.
func (c *Conn) receiveFragment(payload []byte, last bool, limit int) bool {
	if !c.rxIgnore {
		if len(c.rxBuf)+len(payload) > limit {
			pkg.LogWarn(pkg.ComponentHost, "message too large, discarding",
				"fwAddr", c.fwAddr,
				"size", len(c.rxBuf)+len(payload))
			c.rxIgnore = true
			c.rxBuf = c.rxBuf[:0]
		} else {
			c.rxBuf = append(c.rxBuf, payload...)
		}
	}
	if !last {
		return false
	}

	ignore := c.rxIgnore
	msg := append([]byte(nil), c.rxBuf...)
	c.rxBuf = c.rxBuf[:0]
	c.rxIgnore = false
	if ignore {
		return true
	}

	select {
	case c.rx <- msg:
		return false
	default:
		pkg.LogWarn(pkg.ComponentHost, "receive queue full, dropping message",
			"fwAddr", c.fwAddr,
			"size", len(msg))
		return true
	}
}
