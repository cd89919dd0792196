package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// clientContext is one registry slot.
type clientContext struct {
	handle Handle
	desc   Descriptor

	dataMutex sync.Mutex
	data      any

	conn connection
}

// connection is the runtime state of a client's single host connection.
//
// connected and hostAddr are written by the dispatcher and read by senders.
// The reassembly fields belong to the dispatcher goroutine.
type connection struct {
	connected atomic.Bool
	hostAddr  atomic.Uint32

	// Serializes senders for this client.
	sendMutex sync.Mutex

	// Outbound credit, 0 or 1.
	credMutex sync.Mutex
	credits   uint8
	waiter    chan struct{}

	// Inbound reassembly.
	rxBuf    []byte
	rxIgnore bool
}

func (c *connection) isConnected() bool {
	return c.connected.Load()
}

func (c *connection) host() uint8 {
	return uint8(c.hostAddr.Load())
}

// connect binds hostAddr and marks the connection up.
func (c *connection) connect(hostAddr uint8) {
	c.resetRx()
	c.credMutex.Lock()
	c.credits = 0
	c.credMutex.Unlock()
	c.hostAddr.Store(uint32(hostAddr))
	c.connected.Store(true)
}

// disconnect marks the connection down and drops any partial message and
// unused credit.
func (c *connection) disconnect() {
	c.connected.Store(false)
	c.resetRx()
	c.credMutex.Lock()
	c.credits = 0
	c.credMutex.Unlock()
}

func (c *connection) resetRx() {
	c.rxBuf = c.rxBuf[:0]
	c.rxIgnore = false
}

// grantCredit sets the credit and wakes a parked sender.
func (c *connection) grantCredit() {
	c.credMutex.Lock()
	c.credits = 1
	w := c.waiter
	c.credMutex.Unlock()

	if w != nil {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

// hasCredit reports whether an unused credit is held.
func (c *connection) hasCredit() bool {
	c.credMutex.Lock()
	defer c.credMutex.Unlock()
	return c.credits > 0
}

// waitForCredit claims the credit, waiting up to timeout for a grant.
// The credit is consumed before it returns true. After a timeout the waiter
// is detached, so a later grant stays available to the next sender.
func (c *connection) waitForCredit(ctx context.Context, timeout time.Duration) (bool, error) {
	var timer *time.Timer
	for {
		c.credMutex.Lock()
		if c.credits > 0 {
			c.credits = 0
			c.waiter = nil
			c.credMutex.Unlock()
			return true, nil
		}
		if c.waiter == nil {
			c.waiter = make(chan struct{}, 1)
		}
		w := c.waiter
		c.credMutex.Unlock()

		if timer == nil {
			timer = time.NewTimer(timeout)
			defer timer.Stop()
		}

		select {
		case <-w:
		case <-timer.C:
			c.detach(w)
			return false, nil
		case <-ctx.Done():
			c.detach(w)
			return false, ctx.Err()
		}
	}
}

func (c *connection) detach(w chan struct{}) {
	c.credMutex.Lock()
	if c.waiter == w {
		c.waiter = nil
	}
	c.credMutex.Unlock()
}

// appendRx adds an inbound fragment payload, switching to discard mode once
// the message would exceed limit.
func (c *connection) appendRx(payload []byte, limit int) {
	if !c.rxIgnore && len(c.rxBuf)+len(payload) > limit {
		c.rxIgnore = true
	}
	if !c.rxIgnore {
		c.rxBuf = append(c.rxBuf, payload...)
	}
}
