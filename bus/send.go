package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/ardnew/softheci/pkg"
)

// Send transmits msg to the host connection of h as one logical message.
//
// It waits at most Config.CreditTimeout for flow-control credit and returns
// pkg.ErrNoCredit without writing anything if none arrives. ctx bounds only
// that wait; once credit is claimed every fragment is written. Concurrent
// senders on the same handle are serialized; their fragments never
// interleave. Returns len(msg) on success.
func (b *Bus) Send(ctx context.Context, h Handle, msg []byte) (int, error) {
	n, _, err := b.SendTimestamp(ctx, h, msg)
	return n, err
}

// SendTimestamp is like Send and also returns the transport timestamp of the
// last fragment written.
func (b *Bus) SendTimestamp(ctx context.Context, h Handle, msg []byte) (int, time.Time, error) {
	return b.sendSegments(ctx, h, [][]byte{msg}, len(msg))
}

// SendGather transmits the concatenation of segments as one logical message
// with a single credit wait. Fragments are filled greedily across segment
// boundaries. Every segment must be non-empty.
func (b *Bus) SendGather(ctx context.Context, h Handle, segments [][]byte) (int, error) {
	if b.lookup(h.Address()) == nil {
		return 0, pkg.ErrInvalidHandle
	}
	if len(segments) == 0 {
		return 0, fmt.Errorf("%w: no segments", pkg.ErrInvalidParameter)
	}

	total := 0
	for i, seg := range segments {
		if len(seg) == 0 {
			return 0, fmt.Errorf("%w: segment %d is empty", pkg.ErrInvalidParameter, i)
		}
		total += len(seg)
	}
	if total > b.cfg.MaxMessageSize {
		return 0, pkg.ErrOverflow
	}
	if len(segments) > MaxGatherSegments {
		return 0, fmt.Errorf("%w: %d > %d", pkg.ErrTooManySegments, len(segments), MaxGatherSegments)
	}

	n, _, err := b.sendSegments(ctx, h, segments, total)
	return n, err
}

// sendSegments runs the common send path for total bytes held in segments.
func (b *Bus) sendSegments(ctx context.Context, h Handle, segments [][]byte, total int) (int, time.Time, error) {
	cc := b.lookup(h.Address())
	if cc == nil {
		return 0, time.Time{}, pkg.ErrInvalidHandle
	}
	if total > b.cfg.MaxMessageSize {
		return 0, time.Time{}, pkg.ErrOverflow
	}

	conn := &cc.conn
	conn.sendMutex.Lock()
	defer conn.sendMutex.Unlock()

	if !conn.isConnected() {
		return 0, time.Time{}, pkg.ErrNotConnected
	}

	ok, err := conn.waitForCredit(ctx, b.cfg.CreditTimeout)
	if err != nil {
		return 0, time.Time{}, err
	}
	if !ok {
		pkg.LogDebug(pkg.ComponentBus, "no credit from host", "handle", h)
		return 0, time.Time{}, pkg.ErrNoCredit
	}

	// The credit is spent. Cancelling now would leave the host holding a
	// partial message, so the fragments are written without ctx's deadline.
	wctx := context.WithoutCancel(ctx)

	frag := Fragment{FWAddr: h.Address(), HostAddr: conn.host()}
	var (
		chunk [FragmentPayloadMax]byte
		fill  int
		sent  int
		ts    time.Time
	)

	flush := func() error {
		frag.Payload = chunk[:fill]
		frag.Last = sent+fill == total
		t, err := b.writeFragment(wctx, &frag)
		if err != nil {
			return err
		}
		ts = t
		sent += fill
		fill = 0
		return nil
	}

	for _, seg := range segments {
		for len(seg) > 0 {
			if fill == FragmentPayloadMax {
				if err := flush(); err != nil {
					return sent, ts, err
				}
			}
			c := copy(chunk[fill:], seg)
			fill += c
			seg = seg[c:]
		}
	}

	// An empty message still goes out as one empty last fragment so the
	// host observes the message that consumed its credit.
	if err := flush(); err != nil {
		return sent, ts, err
	}

	pkg.LogDebug(pkg.ComponentBus, "message sent",
		"handle", h,
		"hostAddr", frag.HostAddr,
		"length", total)
	return total, ts, nil
}

// SendToFixedClient writes payload to a fixed address in one complete
// fragment. Fixed clients are not flow controlled.
func (b *Bus) SendToFixedClient(ctx context.Context, addr uint8, payload []byte) (int, error) {
	if !IsFixedAddress(addr) {
		return 0, fmt.Errorf("%w: fixed address 0x%02x", pkg.ErrInvalidAddress, addr)
	}
	if len(payload) > FragmentPayloadMax {
		return 0, pkg.ErrOverflow
	}

	frag := Fragment{FWAddr: addr, HostAddr: 0, Payload: payload, Last: true}
	if _, err := b.writeFragment(ctx, &frag); err != nil {
		return 0, err
	}
	return len(payload), nil
}
