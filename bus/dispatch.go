package bus

import (
	"context"

	"github.com/ardnew/softheci/pkg"
	"github.com/ardnew/softheci/transport"
)

// rxLoop owns the read side of ch until ctx is cancelled or ch is closed.
func (b *Bus) rxLoop(ctx context.Context, ch transport.Channel) {
	defer b.wg.Done()

	buf := make([]byte, max(ch.MaxPayload(), transport.IPCMaxPayload))
	for {
		n, err := ch.Read(ctx, buf)
		if err != nil {
			if isStopping(ctx, err) {
				pkg.LogDebug(pkg.ComponentDispatch, "dispatcher exiting", "reason", err)
				return
			}
			pkg.LogWarn(pkg.ComponentDispatch, "read failed, discarding", "error", err)
			continue
		}
		if n <= 0 {
			pkg.LogDebug(pkg.ComponentDispatch, "discard empty delivery")
			continue
		}
		b.dispatch(ctx, buf[:n])
	}
}

// dispatch decodes and routes one transport delivery.
func (b *Bus) dispatch(ctx context.Context, data []byte) {
	var frag Fragment
	if err := Decode(data, &frag); err != nil {
		pkg.LogWarn(pkg.ComponentDispatch, "discard fragment", "error", err)
		return
	}

	if frag.HostAddr != 0 {
		b.handleClientFragment(ctx, &frag)
		return
	}

	// Bus manager and fixed client messages always fit in one fragment.
	if !frag.Last {
		pkg.LogWarn(pkg.ComponentDispatch, "discard incomplete bus message",
			"fwAddr", frag.FWAddr)
		return
	}

	if frag.FWAddr == AddressBusManager {
		b.handleHBM(ctx, frag.Payload)
		return
	}

	if h, ok := b.fixed[frag.FWAddr]; ok {
		h.HandleFixed(frag.FWAddr, frag.Payload)
		return
	}

	pkg.LogWarn(pkg.ComponentDispatch, "unsupported fixed client", "fwAddr", frag.FWAddr)
}

// handleClientFragment reassembles traffic for a dynamic client.
func (b *Bus) handleClientFragment(ctx context.Context, frag *Fragment) {
	cc := b.lookup(frag.FWAddr)
	if cc == nil {
		pkg.LogDebug(pkg.ComponentDispatch, "fragment for unknown client", "fwAddr", frag.FWAddr)
		return
	}
	conn := &cc.conn
	if !conn.isConnected() || conn.host() != frag.HostAddr {
		pkg.LogDebug(pkg.ComponentDispatch, "fragment for unconnected client",
			"fwAddr", frag.FWAddr,
			"hostAddr", frag.HostAddr)
		return
	}

	if conn.rxBuf == nil {
		conn.rxBuf = make([]byte, 0, b.cfg.MaxMessageSize)
	}
	conn.appendRx(frag.Payload, b.cfg.MaxMessageSize)

	if !frag.Last {
		return
	}

	if conn.rxIgnore {
		pkg.LogWarn(pkg.ComponentDispatch, "discard oversize message", "handle", cc.handle)
	} else {
		cc.desc.Client.OnMessage(cc.handle, conn.rxBuf)
	}
	conn.resetRx()

	b.sendFlowControl(ctx, cc)
}
