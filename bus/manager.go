package bus

import (
	"context"

	"github.com/ardnew/softheci/pkg"
)

// handleHBM processes one complete bus manager request.
//
// A request whose length does not match its command is dropped without a
// response. Unknown and reserved commands are ignored.
func (b *Bus) handleHBM(ctx context.Context, payload []byte) {
	if len(payload) == 0 {
		pkg.LogWarn(pkg.ComponentHBM, "empty bus message")
		return
	}

	cmd := Command(payload[0])
	want, ok := requestSize(cmd)
	if !ok {
		pkg.LogDebug(pkg.ComponentHBM, "unsupported bus command",
			"command", cmd.String(),
			"length", len(payload))
		return
	}
	if want != len(payload) {
		pkg.LogWarn(pkg.ComponentHBM, "invalid bus message length",
			"command", cmd.String(),
			"want", want,
			"got", len(payload))
		return
	}

	pkg.LogDebug(pkg.ComponentHBM, "bus request", "command", cmd.String())

	switch cmd {
	case CommandVersion:
		b.handleVersion(ctx, payload)
	case CommandEnumerate:
		b.handleEnumerate(ctx)
	case CommandClientProperties:
		b.handleClientProperties(ctx, payload)
	case CommandConnect:
		b.handleConnect(ctx, payload)
	case CommandDisconnect:
		b.handleDisconnect(ctx, payload)
	case CommandFlowControl:
		b.handleFlowControl(payload)
	case CommandHostStop:
		b.handleHostStop(ctx, payload)
	}
}

// sendHBM writes a bus manager message.
func (b *Bus) sendHBM(ctx context.Context, msg []byte) error {
	frag := Fragment{
		FWAddr:   AddressBusManager,
		HostAddr: AddressBusManager,
		Payload:  msg,
		Last:     true,
	}
	_, err := b.writeFragment(ctx, &frag)
	return err
}

func (b *Bus) handleVersion(ctx context.Context, payload []byte) {
	var req VersionRequest
	ParseVersionRequest(payload, &req)

	resp := VersionResponse{
		Supported: req.Major == b.cfg.HBMMajor && req.Minor == b.cfg.HBMMinor,
		Major:     b.cfg.HBMMajor,
		Minor:     b.cfg.HBMMinor,
	}
	if !resp.Supported {
		pkg.LogInfo(pkg.ComponentHBM, "host bus version not supported",
			"hostMajor", req.Major,
			"hostMinor", req.Minor)
	}

	var buf [VersionResponseSize]byte
	b.sendHBM(ctx, buf[:resp.MarshalTo(buf[:])])
}

func (b *Bus) handleEnumerate(ctx context.Context) {
	var resp EnumerateResponse
	for _, cc := range b.clients {
		resp.Set(cc.handle.Address())
	}

	var buf [EnumerateResponseSize]byte
	b.sendHBM(ctx, buf[:resp.MarshalTo(buf[:])])
}

func (b *Bus) handleClientProperties(ctx context.Context, payload []byte) {
	var req ClientPropertiesRequest
	ParseClientPropertiesRequest(payload, &req)

	resp := ClientPropertiesResponse{Address: req.Address}
	if cc := b.lookup(req.Address); cc == nil {
		resp.Status = pkg.ConnectStatusClientNotFound
	} else {
		resp.Properties = cc.desc.Properties()
	}

	var buf [ClientPropertiesSize]byte
	b.sendHBM(ctx, buf[:resp.MarshalTo(buf[:])])
}

func (b *Bus) handleConnect(ctx context.Context, payload []byte) {
	var req ConnectMessage
	ParseConnectMessage(payload, &req)

	resp := ConnectMessage{
		Command:  CommandConnect.Response(),
		FWAddr:   req.FWAddr,
		HostAddr: req.HostAddr,
	}

	cc := b.lookup(req.FWAddr)
	switch {
	case cc == nil:
		resp.Status = pkg.ConnectStatusClientNotFound
	case req.HostAddr == 0:
		resp.Status = pkg.ConnectStatusInvalidParameter
	case cc.conn.isConnected():
		resp.Status = pkg.ConnectStatusAlreadyExists
	default:
		cc.conn.connect(req.HostAddr)
	}

	pkg.LogInfo(pkg.ComponentHBM, "connect request",
		"fwAddr", req.FWAddr,
		"hostAddr", req.HostAddr,
		"status", resp.Status.String())

	var buf [ConnectResponseSize]byte
	b.sendHBM(ctx, buf[:resp.MarshalTo(buf[:])])

	if resp.Status == pkg.ConnectStatusSuccess {
		b.sendFlowControl(ctx, cc)
	}
}

func (b *Bus) handleDisconnect(ctx context.Context, payload []byte) {
	var req ConnectMessage
	ParseConnectMessage(payload, &req)

	resp := ConnectMessage{
		Command:  CommandDisconnect.Response(),
		FWAddr:   req.FWAddr,
		HostAddr: req.HostAddr,
	}

	cc := b.lookup(req.FWAddr)
	switch {
	case cc == nil || !cc.conn.isConnected():
		resp.Status = pkg.ConnectStatusClientNotFound
	case cc.conn.host() != req.HostAddr:
		resp.Status = pkg.ConnectStatusInvalidParameter
	default:
		conn := &cc.conn
		conn.sendMutex.Lock()
		if conn.isConnected() {
			cc.desc.Client.OnDisconnect(cc.handle)
			conn.disconnect()
		}
		conn.sendMutex.Unlock()
	}

	pkg.LogInfo(pkg.ComponentHBM, "disconnect request",
		"fwAddr", req.FWAddr,
		"hostAddr", req.HostAddr,
		"status", resp.Status.String())

	var buf [DisconnectResponseSize]byte
	b.sendHBM(ctx, buf[:resp.MarshalTo(buf[:])])
}

func (b *Bus) handleFlowControl(payload []byte) {
	var req FlowControl
	ParseFlowControl(payload, &req)

	cc := b.lookup(req.FWAddr)
	if cc == nil || !cc.conn.isConnected() {
		pkg.LogDebug(pkg.ComponentHBM, "flow control for inactive client",
			"fwAddr", req.FWAddr)
		return
	}
	cc.conn.grantCredit()
}

func (b *Bus) handleHostStop(ctx context.Context, payload []byte) {
	var req HostStopRequest
	ParseHostStopRequest(payload, &req)

	pkg.LogInfo(pkg.ComponentHBM, "host stop", "reason", req.Reason)

	var buf [HostStopResponseSize]byte
	b.sendHBM(ctx, buf[:MarshalHostStopResponse(buf[:])])
}

// sendFlowControl grants the host one credit for cc.
func (b *Bus) sendFlowControl(ctx context.Context, cc *clientContext) {
	msg := FlowControl{FWAddr: cc.handle.Address(), HostAddr: cc.conn.host()}
	var buf [FlowControlSize]byte
	b.sendHBM(ctx, buf[:msg.MarshalTo(buf[:])])
}
