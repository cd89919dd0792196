// Package host implements the host side of a HECI link.
//
// It speaks the same wire format as the firmware bus in
// [github.com/ardnew/softheci/bus] and is used to drive that bus from tests,
// simulations, and the example programs. The host owns the bus manager
// conversation: it sends version, enumerate, client-properties, connect,
// disconnect and host-stop requests, and the firmware answers them.
//
// # Architecture
//
//   - Host owns the transport channel and the receive loop
//   - Conn is one connection to a dynamic firmware client
//   - Fixed-address traffic is routed to handlers set with HandleFixed
//
// # Flow Control
//
// Every message in either direction consumes one credit. Connect grants the
// firmware client its first credit, and Receive grants another each time it
// returns a message. Conn.Send waits for a credit granted by the firmware.
//
// # Requests
//
// Only one bus manager request is outstanding at a time. Responses are
// matched to the pending request by command code; anything else is logged
// and dropped.
//
// # Example
//
//	fw, hostEnd := mem.Pipe(0)
//	h := host.New(hostEnd, host.DefaultConfig())
//	if err := h.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer h.Stop()
//
//	addrs, err := h.Enumerate(ctx)
//	conn, err := h.Connect(ctx, addrs[0])
//	_, err = conn.Send(ctx, []byte("ping"))
//	reply, err := conn.Receive(ctx)
package host
