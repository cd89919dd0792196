// Package bus implements the firmware side of the HECI bus.
//
// HECI multiplexes many logical clients over one size-limited IPC channel.
// The bus owns the read side of that channel, decodes each fragment and
// routes it to the bus manager (address 0), to a fixed client (addresses
// 1-0x1F) or to a connected dynamic client (addresses 0x20-0xFE). Outbound
// messages are fragmented and gated by flow-control credit granted by the
// host.
//
// # Architecture
//
//   - [Fragment] encodes and decodes the 4-byte HECI header
//   - The bus manager answers version, enumerate, client-properties,
//     connect, disconnect, flow-control and host-stop requests
//   - The registry holds one [Descriptor] and connection state per client
//   - The dispatcher reassembles inbound fragments and invokes
//     [Client.OnMessage] on the last one
//   - [Bus.Send], [Bus.SendGather] and [Bus.SendToFixedClient] transmit
//
// # Addressing
//
// A client's [Handle] equals its dynamic address. Handles are assigned in
// registration order starting at 0x20:
//
//	0x00        bus manager
//	0x01-0x1F   fixed clients
//	0x20-0xFE   dynamic clients
//	0xFF        invalid
//
// # Flow Control
//
// The bus never holds more than one outbound credit per client. A credit is
// granted by the host after connect and after every message it receives.
// [Bus.Send] waits at most [Config.CreditTimeout] for one and consumes it
// before writing the first fragment. Inbound credit is granted back to the
// host automatically after each complete inbound message.
//
// # Usage
//
//	fw, _ := mem.Pipe(transport.IPCMaxPayload)
//	b := bus.New(fw, bus.DefaultConfig())
//
//	h, err := b.Register(bus.Descriptor{
//	    ProtocolID:     uuid.MustParse("..."),
//	    MaxConnections: 1,
//	    MaxMessageSize: bus.MaxMessageSize,
//	    Client:         myClient,
//	})
//
//	if err := b.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer b.Stop()
//
//	n, err := b.Send(ctx, h, reply)
//
// Callbacks run on the dispatcher goroutine. A client must not call
// [Bus.Send] from [Client.OnMessage]: the credit it waits for is delivered
// by the same goroutine, so the call would time out.
package bus
