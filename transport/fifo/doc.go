// Package fifo implements a transport over named pipes (FIFOs).
//
// It lets a firmware bus and a host driver run in separate processes and
// exchange IPC deliveries through a shared directory. It is intended for
// testing and simulation.
//
// # Layout
//
// Each opened peer/protocol pair uses two FIFOs in the link directory:
//
//	/tmp/heci-link/
//	├── host-heci.to_fw      # host → firmware deliveries
//	└── host-heci.to_host    # firmware → host deliveries
//
// Either side may create the FIFOs; whichever opens first creates them and the
// other reuses them. The firmware side removes them when its transport is
// closed.
//
// # Framing
//
// Pipes carry a byte stream, so each delivery is framed:
//
//	[2 bytes: length, little-endian][N bytes: payload]
//
// A frame is written with one write call. Frames are far below PIPE_BUF and
// are therefore never interleaved with frames from another writer.
//
// # Usage
//
//	// Firmware process
//	fw := fifo.New("/tmp/heci-link", fifo.RoleFirmware)
//	b := bus.New(fw, bus.DefaultConfig())
//
//	// Host process
//	tr := fifo.New("/tmp/heci-link", fifo.RoleHost)
//	h := host.New(tr, host.DefaultConfig())
package fifo
