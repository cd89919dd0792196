// Package loopback implements an echo client for the HECI bus.
//
// Every message the host sends to the client is sent straight back. It is
// the smallest useful dynamic client and exercises the whole path: connect,
// reassembly, credit-gated send, disconnect and power transitions.
//
// # Threading
//
// Bus callbacks run on the dispatcher goroutine, which is also the goroutine
// that processes the host's flow-control grants. A client that sent from
// OnMessage would wait for a credit the dispatcher can never deliver. The
// loopback client therefore only queues messages in OnMessage and sends them
// from its own worker goroutine.
//
// A send that fails with [pkg.ErrNoCredit] is retried with exponential
// backoff up to Config.MaxAttempts times.
//
// # Usage
//
//	lb := loopback.New(loopback.DefaultConfig())
//	if _, err := lb.Register(b); err != nil {
//	    log.Fatal(err)
//	}
//	lb.Start(ctx)
//	defer lb.Stop()
//	b.Start(ctx)
package loopback
