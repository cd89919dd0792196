// Package sysstate implements the system state service on the fixed HECI
// address 13.
//
// The host reports power transitions to this address. The service fans them
// out to subscribed clients: a STATUS message with the suspend bit set
// suspends every subscriber, and one without it resumes them. Bus clients
// implementing suspend or resume callbacks are subscribed automatically when
// the service is bound to the bus before they register.
//
//	svc := sysstate.New()
//	if err := svc.Bind(b); err != nil {
//	    log.Fatal(err)
//	}
//	// Register clients, then start the bus.
package sysstate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ardnew/softheci/bus"
	"github.com/ardnew/softheci/pkg"
)

// ReplyTimeout bounds a reply write to the host.
const ReplyTimeout = time.Second

// Service distributes system state changes to subscribers.
type Service struct {
	bus *bus.Bus

	mutex       sync.Mutex
	subscribers []bus.PowerSubscriber
	suspended   bool
}

// New creates an unbound service.
func New() *Service {
	return &Service{}
}

// Bind makes the service b's power broadcaster and routes the system state
// address to it. It must be called before clients register and before
// b starts.
func (s *Service) Bind(b *bus.Bus) error {
	if err := b.HandleFixed(bus.AddressSystemState, s); err != nil {
		return fmt.Errorf("bind system state: %w", err)
	}
	b.SetPowerBroadcaster(s)

	s.mutex.Lock()
	s.bus = b
	s.mutex.Unlock()
	return nil
}

// Subscribe adds a subscriber for suspend and resume.
func (s *Service) Subscribe(sub bus.PowerSubscriber) error {
	if sub == nil {
		return pkg.ErrInvalidParameter
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.subscribers = append(s.subscribers, sub)
	return nil
}

// NumSubscribers returns the number of subscribers.
func (s *Service) NumSubscribers() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.subscribers)
}

// Suspended reports whether the last state reported by the host was
// suspend.
func (s *Service) Suspended() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.suspended
}

// HandleFixed processes one message from the host.
func (s *Service) HandleFixed(addr uint8, payload []byte) {
	cmd, ok := ParseCommand(payload)
	if !ok {
		pkg.LogWarn(pkg.ComponentClient, "short system state message", "length", len(payload))
		return
	}

	switch cmd {
	case CommandStatus:
		var status Status
		if !ParseStatus(payload, &status) {
			pkg.LogWarn(pkg.ComponentClient, "invalid system state status", "length", len(payload))
			return
		}
		s.SetSuspended(status.Suspended())

	case CommandQuerySubscribers:
		s.reply(func(buf []byte) int {
			msg := Subscribe{States: SupportedStates}
			return msg.MarshalTo(buf)
		})

	case CommandStateChangeRequest:
		var req StateChangeRequest
		if !ParseStateChangeRequest(payload, &req) {
			pkg.LogWarn(pkg.ComponentClient, "invalid state change request", "length", len(payload))
			return
		}
		s.SetSuspended(req.States&StateSuspend != 0)
		s.reply(func(buf []byte) int {
			msg := Status{
				SupportedStates: SupportedStates,
				States:          s.states(),
			}
			return msg.MarshalTo(buf)
		})

	default:
		pkg.LogDebug(pkg.ComponentClient, "unsupported system state command",
			"address", addr,
			"command", uint32(cmd))
	}
}

// SetSuspended suspends or resumes every subscriber. It does nothing when
// the state is unchanged.
func (s *Service) SetSuspended(suspend bool) {
	s.mutex.Lock()
	if s.suspended == suspend {
		s.mutex.Unlock()
		return
	}
	s.suspended = suspend
	subs := append([]bus.PowerSubscriber(nil), s.subscribers...)
	s.mutex.Unlock()

	pkg.LogInfo(pkg.ComponentClient, "system state changed",
		"suspended", suspend,
		"subscribers", len(subs))

	for _, sub := range subs {
		if suspend {
			sub.Suspend()
		} else {
			sub.Resume()
		}
	}
}

func (s *Service) states() uint32 {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.suspended {
		return StateSuspend
	}
	return 0
}

// reply sends a message built by marshal to the host.
func (s *Service) reply(marshal func(buf []byte) int) {
	s.mutex.Lock()
	b := s.bus
	s.mutex.Unlock()
	if b == nil {
		pkg.LogDebug(pkg.ComponentClient, "system state service not bound, reply dropped")
		return
	}

	var buf [StatusSize]byte
	n := marshal(buf[:])

	ctx, cancel := context.WithTimeout(context.Background(), ReplyTimeout)
	defer cancel()
	if _, err := b.SendToFixedClient(ctx, bus.AddressSystemState, buf[:n]); err != nil {
		pkg.LogWarn(pkg.ComponentClient, "system state reply failed", "error", err)
	}
}
