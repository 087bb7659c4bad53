// Package subordinate implements the device side of dynamic address
// assignment: a device starts listening at the reserved discovery address and
// moves to the address the controller assigns it.
package subordinate

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/licd/pkg/bus"
	"github.com/urmzd/licd/pkg/protocol"
)

// State is the subordinate's address state.
type State int

const (
	StateListening State = iota
	StateAssigned
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateAssigned:
		return "assigned"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// presenceAck is replied to reads at the discovery address when no identity
// has been requested yet.
const presenceAck = 0x00

// Subordinate is one device attached to the bus.
type Subordinate struct {
	ep       bus.Endpoint
	app      bus.Handler
	identity protocol.Header

	address atomic.Uint32
	queried atomic.Bool

	settle time.Duration
	sleep  func(time.Duration)
}

// Option configures a Subordinate.
type Option func(*Subordinate)

// WithSettleDelay overrides the delay after each received command.
func WithSettleDelay(d time.Duration) Option {
	return func(s *Subordinate) {
		s.settle = d
	}
}

// New attaches a subordinate to ep at the discovery address. app receives all
// traffic once an address is assigned; it may be nil.
func New(ep bus.Endpoint, identity protocol.Header, app bus.Handler, opts ...Option) (*Subordinate, error) {
	if app == nil {
		app = nopHandler{}
	}

	s := &Subordinate{
		ep:       ep,
		app:      app,
		identity: identity,
		settle:   protocol.SettleDelay,
		sleep:    time.Sleep,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.address.Store(uint32(protocol.Listener))

	if err := ep.Bind(protocol.Listener, discovery{s}); err != nil {
		return nil, fmt.Errorf("bind discovery address: %w", err)
	}

	return s, nil
}

// Address returns the current bus address.
func (s *Subordinate) Address() protocol.Address {
	return protocol.Address(s.address.Load())
}

// Assigned reports whether the device holds a unique address.
func (s *Subordinate) Assigned() bool {
	return s.Address().Valid()
}

// State returns the current address state.
func (s *Subordinate) State() State {
	if s.Assigned() {
		return StateAssigned
	}
	return StateListening
}

// Identity returns the header reported during discovery.
func (s *Subordinate) Identity() protocol.Header {
	return s.identity
}

// handleCommand runs the listening-state transition table.
func (s *Subordinate) handleCommand(data []byte) {
	defer s.sleep(s.settle)

	if len(data) == 0 || s.Assigned() {
		return
	}

	cmd := protocol.Command(data[0])
	switch cmd {
	case protocol.CmdQueryIdentity:
		s.queried.Store(true)
		log.Debug().Uint32("uuid", s.identity.UUID).Msg("Identity queried")

	case protocol.CmdAssignAddress:
		if len(data) < 2 {
			log.Warn().Msg("Assign command without address payload")
			return
		}
		addr := protocol.Address(data[1])
		if !addr.Valid() {
			log.Warn().Stringer("address", addr).Msg("Ignoring assignment outside address range")
			return
		}
		if err := s.ep.Bind(addr, s.app); err != nil {
			log.Error().Err(err).Stringer("address", addr).Msg("Failed to bind assigned address")
			return
		}
		s.queried.Store(false)
		s.address.Store(uint32(addr))
		log.Info().Uint32("uuid", s.identity.UUID).Stringer("address", addr).Msg("Address assigned")

	case protocol.CmdRetry:
		s.queried.Store(false)
		log.Debug().Uint32("uuid", s.identity.UUID).Msg("Controller asked to retry")

	default:
		log.Debug().Stringer("command", cmd).Msg("Unknown command at discovery address")
	}
}

// handleIdentityRequest answers a read at the discovery address.
func (s *Subordinate) handleIdentityRequest(w io.Writer) {
	if !s.queried.Load() || s.identity.IsZero() {
		_, _ = w.Write([]byte{presenceAck})
		return
	}

	b, _ := s.identity.MarshalBinary()
	_, _ = w.Write(b)
}

// discovery is the handler bound at the discovery address.
type discovery struct {
	s *Subordinate
}

func (d discovery) OnReceive(data []byte) { d.s.handleCommand(data) }
func (d discovery) OnRequest(w io.Writer) { d.s.handleIdentityRequest(w) }

type nopHandler struct{}

func (nopHandler) OnReceive([]byte)    {}
func (nopHandler) OnRequest(io.Writer) {}
