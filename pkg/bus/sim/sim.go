// Package sim provides an in-memory two-wire bus for running the controller
// and any number of subordinates in one process.
package sim

import (
	"bytes"
	"sync"

	"github.com/urmzd/licd/pkg/bus"
	"github.com/urmzd/licd/pkg/protocol"
)

// BufferSize is the largest write accepted in one transmission.
const BufferSize = 32

// Transfer records one controller transmission.
type Transfer struct {
	Addr protocol.Address
	Data []byte
	Err  error
}

// Bus is a simulated shared bus. Endpoints bound at the same address
// arbitrate by attach order: the earliest attached one answers.
type Bus struct {
	mu        sync.Mutex
	endpoints []*Endpoint
	rx        bytes.Buffer
	transfers []Transfer
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{}
}

// Attach adds a new unbound endpoint to the bus.
func (b *Bus) Attach() *Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep := &Endpoint{bus: b}
	b.endpoints = append(b.endpoints, ep)
	return ep
}

// Transmit implements bus.Bus.
func (b *Bus) Transmit(addr protocol.Address, data []byte) error {
	payload := append([]byte(nil), data...)

	b.mu.Lock()
	var err error
	h := b.handlerAt(addr)
	switch {
	case len(data) > BufferSize:
		err = bus.ErrTooLong
	case h == nil:
		err = bus.ErrAddressNACK
	}
	b.transfers = append(b.transfers, Transfer{Addr: addr, Data: payload, Err: err})
	b.mu.Unlock()

	if err != nil {
		return err
	}

	// Delivered outside the lock so handlers can rebind.
	h.OnReceive(payload)
	return nil
}

// RequestFrom implements bus.Bus.
func (b *Bus) RequestFrom(addr protocol.Address, n int) int {
	b.mu.Lock()
	h := b.handlerAt(addr)
	b.mu.Unlock()

	if h == nil || n <= 0 {
		return 0
	}

	var reply bytes.Buffer
	h.OnRequest(&reply)
	data := reply.Bytes()
	if len(data) > n {
		data = data[:n]
	}

	b.mu.Lock()
	b.rx.Write(data)
	b.mu.Unlock()

	return len(data)
}

// Available implements bus.Bus.
func (b *Bus) Available() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rx.Len()
}

// Read implements bus.Bus.
func (b *Bus) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rx.Read(p)
}

// Transfers returns every transmission made so far.
func (b *Bus) Transfers() []Transfer {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Transfer(nil), b.transfers...)
}

// Bound returns how many endpoints are listening at addr.
func (b *Bus) Bound(addr protocol.Address) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, ep := range b.endpoints {
		if ep.bound && ep.addr == addr {
			n++
		}
	}
	return n
}

// handlerAt must be called with b.mu held.
func (b *Bus) handlerAt(addr protocol.Address) bus.Handler {
	for _, ep := range b.endpoints {
		if ep.bound && ep.addr == addr {
			return ep.handler
		}
	}
	return nil
}

// Endpoint is one device's attachment to a simulated Bus.
type Endpoint struct {
	bus     *Bus
	addr    protocol.Address
	handler bus.Handler
	bound   bool
}

// Bind implements bus.Endpoint.
func (e *Endpoint) Bind(addr protocol.Address, h bus.Handler) error {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()

	e.addr = addr
	e.handler = h
	e.bound = h != nil
	return nil
}

// Detach removes the endpoint from the bus.
func (e *Endpoint) Detach() {
	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()

	for i, ep := range e.bus.endpoints {
		if ep == e {
			e.bus.endpoints = append(e.bus.endpoints[:i], e.bus.endpoints[i+1:]...)
			break
		}
	}
	e.bound = false
}
