// Package registry holds the controller's fixed-capacity table of registered
// subordinates, one slot per assignable bus address.
package registry

import (
	"errors"
	"sync"

	"github.com/urmzd/licd/pkg/protocol"
)

var (
	// ErrFull indicates every slot is occupied.
	ErrFull = errors.New("registry full")

	// ErrInvalidIdentity indicates a header with a zero UUID.
	ErrInvalidIdentity = errors.New("identity has zero uuid")

	// ErrNotFound indicates no device occupies the requested slot.
	ErrNotFound = errors.New("no device registered")
)

// Entry is an occupied slot.
type Entry struct {
	Address protocol.Address
	Header  protocol.Header
}

// Registry maps slot index i to address protocol.Base+i.
// A slot with a zero UUID is free.
type Registry struct {
	mu    sync.RWMutex
	slots []protocol.Header
	used  int
}

// New creates a registry with capacity slots, clamped to 1..protocol.MaxDevices.
func New(capacity int) *Registry {
	if capacity < 1 || capacity > protocol.MaxDevices {
		capacity = protocol.MaxDevices
	}
	return &Registry{slots: make([]protocol.Header, capacity)}
}

// Allocate claims the first free slot for h and returns its address.
// If h's UUID already holds a slot, that slot's address is returned and its
// flags are refreshed; existing reports whether that happened.
func (r *Registry) Allocate(h protocol.Header) (addr protocol.Address, existing bool, err error) {
	if h.IsZero() {
		return protocol.Listener, false, ErrInvalidIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	free := -1
	for i := range r.slots {
		if r.slots[i].UUID == h.UUID {
			r.slots[i].Flags = h.Flags
			return slotAddress(i), true, nil
		}
		if free < 0 && r.slots[i].IsZero() {
			free = i
		}
	}

	if free < 0 {
		return protocol.Listener, false, ErrFull
	}

	r.slots[free] = h
	r.used++
	return slotAddress(free), false, nil
}

// Lookup returns the header registered at addr.
func (r *Registry) Lookup(addr protocol.Address) (protocol.Header, error) {
	i := int(addr) - int(protocol.Base)

	r.mu.RLock()
	defer r.mu.RUnlock()

	if i < 0 || i >= len(r.slots) || r.slots[i].IsZero() {
		return protocol.Header{}, ErrNotFound
	}
	return r.slots[i], nil
}

// Find returns the address registered for uuid.
func (r *Registry) Find(uuid uint32) (protocol.Address, error) {
	if uuid == 0 {
		return protocol.Listener, ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for i := range r.slots {
		if r.slots[i].UUID == uuid {
			return slotAddress(i), nil
		}
	}
	return protocol.Listener, ErrNotFound
}

// Devices returns the occupied slots in address order.
func (r *Registry) Devices() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, r.used)
	for i, h := range r.slots {
		if !h.IsZero() {
			entries = append(entries, Entry{Address: slotAddress(i), Header: h})
		}
	}
	return entries
}

// Len returns the number of occupied slots.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.used
}

// Cap returns the number of slots.
func (r *Registry) Cap() int {
	return len(r.slots)
}

func slotAddress(i int) protocol.Address {
	return protocol.Base + protocol.Address(i)
}
