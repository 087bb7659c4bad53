package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// Address space constants
const (
	// Listener is the reserved address every unassigned subordinate listens on.
	// It is only used during discovery and is never handed out.
	Listener Address = 0x01

	// Base is the first assignable address.
	Base Address = 0x02

	// MaxDevices is the number of assignable slots, covering the rest of the
	// 7-bit address space.
	MaxDevices = 126
)

// Fixed protocol timings
const (
	IdentityReadTimeout = 150 * time.Millisecond
	SettleDelay         = 30 * time.Millisecond
)

// Address is a 7-bit bus address.
type Address uint8

// Valid reports whether a is an assignable address (not the listener).
func (a Address) Valid() bool {
	return a >= Base && int(a) < int(Base)+MaxDevices
}

func (a Address) String() string {
	return fmt.Sprintf("0x%02x", uint8(a))
}

// Command is a one-byte protocol command.
type Command uint8

const (
	CmdQueryIdentity Command = 0x01
	CmdAssignAddress Command = 0x02
	CmdRetry         Command = 0x03
)

func (c Command) String() string {
	switch c {
	case CmdQueryIdentity:
		return "query_identity"
	case CmdAssignAddress:
		return "assign_address"
	case CmdRetry:
		return "retry"
	default:
		return fmt.Sprintf("command(0x%02x)", uint8(c))
	}
}

// HeaderSize is the wire size of a Header.
const HeaderSize = 8

// ErrShortHeader is returned when decoding fewer than HeaderSize bytes.
var ErrShortHeader = errors.New("identity header too short")

// Header is the identity a subordinate reports during discovery.
// A zero UUID marks a free registry slot.
type Header struct {
	UUID  uint32 `json:"uuid"`
	Flags uint32 `json:"flags"`
}

// IsZero reports whether the header carries no identity.
func (h Header) IsZero() bool {
	return h.UUID == 0
}

// MarshalBinary encodes the header as uuid then flags, little-endian.
func (h Header) MarshalBinary() ([]byte, error) {
	return h.AppendBinary(make([]byte, 0, HeaderSize))
}

// AppendBinary appends the wire form of h to b.
func (h Header) AppendBinary(b []byte) ([]byte, error) {
	b = binary.LittleEndian.AppendUint32(b, h.UUID)
	b = binary.LittleEndian.AppendUint32(b, h.Flags)
	return b, nil
}

// UnmarshalBinary decodes a header. Extra trailing bytes are ignored.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("%w: got %d bytes, want %d", ErrShortHeader, len(data), HeaderSize)
	}
	h.UUID = binary.LittleEndian.Uint32(data[0:4])
	h.Flags = binary.LittleEndian.Uint32(data[4:8])
	return nil
}

// AssignFrame builds the AssignAddress command for addr.
func AssignFrame(addr Address) []byte {
	return []byte{byte(CmdAssignAddress), byte(addr)}
}
