package device

import (
	"fmt"
	"time"

	"github.com/urmzd/licd/pkg/protocol"
)

// Device is a subordinate registered on the bus.
type Device struct {
	ID      string           `json:"id"`      // UUID as 8 hex digits
	Address protocol.Address `json:"address"` // Assigned bus address
	UUID    uint32           `json:"uuid"`
	Flags   uint32           `json:"flags"` // Capability/status bitmask reported by the device
}

// FormatID renders a device UUID as its string ID.
func FormatID(uuid uint32) string {
	return fmt.Sprintf("%08x", uuid)
}

// Outcome summarizes one discovery cycle.
type Outcome string

const (
	// OutcomeIdle means no subordinate answered the probe.
	OutcomeIdle Outcome = "idle"
	// OutcomeReadFailed means the identity header could not be read.
	OutcomeReadFailed Outcome = "identity_read_failed"
	// OutcomeAssigned means an address was sent to the subordinate.
	OutcomeAssigned Outcome = "assigned"
	// OutcomeRetry means allocation failed and the subordinate was told to retry.
	OutcomeRetry Outcome = "retry"
)

// PollResult reports what one discovery cycle did.
type PollResult struct {
	Outcome  Outcome          `json:"outcome"`
	Attempts int              `json:"attempts"`           // Probe transmissions made
	Identity *protocol.Header `json:"identity,omitempty"` // Header read from the subordinate
	Address  protocol.Address `json:"address,omitempty"`  // Address sent, when assigned
	Rejoined bool             `json:"rejoined,omitempty"` // UUID already held this address
	Command  protocol.Command `json:"command,omitempty"`  // Command that closed the cycle
	Reason   string           `json:"reason,omitempty"`   // Why the cycle did not assign
	Duration time.Duration    `json:"duration_ns"`        // Wall time of the cycle
}

// Status describes the controller's registry occupancy.
type Status struct {
	Registered int  `json:"registered"`
	Capacity   int  `json:"capacity"`
	Connected  bool `json:"connected"`
}

// DiscoveryEvent represents a registration event
type DiscoveryEvent struct {
	Type      string    `json:"type"`             // Event type (device_registered, registry_full, etc.)
	Device    *Device   `json:"device,omitempty"` // Device information if available
	Timestamp time.Time `json:"timestamp"`        // When the event occurred
}

// Event types
const (
	EventDeviceRegistered   = "device_registered"
	EventDeviceRejoined     = "device_rejoined"
	EventRegistryFull       = "registry_full"
	EventIdentityRejected   = "identity_rejected"
	EventIdentityReadFailed = "identity_read_failed"
)
