package mcp

import (
	"time"

	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/protocol"
)

// --- Health Tool ---

// GetHealthOutput is the output for the get_health tool
type GetHealthOutput struct {
	Status     string `json:"status" jsonschema:"description=Overall health status (healthy or unhealthy)"`
	Controller string `json:"controller" jsonschema:"description=Bus controller connection status"`
	Registered int    `json:"registered" jsonschema:"description=Devices holding an address"`
	Capacity   int    `json:"capacity" jsonschema:"description=Registry slots"`
	Timestamp  string `json:"timestamp" jsonschema:"description=ISO8601 timestamp"`
}

// --- List Devices Tool ---

// ListDevicesOutput is the output for the list_devices tool
type ListDevicesOutput struct {
	Devices []DeviceInfo `json:"devices" jsonschema:"description=Registered devices in address order"`
	Count   int          `json:"count" jsonschema:"description=Total number of devices"`
}

// DeviceInfo represents a device in tool outputs
type DeviceInfo struct {
	ID      string `json:"id" jsonschema:"description=UUID as 8 hex digits"`
	Address string `json:"address" jsonschema:"description=Assigned bus address"`
	UUID    uint32 `json:"uuid" jsonschema:"description=Device UUID"`
	Flags   uint32 `json:"flags" jsonschema:"description=Capability bitmask reported by the device"`
}

// --- Get Device Tool ---

// GetDeviceInput is the input for the get_device tool
type GetDeviceInput struct {
	ID string `json:"id" jsonschema:"required,description=Bus address or UUID"`
}

// GetDeviceOutput is the output for the get_device tool
type GetDeviceOutput struct {
	Device DeviceInfo `json:"device" jsonschema:"description=Device information"`
}

// --- Poll Bus Tool ---

// PollBusOutput is the output for the poll_bus tool
type PollBusOutput struct {
	Outcome  string      `json:"outcome" jsonschema:"description=idle, identity_read_failed, assigned or retry"`
	Attempts int         `json:"attempts" jsonschema:"description=Probe transmissions made"`
	Device   *DeviceInfo `json:"device,omitempty" jsonschema:"description=Subordinate that answered, if any"`
	Rejoined bool        `json:"rejoined,omitempty" jsonschema:"description=Device already held this address"`
	Command  string      `json:"command,omitempty" jsonschema:"description=Command that closed the cycle"`
	Reason   string      `json:"reason,omitempty" jsonschema:"description=Why no address was assigned"`
}

// --- List Registrations Tool ---

// ListRegistrationsOutput is the output for the list_registrations tool
type ListRegistrationsOutput struct {
	Registrations []RegistrationInfo `json:"registrations" jsonschema:"description=Recorded discovery events, newest first"`
	Count         int                `json:"count" jsonschema:"description=Number of entries returned"`
}

// RegistrationInfo is one recorded discovery event
type RegistrationInfo struct {
	Event     string `json:"event" jsonschema:"description=Event type such as device_registered or registry_full"`
	ID        string `json:"id,omitempty" jsonschema:"description=UUID as 8 hex digits"`
	Address   string `json:"address,omitempty" jsonschema:"description=Assigned bus address"`
	Flags     uint32 `json:"flags,omitempty" jsonschema:"description=Capability bitmask"`
	CreatedAt string `json:"created_at" jsonschema:"description=ISO8601 timestamp"`
}

// --- Helper conversions ---

// RegistrationToInfo converts a stored registration to RegistrationInfo
func RegistrationToInfo(r *db.Registration) RegistrationInfo {
	info := RegistrationInfo{
		Event:     r.Event,
		Flags:     r.Flags,
		CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
	}
	if r.UUID != 0 {
		info.ID = device.FormatID(r.UUID)
	}
	if a := protocol.Address(r.Address); a.Valid() {
		info.Address = a.String()
	}
	return info
}

// DeviceToInfo converts a device.Device to DeviceInfo
func DeviceToInfo(d *device.Device) DeviceInfo {
	return DeviceInfo{
		ID:      d.ID,
		Address: d.Address.String(),
		UUID:    d.UUID,
		Flags:   d.Flags,
	}
}
