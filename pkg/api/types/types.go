package types

import (
	"time"

	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/device"
	"github.com/urmzd/licd/pkg/protocol"
)

// --- Request DTOs ---

// BusSettingsPatchRequest is the request body for PATCH /bus/settings.
// All fields are optional; at least one must be set.
type BusSettingsPatchRequest struct {
	RetryCount     *int `json:"retry_count,omitempty" example:"5"`
	RetryDelayMS   *int `json:"retry_delay_ms,omitempty" example:"30"`
	WaitDelayMS    *int `json:"wait_delay_ms,omitempty" example:"15"`
	PollIntervalMS *int `json:"poll_interval_ms,omitempty" example:"1000"`
}

// --- Response DTOs ---

// ErrorResponse represents an API error
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// HealthResponse is returned from GET /health
type HealthResponse struct {
	Status     string    `json:"status"`
	Controller string    `json:"controller"`
	Registered int       `json:"registered"`
	Capacity   int       `json:"capacity"`
	Timestamp  time.Time `json:"timestamp"`
}

// ListDevicesResponse is returned from GET /devices
type ListDevicesResponse struct {
	Devices []DeviceInfo `json:"devices"`
	Count   int          `json:"count"`
}

// DeviceInfo describes a registered subordinate
type DeviceInfo struct {
	ID      string `json:"id"`      // UUID as 8 hex digits
	Address string `json:"address"` // Assigned address, e.g. 0x02
	UUID    uint32 `json:"uuid"`
	Flags   uint32 `json:"flags"`
}

// NewDeviceInfo converts a device to its API form.
func NewDeviceInfo(d device.Device) DeviceInfo {
	return DeviceInfo{
		ID:      d.ID,
		Address: d.Address.String(),
		UUID:    d.UUID,
		Flags:   d.Flags,
	}
}

// DeviceResponse is returned from GET /devices/:id
type DeviceResponse struct {
	Device DeviceInfo `json:"device"`
}

// PollResponse is returned from POST /discovery/poll
type PollResponse struct {
	Outcome    string      `json:"outcome"`
	Attempts   int         `json:"attempts"`
	Device     *DeviceInfo `json:"device,omitempty"`
	Rejoined   bool        `json:"rejoined,omitempty"`
	Command    string      `json:"command,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	DurationMS int64       `json:"duration_ms"`
}

// NewPollResponse converts a cycle result to its API form.
func NewPollResponse(r device.PollResult) PollResponse {
	resp := PollResponse{
		Outcome:    string(r.Outcome),
		Attempts:   r.Attempts,
		Rejoined:   r.Rejoined,
		Reason:     r.Reason,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Command != 0 {
		resp.Command = r.Command.String()
	}
	if r.Identity != nil {
		info := NewDeviceInfo(device.Device{
			ID:      device.FormatID(r.Identity.UUID),
			Address: r.Address,
			UUID:    r.Identity.UUID,
			Flags:   r.Identity.Flags,
		})
		if r.Outcome != device.OutcomeAssigned {
			info.Address = ""
		}
		resp.Device = &info
	}
	return resp
}

// HistoryEntry is one recorded discovery event.
type HistoryEntry struct {
	ID        int64     `json:"id"`
	Event     string    `json:"event"`
	DeviceID  string    `json:"device_id,omitempty"`
	Address   string    `json:"address,omitempty"`
	UUID      uint32    `json:"uuid,omitempty"`
	Flags     uint32    `json:"flags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// NewHistoryEntry converts a stored registration to its API form.
func NewHistoryEntry(r *db.Registration) HistoryEntry {
	e := HistoryEntry{
		ID:        r.ID,
		Event:     r.Event,
		UUID:      r.UUID,
		Flags:     r.Flags,
		CreatedAt: r.CreatedAt,
	}
	if r.UUID != 0 {
		e.DeviceID = device.FormatID(r.UUID)
	}
	if a := protocol.Address(r.Address); a.Valid() {
		e.Address = a.String()
	}
	return e
}

// HistoryResponse is returned from GET /discovery/history
type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
	Count   int            `json:"count"`
}

// BusSettingsResponse is returned from GET/PATCH /bus/settings
type BusSettingsResponse struct {
	SerialPort     string    `json:"serial_port,omitempty"`
	RetryCount     int       `json:"retry_count"`
	RetryDelayMS   int       `json:"retry_delay_ms"`
	WaitDelayMS    int       `json:"wait_delay_ms"`
	PollIntervalMS int       `json:"poll_interval_ms"`
	Capacity       int       `json:"capacity"`
	UpdatedAt      time.Time `json:"updated_at"`
}
