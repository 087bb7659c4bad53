package device

import "context"

// Controller defines the interface for a bus controller that assigns
// addresses to subordinates. The API and MCP surfaces work against this
// interface so they can run without a bus attached.
type Controller interface {
	// ListDevices returns all registered devices in address order
	ListDevices(ctx context.Context) ([]Device, error)

	// GetDevice returns a single device by address or UUID ID
	GetDevice(ctx context.Context, id string) (*Device, error)

	// RemoveDevice frees a device's slot
	RemoveDevice(ctx context.Context, id string) error

	// Poll runs one discovery/registration cycle
	Poll(ctx context.Context) (PollResult, error)

	// Status returns registry occupancy
	Status(ctx context.Context) (Status, error)

	// IsConnected returns true if the controller has a bus
	IsConnected() bool

	// Close releases the bus
	Close()
}

// EventSubscriber defines the interface for subscribing to device events
type EventSubscriber interface {
	// Subscribe returns a channel that receives discovery events
	Subscribe() chan DiscoveryEvent

	// Unsubscribe removes a subscription
	Unsubscribe(ch chan DiscoveryEvent)
}
