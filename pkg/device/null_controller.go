package device

import "context"

// NullController is a no-op controller used when no bus is available.
// It allows the API to run in limited mode without an adapter.
type NullController struct{}

// NewNullController creates a new NullController.
func NewNullController() *NullController {
	return &NullController{}
}

func (c *NullController) ListDevices(ctx context.Context) ([]Device, error) {
	return []Device{}, nil
}

func (c *NullController) GetDevice(ctx context.Context, id string) (*Device, error) {
	return nil, ErrNotFound
}

func (c *NullController) RemoveDevice(ctx context.Context, id string) error {
	return ErrNotConnected
}

func (c *NullController) Poll(ctx context.Context) (PollResult, error) {
	return PollResult{}, ErrNotConnected
}

func (c *NullController) Status(ctx context.Context) (Status, error) {
	return Status{}, nil
}

func (c *NullController) IsConnected() bool {
	return false
}

func (c *NullController) Close() {}

// NullEventSubscriber is a no-op event subscriber used when no bus is available.
type NullEventSubscriber struct{}

// NewNullEventSubscriber creates a new NullEventSubscriber.
func NewNullEventSubscriber() *NullEventSubscriber {
	return &NullEventSubscriber{}
}

func (s *NullEventSubscriber) Subscribe() chan DiscoveryEvent {
	ch := make(chan DiscoveryEvent)
	// Channel is never sent to; callers should check IsConnected() on the controller
	return ch
}

func (s *NullEventSubscriber) Unsubscribe(ch chan DiscoveryEvent) {
	close(ch)
}
