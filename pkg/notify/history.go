package notify

import (
	"context"

	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/device"
)

// History appends discovery events to the registration log.
type History struct {
	store     db.RegistrationStore
	profileID int64
}

// NewHistory creates a History sink for a profile.
func NewHistory(store db.RegistrationStore, profileID int64) *History {
	return &History{store: store, profileID: profileID}
}

// List returns the profile's newest entries first.
func (h *History) List(ctx context.Context, limit int) ([]*db.Registration, error) {
	return h.store.List(ctx, h.profileID, limit)
}

// Handle implements Sink.
func (h *History) Handle(ctx context.Context, evt device.DiscoveryEvent) error {
	r := &db.Registration{ProfileID: h.profileID, Event: evt.Type}
	if d := evt.Device; d != nil {
		r.UUID = d.UUID
		r.Flags = d.Flags
		r.Address = uint8(d.Address)
	}
	return h.store.Append(ctx, r)
}
