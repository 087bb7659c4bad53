// Package notify forwards discovery events to external sinks: an MQTT
// broker and the registration history table.
package notify

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/urmzd/licd/pkg/device"
)

// Sink receives discovery events.
type Sink interface {
	Handle(ctx context.Context, evt device.DiscoveryEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt device.DiscoveryEvent) error

// Handle implements Sink.
func (f SinkFunc) Handle(ctx context.Context, evt device.DiscoveryEvent) error {
	return f(ctx, evt)
}

// Forward delivers every event from events to each sink until ctx ends or
// events is closed. A failing sink is logged and does not stop the others.
func Forward(ctx context.Context, events <-chan device.DiscoveryEvent, sinks ...Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			for _, s := range sinks {
				if err := s.Handle(ctx, evt); err != nil {
					log.Warn().Err(err).Str("event", evt.Type).Msg("Event sink failed")
				}
			}
		}
	}
}
