package dispatcher

import (
	"context"
	"fmt"

	"github.com/cassiomorais/eventcore/internal/domain/outbox"
)

// Route forwards one event type to a broker destination.
type Route struct {
	EventType   string
	Transport   string
	Destination string
}

// RelayHandler forwards events to destination through pub. It is the handler
// used for event types whose only effect is reaching another service.
func RelayHandler(pub Publisher, destination string) Handler {
	return HandlerFunc(func(ctx context.Context, event *outbox.Event) error {
		if err := pub.Publish(ctx, destination, event); err != nil {
			return fmt.Errorf("relay %s to %s: %w", event.EventType, destination, err)
		}
		return nil
	})
}

// RegisterRoutes registers a relay handler per route. publishers is keyed by
// transport name.
func (d *Dispatcher) RegisterRoutes(routes []Route, publishers map[string]Publisher) error {
	for _, r := range routes {
		pub, ok := publishers[r.Transport]
		if !ok {
			return fmt.Errorf("route %s: unknown transport %q", r.EventType, r.Transport)
		}
		if err := d.RegisterHandler(r.EventType, RelayHandler(pub, r.Destination)); err != nil {
			return fmt.Errorf("route %s: %w", r.EventType, err)
		}
	}
	return nil
}
