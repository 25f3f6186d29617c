package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

const publisherLogPrefix = "events:publisher"

// EventPublisher delivers routing change events.
type EventPublisher interface {
	PublishChanged(ctx context.Context, event *RoutingChangedEvent) error
}

// NoOpPublisher drops every event.
type NoOpPublisher struct{}

func (NoOpPublisher) PublishChanged(context.Context, *RoutingChangedEvent) error { return nil }

// CallbackPublisher hands each event to a function.
type CallbackPublisher func(ctx context.Context, event *RoutingChangedEvent) error

// NewCallbackPublisher wraps cb.
func NewCallbackPublisher(cb func(ctx context.Context, event *RoutingChangedEvent) error) CallbackPublisher {
	return CallbackPublisher(cb)
}

func (f CallbackPublisher) PublishChanged(ctx context.Context, event *RoutingChangedEvent) error {
	return f(ctx, event)
}

// LogPublisher writes each event to the default logger at debug level.
type LogPublisher struct{}

func (LogPublisher) PublishChanged(_ context.Context, event *RoutingChangedEvent) error {
	slog.Debug(fmt.Sprintf("%s - route %s: %s %s (client=%s channel=%s known=%t)",
		publisherLogPrefix, event.Kind, event.Context, event.ClientName, event.ClientID, event.ChannelID, event.Known))
	return nil
}

// MultiPublisher publishes to every publisher in order. All are tried;
// their errors are joined.
type MultiPublisher []EventPublisher

func (m MultiPublisher) PublishChanged(ctx context.Context, event *RoutingChangedEvent) error {
	var errs []error
	for _, p := range m {
		if err := p.PublishChanged(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
