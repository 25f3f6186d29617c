package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/sagibrant/mimic/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher.
type CommsPublisherOpts struct {
	// GlobalChangeSubject replaces commsutil.SubjectRoutingChanged.
	GlobalChangeSubject string
}

// CommsPublisher publishes routing change events on NATS.
type CommsPublisher struct {
	nc                  *comms.Conn
	globalChangeSubject string
}

// NewCommsPublisher wraps nc; opts may be nil.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	globalSubject := commsutil.SubjectRoutingChanged
	if opts != nil && opts.GlobalChangeSubject != "" {
		globalSubject = opts.GlobalChangeSubject
	}
	return &CommsPublisher{nc: nc, globalChangeSubject: globalSubject}
}

// Subjects lists where event goes: the granular
// <subject>.<context>.<client> subject, then the global one.
func (p *CommsPublisher) Subjects(event *RoutingChangedEvent) []string {
	return []string{
		commsutil.BuildRoutingChangeSubject(p.globalChangeSubject, event.Context, event.ClientID),
		p.globalChangeSubject,
	}
}

// PublishChanged publishes event on every subject from Subjects. It stops
// at the first failure.
func (p *CommsPublisher) PublishChanged(ctx context.Context, event *RoutingChangedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - encode %s event: %w", commsPublisherLogPrefix, event.Kind, err)
	}
	for _, subject := range p.Subjects(event) {
		if err := p.nc.Publish(subject, data); err != nil {
			slog.Error(fmt.Sprintf("%s - publish to %s: %v", commsPublisherLogPrefix, subject, err))
			return fmt.Errorf("%s - publish to %s: %w", commsPublisherLogPrefix, subject, err)
		}
	}
	slog.Debug(fmt.Sprintf("%s - Published %s for %s/%s", commsPublisherLogPrefix, event.Kind, event.Context, event.ClientID))
	return nil
}
