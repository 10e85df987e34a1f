package events

import (
	"context"
	"fmt"
	"log/slog"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capabilities-executor/pkg/commsutil"
)

const commsPublisherLogPrefix = "events:comms_publisher"

// CommsPublisherOpts configures CommsPublisher. Nil or zero values use defaults.
type CommsPublisherOpts struct {
	// GlobalChangeSubject overrides the global change event subject.
	GlobalChangeSubject string
	Logger              *slog.Logger
}

// CommsPublisher publishes peer change events to COMMS subjects.
type CommsPublisher struct {
	nc                  *comms.Conn
	globalChangeSubject string
	logger              *slog.Logger
}

// NewCommsPublisher creates a new CommsPublisher. Pass nil for opts to use defaults.
func NewCommsPublisher(nc *comms.Conn, opts *CommsPublisherOpts) *CommsPublisher {
	p := &CommsPublisher{nc: nc, globalChangeSubject: commsutil.SubjectPeersChanged, logger: slog.Default()}
	if opts != nil {
		if opts.GlobalChangeSubject != "" {
			p.globalChangeSubject = opts.GlobalChangeSubject
		}
		if opts.Logger != nil {
			p.logger = opts.Logger
		}
	}
	return p
}

// PublishChanged publishes an event to the peer's granular subject and to the global subject.
func (p *CommsPublisher) PublishChanged(_ context.Context, event *PeerChangedEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode event: %w", commsPublisherLogPrefix, err)
	}

	for _, subject := range []string{commsutil.BuildPeerChangedSubject(event.ID), p.globalChangeSubject} {
		if err := p.nc.Publish(subject, data); err != nil {
			p.logger.Error(fmt.Sprintf("%s - failed to publish to %s: %v", commsPublisherLogPrefix, subject, err))
			return fmt.Errorf("%s - failed to publish to %s: %w", commsPublisherLogPrefix, subject, err)
		}
	}

	p.logger.Debug(fmt.Sprintf("%s - Published %s event for peer %s", commsPublisherLogPrefix, event.Action, event.ID))
	return nil
}
