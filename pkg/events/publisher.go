package events

import (
	"context"
	"errors"
)

// EventPublisher publishes peer change events.
type EventPublisher interface {
	PublishChanged(ctx context.Context, event *PeerChangedEvent) error
}

// NoOpPublisher is an EventPublisher that does nothing (for in-process usage without events).
type NoOpPublisher struct{}

// PublishChanged is a no-op.
func (p *NoOpPublisher) PublishChanged(_ context.Context, _ *PeerChangedEvent) error {
	return nil
}

// CallbackPublisher is an EventPublisher that calls a callback function (for testing).
type CallbackPublisher struct {
	callback func(ctx context.Context, event *PeerChangedEvent) error
}

// NewCallbackPublisher creates a new CallbackPublisher.
func NewCallbackPublisher(cb func(ctx context.Context, event *PeerChangedEvent) error) *CallbackPublisher {
	return &CallbackPublisher{callback: cb}
}

// PublishChanged calls the callback.
func (p *CallbackPublisher) PublishChanged(ctx context.Context, event *PeerChangedEvent) error {
	return p.callback(ctx, event)
}

// MultiPublisher publishes each event to every publisher in turn.
type MultiPublisher []EventPublisher

// PublishChanged publishes to all publishers and joins their errors.
func (m MultiPublisher) PublishChanged(ctx context.Context, event *PeerChangedEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.PublishChanged(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
