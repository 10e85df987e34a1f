package events

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capabilities-executor/pkg/commsutil"
	"github.com/morezero/capabilities-executor/pkg/executor"
)

const announcerLogPrefix = "events:announcer"

// Registry is what announcements are applied to. The Delegator implements it.
type Registry interface {
	Update(ctx context.Context, id string, m *executor.Manifest) error
	Remove(ctx context.Context, id string) bool
}

// Announcer tells other executors on COMMS that this executor is available.
type Announcer struct {
	nc      *comms.Conn
	subject string
	logger  *slog.Logger
}

// NewAnnouncer creates an Announcer publishing on subject, or on
// commsutil.SubjectAnnounce when subject is empty.
func NewAnnouncer(nc *comms.Conn, subject string, logger *slog.Logger) *Announcer {
	if subject == "" {
		subject = commsutil.SubjectAnnounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{nc: nc, subject: subject, logger: logger}
}

// Announce publishes the manifest of executor id.
func (a *Announcer) Announce(ctx context.Context, id string, m *executor.Manifest) error {
	return a.publish(ctx, NewPeerChangedEvent(ActionAdded, id, m))
}

// Withdraw publishes the removal of executor id.
func (a *Announcer) Withdraw(ctx context.Context, id string) error {
	return a.publish(ctx, NewPeerChangedEvent(ActionRemoved, id, nil))
}

func (a *Announcer) publish(_ context.Context, event *PeerChangedEvent) error {
	data, err := commsutil.EncodePayload(event)
	if err != nil {
		return fmt.Errorf("%s - failed to encode announcement: %w", announcerLogPrefix, err)
	}
	if err := a.nc.Publish(a.subject, data); err != nil {
		return fmt.Errorf("%s - failed to publish announcement: %w", announcerLogPrefix, err)
	}
	a.logger.Debug(fmt.Sprintf("%s - Announced %s of %s on %s", announcerLogPrefix, event.Action, event.ID, a.subject))
	return nil
}

// SubscribeAnnouncementsParams configures SubscribeAnnouncements.
type SubscribeAnnouncementsParams struct {
	Conn     *comms.Conn
	Subject  string
	SelfID   string
	Registry Registry
	Timeout  time.Duration
	Logger   *slog.Logger
}

// SubscribeAnnouncements applies announcements from other executors to the
// registry. Announcements from SelfID are ignored.
func SubscribeAnnouncements(p SubscribeAnnouncementsParams) (*comms.Subscription, error) {
	subject := p.Subject
	if subject == "" {
		subject = commsutil.SubjectAnnounce
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}

	sub, err := p.Conn.Subscribe(subject, func(msg *comms.Msg) {
		var event PeerChangedEvent
		if err := commsutil.DecodePayload(msg.Data, &event); err != nil {
			logger.Warn(fmt.Sprintf("%s - Dropping malformed announcement: %v", announcerLogPrefix, err))
			return
		}
		if event.ID == "" || event.ID == p.SelfID {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		switch event.Action {
		case ActionRemoved:
			p.Registry.Remove(ctx, event.ID)
		case ActionAdded, ActionUpdated:
			if event.Manifest == nil {
				logger.Warn(fmt.Sprintf("%s - Announcement for %s has no manifest", announcerLogPrefix, event.ID))
				return
			}
			if err := p.Registry.Update(ctx, event.ID, event.Manifest); err != nil {
				logger.Warn(fmt.Sprintf("%s - Failed to apply announcement for %s: %v", announcerLogPrefix, event.ID, err))
			}
		default:
			logger.Warn(fmt.Sprintf("%s - Unknown announcement action %q from %s", announcerLogPrefix, event.Action, event.ID))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("%s - failed to subscribe to %s: %w", announcerLogPrefix, subject, err)
	}
	logger.Info(fmt.Sprintf("%s - Listening for announcements on %s", announcerLogPrefix, subject))
	return sub, nil
}
