package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/morezero/capabilities-executor/pkg/node"
)

// Notifier writes notifications through a Sender. Servers attach one per
// connection so executors can notify the caller that made a request.
type Notifier Sender

// Notify sends a notification message.
func (n Notifier) Notify(ctx context.Context, subject, message string, nd node.Node) error {
	req, err := NewNotification(subject, message, nd)
	if err != nil {
		return err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("%s - failed to encode notification: %w", logPrefix, err)
	}
	return n(ctx, data)
}
