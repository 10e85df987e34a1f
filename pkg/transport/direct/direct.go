// Package direct connects to an executor in the same process through its
// JSON-RPC handler, so messages are still serialized.
package direct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/capabilities-executor/pkg/client"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

const logPrefix = "direct:direct"

// Client sends requests to a transport.Handler and receives its replies asynchronously.
type Client struct {
	*client.Client

	handler transport.Handler
}

// Params configures a Client.
type Params struct {
	Handler  transport.Handler
	Logger   *slog.Logger
	Notified client.NotifiedFunc
}

// NewClient creates a Client bound to p.Handler.
func NewClient(p Params) *Client {
	c := &Client{handler: p.Handler}
	c.Client = client.New(client.Params{Send: c.send, Logger: p.Logger, Notified: p.Notified})
	return c
}

func (c *Client) send(ctx context.Context, data []byte) error {
	select {
	case <-c.Done():
		return client.ErrClosed
	default:
	}
	ctx = executor.WithNotifier(ctx, client.Notifier(c.deliver))
	go func() {
		if reply := c.handler.HandleMessage(ctx, data); reply != nil {
			c.Receive(reply)
		}
	}()
	return nil
}

func (c *Client) deliver(_ context.Context, data []byte) error {
	c.Receive(data)
	return nil
}

// Stop closes the client, rejecting pending calls.
func (c *Client) Stop(context.Context) error {
	c.Close(nil)
	return nil
}

// ClientType connects to addresses that carry an in-process handler.
func ClientType() peer.ClientType {
	return peer.ClientType{
		Name:      "direct",
		Transport: transport.Direct,
		New: func(_ context.Context, addr transport.Address, logger *slog.Logger) (peer.Conn, error) {
			if addr.Handler == nil {
				return nil, fmt.Errorf("%s - address %s has no handler", logPrefix, addr.URL())
			}
			return NewClient(Params{Handler: addr.Handler, Logger: logger}), nil
		},
	}
}
