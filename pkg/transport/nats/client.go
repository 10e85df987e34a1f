// Package nats carries JSON-RPC over NATS request/reply. A server answers
// on a subject through a queue subscription, so several servers can share one.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capabilities-executor/pkg/client"
	"github.com/morezero/capabilities-executor/pkg/commsutil"
	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

const clientLogPrefix = "nats:client"

// DefaultRequestTimeout bounds a request whose context has no deadline.
const DefaultRequestTimeout = 5 * time.Minute

// Params configures a Client.
type Params struct {
	Conn    *comms.Conn
	Subject string
	Timeout time.Duration
	// Owned connections are closed on Stop.
	Owned  bool
	Logger *slog.Logger
}

// Client sends each request as a NATS request and hands the reply to the
// response matcher.
type Client struct {
	*client.Client

	nc       *comms.Conn
	subject  string
	timeout  time.Duration
	owned    bool
	stopOnce sync.Once
}

// NewClient creates a Client.
func NewClient(p Params) *Client {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	c := &Client{nc: p.Conn, subject: p.Subject, timeout: timeout, owned: p.Owned}
	c.Client = client.New(client.Params{Send: c.send, Logger: p.Logger})
	return c
}

func (c *Client) send(ctx context.Context, data []byte) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	msg, err := c.nc.RequestWithContext(ctx, c.subject, data)
	if err != nil {
		return fmt.Errorf("%s - request on %s failed: %w", clientLogPrefix, c.subject, err)
	}
	c.Receive(msg.Data)
	return nil
}

// Stop closes the client, and the connection when the client owns it.
func (c *Client) Stop(context.Context) error {
	c.stopOnce.Do(func() {
		c.Close(nil)
		if c.owned {
			c.nc.Close()
		}
	})
	return nil
}

// Subject returns the subject of a nats address.
func Subject(addr transport.Address) string {
	return strings.TrimPrefix(addr.Path, "/")
}

// ClientType connects to nats addresses, opening one connection per peer.
// name identifies the connections to the NATS server.
func ClientType(name string) peer.ClientType {
	return peer.ClientType{
		Name:      string(transport.NATS),
		Transport: transport.NATS,
		New: func(_ context.Context, addr transport.Address, logger *slog.Logger) (peer.Conn, error) {
			subject := Subject(addr)
			if subject == "" {
				return nil, fmt.Errorf("%s - address %s has no subject", clientLogPrefix, addr.URL())
			}
			nc, err := commsutil.Connect(commsutil.ConnectParams{
				URL:    "nats://" + addr.HostPort(),
				Name:   name,
				Logger: logger,
			})
			if err != nil {
				return nil, err
			}
			return NewClient(Params{Conn: nc, Subject: subject, Owned: true, Logger: logger}), nil
		},
	}
}
