// Package ws carries JSON-RPC over WebSocket text messages. A server
// connection can notify its client at any time.
package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/morezero/capabilities-executor/pkg/client"
	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/transport"
	httptransport "github.com/morezero/capabilities-executor/pkg/transport/http"
)

const clientLogPrefix = "ws:client"

const writeTimeout = 10 * time.Second

// Params configures Dial.
type Params struct {
	URL      string
	Token    string
	Logger   *slog.Logger
	Notified client.NotifiedFunc
}

// Client is a JSON-RPC client on one WebSocket connection.
type Client struct {
	*client.Client

	conn     *conn
	logger   *slog.Logger
	stopOnce sync.Once
}

// conn serializes writes to a websocket connection.
type conn struct {
	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) close() error {
	c.mu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.mu.Unlock()
	return c.ws.Close()
}

// Dial opens a connection to a WebSocket server.
func Dial(ctx context.Context, p Params) (*Client, error) {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	header := http.Header{}
	if p.Token != "" {
		header.Set("Authorization", "Bearer "+p.Token)
	}
	wsConn, resp, err := websocket.DefaultDialer.DialContext(ctx, p.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("%s - failed to dial %s (status %d): %w", clientLogPrefix, p.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("%s - failed to dial %s: %w", clientLogPrefix, p.URL, err)
	}

	c := &Client{conn: &conn{ws: wsConn}, logger: logger}
	c.Client = client.New(client.Params{Send: c.send, Logger: logger, Notified: p.Notified})
	go c.readLoop()
	return c, nil
}

func (c *Client) send(_ context.Context, data []byte) error {
	return c.conn.write(data)
}

func (c *Client) readLoop() {
	for {
		_, data, err := c.conn.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug(fmt.Sprintf("%s - Read ended: %v", clientLogPrefix, err))
			}
			c.Close(fmt.Errorf("%s - connection closed: %w", clientLogPrefix, err))
			return
		}
		c.Receive(data)
	}
}

// Stop closes the connection.
func (c *Client) Stop(context.Context) error {
	var err error
	c.stopOnce.Do(func() {
		c.Close(nil)
		err = c.conn.close()
	})
	return err
}

// URL returns the URL a client for addr dials.
func URL(addr transport.Address) string {
	path := addr.Path
	if path == "" {
		path = "/"
	}
	return "ws://" + addr.HostPort() + path
}

// ClientType connects to ws addresses, presenting the address token or
// one signed with secret.
func ClientType(secret string) peer.ClientType {
	return peer.ClientType{
		Name:      string(transport.WS),
		Transport: transport.WS,
		New: func(ctx context.Context, addr transport.Address, logger *slog.Logger) (peer.Conn, error) {
			token, err := httptransport.Token(addr, secret)
			if err != nil {
				return nil, err
			}
			c, err := Dial(ctx, Params{URL: URL(addr), Token: token, Logger: logger})
			if err != nil {
				return nil, err
			}
			return c, nil
		},
	}
}
