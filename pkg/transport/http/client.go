// Package http carries JSON-RPC over HTTP POST requests, authenticated with
// HS256 bearer tokens.
package http

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	nethttp "net/http"
	"strings"
	"time"

	"github.com/morezero/capabilities-executor/pkg/client"
	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/transport"
	"github.com/morezero/capabilities-executor/pkg/transport/auth"
)

const clientLogPrefix = "http:client"

// tokenTTL is the lifetime of tokens a client issues for itself.
const tokenTTL = time.Hour

// Params configures a Client.
type Params struct {
	URL        string
	Token      string
	HTTPClient *nethttp.Client
	Logger     *slog.Logger
}

// Client posts each request to a server and hands the body of the reply to
// the response matcher.
type Client struct {
	*client.Client

	url    string
	token  string
	hc     *nethttp.Client
	logger *slog.Logger
}

// NewClient creates a Client.
func NewClient(p Params) *Client {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	hc := p.HTTPClient
	if hc == nil {
		hc = &nethttp.Client{}
	}
	c := &Client{url: p.URL, token: p.Token, hc: hc, logger: logger}
	c.Client = client.New(client.Params{Send: c.send, Logger: logger})
	return c
}

func (c *Client) send(ctx context.Context, data []byte) error {
	req, err := nethttp.NewRequestWithContext(ctx, nethttp.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%s - failed to build request: %w", clientLogPrefix, err)
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json; charset=utf-8")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s - failed to post to %s: %w", clientLogPrefix, c.url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s - failed to read reply: %w", clientLogPrefix, err)
	}

	if resp.StatusCode >= 400 {
		c.receiveStatus(data, resp.StatusCode, body)
		return nil
	}
	if len(bytes.TrimSpace(body)) > 0 {
		c.Receive(body)
	}
	return nil
}

// receiveStatus settles the request in data with an InvalidRequest error
// describing an HTTP error status.
func (c *Client) receiveStatus(data []byte, status int, body []byte) {
	req, err := jsonrpc.ParseRequest(data)
	if err != nil || req.IsNotification() {
		c.logger.Warn(fmt.Sprintf("%s - Server replied %d to a notification: %s", clientLogPrefix, status, body))
		return
	}
	message := strings.TrimSpace(string(body))
	if message == "" {
		message = nethttp.StatusText(status)
	}
	reply, err := jsonEncode(jsonrpc.NewErrorResponse(req.ID, jsonrpc.Errorf(jsonrpc.InvalidRequest, "%s", message)))
	if err != nil {
		c.logger.Error(fmt.Sprintf("%s - %v", clientLogPrefix, err))
		return
	}
	c.Receive(reply)
}

// Stop closes the client and its idle connections.
func (c *Client) Stop(context.Context) error {
	c.Close(nil)
	c.hc.CloseIdleConnections()
	return nil
}

// URL returns the URL a client for addr posts to.
func URL(addr transport.Address) string {
	return "http://" + addr.HostPort() + addr.Path
}

// ClientType connects to http addresses. The token of an address is used
// when it has one; otherwise a token is signed with secret, if set.
func ClientType(secret string) peer.ClientType {
	return peer.ClientType{
		Name:      string(transport.HTTP),
		Transport: transport.HTTP,
		New: func(_ context.Context, addr transport.Address, logger *slog.Logger) (peer.Conn, error) {
			token, err := Token(addr, secret)
			if err != nil {
				return nil, err
			}
			return NewClient(Params{URL: URL(addr), Token: token, Logger: logger}), nil
		},
	}
}

// Token returns the bearer token to present to addr.
func Token(addr transport.Address, secret string) (string, error) {
	if addr.JWT != "" || secret == "" {
		return addr.JWT, nil
	}
	return auth.Issue(secret, map[string]any{}, tokenTTL)
}
