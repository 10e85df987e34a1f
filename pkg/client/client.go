// Package client correlates JSON-RPC requests with their responses over any transport.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
	"github.com/morezero/capabilities-executor/pkg/node"
)

const logPrefix = "client:client"

// ErrClosed is returned by calls made on, or pending when, a client is closed.
var ErrClosed = errors.New("client is closed")

// Sender delivers one serialized message to the server.
type Sender func(ctx context.Context, data []byte) error

// NotifiedFunc handles a notification received from the server.
type NotifiedFunc func(subject, message string, n node.Node)

// Params configures a Client.
type Params struct {
	Send     Sender
	Logger   *slog.Logger
	Notified NotifiedFunc
}

// Client implements executor.Executor by sending requests through a Sender
// and matching the responses passed to Receive by id. Each pending id is
// settled at most once; responses for unknown ids are logged and dropped.
type Client struct {
	executor.Proxy

	send     Sender
	logger   *slog.Logger
	notified NotifiedFunc

	mu       sync.Mutex
	pending  map[string]chan *jsonrpc.Response
	closed   bool
	closeErr error
	done     chan struct{}
}

// New creates a Client.
func New(p Params) *Client {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		send:     p.Send,
		logger:   logger,
		notified: p.Notified,
		pending:  make(map[string]chan *jsonrpc.Response),
		done:     make(chan struct{}),
	}
	c.Proxy = executor.Proxy{Caller: c, Logger: logger}
	return c
}

// Call sends a request and waits for its response, the context, or Close.
// A job id attached to ctx is reused as the request id when it is not already in flight.
func (c *Client) Call(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
	ch := make(chan *jsonrpc.Response, 1)
	id, err := c.register(ctx, ch)
	if err != nil {
		return nil, err
	}
	defer c.forget(id)

	req, err := jsonrpc.NewRequestWithID(&id, string(method), params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode request: %w", logPrefix, err)
	}
	if err := c.send(ctx, data); err != nil {
		return nil, fmt.Errorf("%s - failed to send %s request: %w", logPrefix, method, err)
	}

	select {
	case resp := <-ch:
		return result(resp)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, c.err()
	}
}

func (c *Client) register(ctx context.Context, ch chan *jsonrpc.Response) (jsonrpc.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return jsonrpc.ID{}, c.closeErr
	}
	id := jsonrpc.NextID()
	if job, ok := executor.JobFromContext(ctx); ok {
		if _, inFlight := c.pending[jsonrpc.StringID(job).Key()]; !inFlight {
			id = jsonrpc.StringID(job)
		}
	}
	c.pending[id.Key()] = ch
	return id, nil
}

func (c *Client) forget(id jsonrpc.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id.Key())
}

func result(resp *jsonrpc.Response) (any, error) {
	if resp.Error != nil {
		return nil, executor.FromRPC(resp.Error)
	}
	if len(resp.Result) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return nil, fmt.Errorf("%s - failed to decode result: %w", logPrefix, err)
	}
	return out, nil
}

// Receive handles one message from the server. Malformed messages and
// responses with invalid or unknown ids are logged and dropped.
func (c *Client) Receive(data []byte) {
	if jsonrpc.IsRequest(data) {
		c.receiveNotification(data)
		return
	}
	resp, err := jsonrpc.ParseResponse(data)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("%s - Dropping malformed message: %v", logPrefix, err))
		return
	}
	if resp.ID == nil || !resp.ID.Valid() {
		c.logger.Warn(fmt.Sprintf("%s - Dropping response with invalid id: %s", logPrefix, data))
		return
	}

	key := resp.ID.Key()
	c.mu.Lock()
	ch, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	c.mu.Unlock()

	if !ok {
		c.logger.Warn(fmt.Sprintf("%s - Dropping response for unknown id %s", logPrefix, resp.ID))
		return
	}
	ch <- resp
}

func (c *Client) receiveNotification(data []byte) {
	req, err := jsonrpc.ParseRequest(data)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("%s - Dropping malformed notification: %v", logPrefix, err))
		return
	}
	if !req.IsNotification() {
		c.logger.Warn(fmt.Sprintf("%s - Dropping unsupported request %s from server", logPrefix, req.Method))
		return
	}
	message, n := jsonrpc.NotificationParams(req.Params)
	if c.notified != nil {
		c.notified(req.Method, message, n)
		return
	}
	c.Notified(req.Method, message, n)
}

// Notify sends a notification to the server.
func (c *Client) Notify(ctx context.Context, subject, message string, n node.Node) error {
	return Notifier(c.send).Notify(ctx, subject, message, n)
}

// Close rejects pending and future calls with err, or ErrClosed when err is nil.
func (c *Client) Close(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err == nil {
		err = ErrClosed
	}
	c.closed = true
	c.closeErr = err
	close(c.done)
}

// Done is closed when the client is closed.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Pending returns the number of requests awaiting a response.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Client) err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeErr
}

// NewNotification builds the notification message sent for Notify.
func NewNotification(subject, message string, n node.Node) (*jsonrpc.Request, error) {
	params := map[string]any{"message": message}
	if n != nil {
		params["node"] = n
	}
	return jsonrpc.NewNotification(subject, params)
}
