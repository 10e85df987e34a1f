package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/morezero/capabilities-executor/pkg/client"
)

const clientLogPrefix = "stream:client"

// Params configures a Client.
type Params struct {
	Reader io.Reader
	Writer io.Writer
	// Closer releases the underlying stream. It runs once, on Stop.
	Closer   func() error
	Logger   *slog.Logger
	Notified client.NotifiedFunc
}

// Client speaks JSON-RPC over a pair of streams. The connection is
// considered dropped once the reader ends.
type Client struct {
	*client.Client

	out      *frameWriter
	closer   func() error
	logger   *slog.Logger
	readDone chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// NewClient starts reading responses from p.Reader.
func NewClient(p Params) *Client {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		out:      &frameWriter{w: p.Writer},
		closer:   p.Closer,
		logger:   logger,
		readDone: make(chan struct{}),
	}
	c.Client = client.New(client.Params{Send: c.send, Logger: logger, Notified: p.Notified})
	go c.readLoop(p.Reader)
	return c
}

func (c *Client) send(_ context.Context, data []byte) error {
	return c.out.write(data)
}

func (c *Client) readLoop(r io.Reader) {
	defer close(c.readDone)
	err := ReadFrames(r, c.Receive)
	if err != nil {
		c.logger.Warn(fmt.Sprintf("%s - Stream read failed: %v", clientLogPrefix, err))
		c.Close(fmt.Errorf("%s - stream read failed: %w", clientLogPrefix, err))
		return
	}
	c.Close(errors.New("stream closed by server"))
}

// Stop closes the client and the underlying stream.
func (c *Client) Stop(context.Context) error {
	c.stopOnce.Do(func() {
		c.Close(nil)
		if c.closer != nil {
			c.stopErr = c.closer()
		}
	})
	return c.stopErr
}
