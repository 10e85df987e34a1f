package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/morezero/capabilities-executor/pkg/client"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

const serverLogPrefix = "stream:server"

// ServerParams configures a Server.
type ServerParams struct {
	Handler transport.Handler
	Logger  *slog.Logger
}

// Server answers newline-delimited JSON-RPC on streams. Requests on one
// connection are handled concurrently, so replies may be out of order.
type Server struct {
	handler transport.Handler
	logger  *slog.Logger
}

// NewServer creates a Server.
func NewServer(p ServerParams) *Server {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{handler: p.Handler, logger: logger}
}

// ServeConn serves one connection until r ends. Executors handling its
// requests can notify the connection through the context.
func (s *Server) ServeConn(ctx context.Context, r io.Reader, w io.Writer) error {
	out := &frameWriter{w: w}
	ctx = executor.WithNotifier(ctx, client.Notifier(func(_ context.Context, data []byte) error {
		return out.write(data)
	}))

	var wg sync.WaitGroup
	err := ReadFrames(r, func(frame []byte) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := s.handler.HandleMessage(ctx, frame)
			if reply == nil {
				return
			}
			if err := out.write(reply); err != nil {
				s.logger.Warn(fmt.Sprintf("%s - Failed to write reply: %v", serverLogPrefix, err))
			}
		}()
	})
	wg.Wait()
	return err
}

// ServeStdio serves standard input and output.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info(fmt.Sprintf("%s - Serving on stdio", serverLogPrefix))
	return s.ServeConn(ctx, os.Stdin, os.Stdout)
}

// Listen opens a listener for a tcp or uds address. A stale socket file is removed first.
func Listen(addr transport.Address) (net.Listener, error) {
	switch addr.Type {
	case transport.TCP:
		return net.Listen("tcp", addr.HostPort())
	case transport.UDS:
		if err := os.Remove(addr.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%s - failed to remove stale socket %s: %w", serverLogPrefix, addr.Path, err)
		}
		return net.Listen("unix", addr.Path)
	}
	return nil, fmt.Errorf("%s - cannot listen on %s", serverLogPrefix, addr.Type)
}

// Serve accepts connections on l until ctx ends, then closes the listener
// and every open connection.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.logger.Info(fmt.Sprintf("%s - Listening on %s %s", serverLogPrefix, l.Addr().Network(), l.Addr()))

	var mu sync.Mutex
	conns := make(map[net.Conn]struct{})
	var wg sync.WaitGroup

	stop := context.AfterFunc(ctx, func() {
		l.Close()
		mu.Lock()
		defer mu.Unlock()
		for conn := range conns {
			conn.Close()
		}
	})
	defer stop()

	for {
		conn, err := l.Accept()
		if err != nil {
			wg.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%s - accept failed: %w", serverLogPrefix, err)
		}

		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
				conn.Close()
			}()
			if err := s.ServeConn(ctx, conn, conn); err != nil && ctx.Err() == nil {
				s.logger.Warn(fmt.Sprintf("%s - Connection from %s ended: %v", serverLogPrefix, conn.RemoteAddr(), err))
			}
		}()
	}
}
