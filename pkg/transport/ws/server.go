package ws

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/morezero/capabilities-executor/pkg/client"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/transport"
	httptransport "github.com/morezero/capabilities-executor/pkg/transport/http"
)

const serverLogPrefix = "ws:server"

// ServerParams configures a Server.
type ServerParams struct {
	Handler        transport.Handler
	Secret         string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server upgrades GET / to a WebSocket and otherwise serves the http
// transport routes.
type Server struct {
	*httptransport.Server

	handler  transport.Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewServer creates a Server.
func NewServer(p ServerParams) *Server {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Server: httptransport.NewServer(httptransport.ServerParams{
			Handler:        p.Handler,
			Secret:         p.Secret,
			AllowedOrigins: p.AllowedOrigins,
			Logger:         logger,
		}),
		handler: p.Handler,
		logger:  logger,
		upgrader: websocket.Upgrader{
			// Tokens, not origins, authenticate clients.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.Router().Get("/", s.handleUpgrade)
	return s
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("%s - Upgrade failed for %s: %v", serverLogPrefix, r.RemoteAddr, err))
		return
	}
	s.logger.Debug(fmt.Sprintf("%s - Connection from %s", serverLogPrefix, r.RemoteAddr))

	// The request context ends when the handler returns, so claims are
	// carried over to a context that lives as long as the connection.
	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()
	s.serveConn(ctx, &conn{ws: wsConn})
}

func (s *Server) serveConn(ctx context.Context, c *conn) {
	defer c.ws.Close()
	ctx = executor.WithNotifier(ctx, client.Notifier(func(_ context.Context, data []byte) error {
		return c.write(data)
	}))

	var wg sync.WaitGroup
	defer wg.Wait()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug(fmt.Sprintf("%s - Read ended: %v", serverLogPrefix, err))
			}
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			reply := s.handler.HandleMessage(ctx, data)
			if reply == nil {
				return
			}
			if err := c.write(reply); err != nil {
				s.logger.Warn(fmt.Sprintf("%s - Failed to write reply: %v", serverLogPrefix, err))
			}
		}()
	}
}
