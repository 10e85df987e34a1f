package nats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capabilities-executor/pkg/transport"
)

const serverLogPrefix = "nats:server"

// DefaultQueue is the queue group servers join.
const DefaultQueue = "executors"

// ServerParams configures a Server.
type ServerParams struct {
	Conn    *comms.Conn
	Subject string
	Queue   string
	Handler transport.Handler
	// Timeout bounds the handling of one request. Zero means DefaultRequestTimeout.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Server answers JSON-RPC requests arriving on a subject.
type Server struct {
	nc      *comms.Conn
	subject string
	queue   string
	handler transport.Handler
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	sub    *comms.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a Server.
func NewServer(p ServerParams) *Server {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	queue := p.Queue
	if queue == "" {
		queue = DefaultQueue
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	return &Server{
		nc:      p.Conn,
		subject: p.Subject,
		queue:   queue,
		handler: p.Handler,
		timeout: timeout,
		logger:  logger,
	}
}

// Start subscribes. Requests are handled concurrently, each under a
// context derived from ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	sub, err := s.nc.QueueSubscribe(s.subject, s.queue, s.handle)
	if err != nil {
		s.cancel()
		return fmt.Errorf("%s - failed to subscribe to %s: %w", serverLogPrefix, s.subject, err)
	}
	s.sub = sub
	s.logger.Info(fmt.Sprintf("%s - Subscribed to %s (queue %s)", serverLogPrefix, s.subject, s.queue))
	return nil
}

func (s *Server) handle(msg *comms.Msg) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		reply := s.handler.HandleMessage(ctx, msg.Data)
		if reply == nil || msg.Reply == "" {
			return
		}
		if err := msg.Respond(reply); err != nil {
			s.logger.Warn(fmt.Sprintf("%s - Failed to respond on %s: %v", serverLogPrefix, msg.Reply, err))
		}
	}()
}

// Stop unsubscribes, cancels requests in flight and waits for them.
func (s *Server) Stop() error {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Unsubscribe()
	s.cancel()
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("%s - failed to unsubscribe from %s: %w", serverLogPrefix, s.subject, err)
	}
	return nil
}
