// Package server orchestrates all components: worker, delegator, queuer, manager, listeners, COMMS, DB, HTTP health.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	comms "github.com/nats-io/nats.go"

	"github.com/morezero/capabilities-executor/internal/config"
	"github.com/morezero/capabilities-executor/pkg/bootstrap"
	"github.com/morezero/capabilities-executor/pkg/commsutil"
	"github.com/morezero/capabilities-executor/pkg/db"
	"github.com/morezero/capabilities-executor/pkg/delegator"
	"github.com/morezero/capabilities-executor/pkg/dispatcher"
	"github.com/morezero/capabilities-executor/pkg/events"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/manager"
	"github.com/morezero/capabilities-executor/pkg/queuer"
	"github.com/morezero/capabilities-executor/pkg/transport"
	"github.com/morezero/capabilities-executor/pkg/transport/auth"
	httptransport "github.com/morezero/capabilities-executor/pkg/transport/http"
	natstransport "github.com/morezero/capabilities-executor/pkg/transport/nats"
	"github.com/morezero/capabilities-executor/pkg/transport/stream"
	"github.com/morezero/capabilities-executor/pkg/transport/ws"
	"github.com/morezero/capabilities-executor/pkg/uid"
	"github.com/morezero/capabilities-executor/pkg/worker"
)

const logPrefix = "server:server"

// Server is the capabilities-executor orchestrator.
type Server struct {
	cfg    *config.Config
	id     string
	secret string
	logger *slog.Logger

	nc        *comms.Conn
	pool      *pgxpool.Pool
	repo      *db.Repository
	manager   *manager.Manager
	disp      *dispatcher.Dispatcher
	announcer *events.Announcer
	natsSrv   *natstransport.Server
	sub       *comms.Subscription

	mu        sync.Mutex
	addresses transport.Addresses
	health    net.Addr
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	// stdinDone is closed when standard input ends while serving stdio.
	stdinDone chan struct{}
}

// Run starts the server, blocks until shutdown signal, then cleans up.
func Run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("%s - failed to load config: %w", logPrefix, err)
	}
	if err := cfg.ValidateForServe(); err != nil {
		return err
	}

	var logLevel slog.Level
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	// stdout carries JSON-RPC when serving stdio.
	out := os.Stdout
	if cfg.ServeStdio {
		out = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info(fmt.Sprintf("%s - Starting capabilities-executor", logPrefix))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s, err := New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		s.Stop(ctx)
		return err
	}

	// Wait for shutdown signal, or for the parent to close stdin
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(fmt.Sprintf("%s - Received signal %s, shutting down", logPrefix, sig))
	case <-s.StdinDone():
		logger.Info(fmt.Sprintf("%s - Standard input closed, shutting down", logPrefix))
	}

	if err := s.Stop(ctx); err != nil {
		logger.Warn(fmt.Sprintf("%s - Shutdown finished with errors: %v", logPrefix, err))
	}
	logger.Info(fmt.Sprintf("%s - Shutdown complete", logPrefix))
	return nil
}

// New connects to COMMS and the database when configured and wires the
// worker, delegator, queuer and manager. Nothing listens until Start.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		id:        cfg.ExecutorID,
		secret:    cfg.JWTSecret,
		logger:    logger,
		addresses: transport.Addresses{},
		stdinDone: make(chan struct{}),
	}
	if s.id == "" {
		s.id = uid.Peer()
	}
	logger.Info(fmt.Sprintf("%s - Executor id: %s", logPrefix, s.id))

	// Step 1: JWT secret
	if s.secret == "" {
		secret, err := auth.GenerateSecret()
		if err != nil {
			return nil, fmt.Errorf("%s - failed to generate JWT secret: %w", logPrefix, err)
		}
		s.secret = secret
		logger.Info(fmt.Sprintf("%s - JWT_SECRET not set, generated %s", logPrefix, secret))
	}

	// Step 2: Connect to COMMS
	if cfg.COMMSEnabled {
		nc, err := commsutil.Connect(commsutil.ConnectParams{URL: cfg.COMMSURL, Name: cfg.COMMSName, Logger: logger})
		if err != nil {
			return nil, err
		}
		s.nc = nc
	}

	// Step 3: Connect to database, run migrations if enabled
	if cfg.DatabaseURL != "" {
		if err := s.openDB(ctx); err != nil {
			s.closeConns()
			return nil, err
		}
	}

	// Step 4: Build the executors
	ts, err := cfg.Transports()
	if err != nil {
		s.closeConns()
		return nil, err
	}
	var publishers events.MultiPublisher
	var recorder executor.JobRecorder
	if s.nc != nil {
		publishers = append(publishers, events.NewCommsPublisher(s.nc, nil))
	}
	if s.repo != nil {
		publishers = append(publishers, s.repo)
		recorder = s.repo
	}
	d := delegator.New(delegator.Params{
		ID:                s.id,
		ClientTypes:       ClientTypes(ts, s.secret, cfg.COMMSName, logger),
		VersionConstraint: cfg.PeerVersionConstraint,
		Recorder:          recorder,
		Publisher:         publishers,
		Logger:            logger,
	})
	q := queuer.New(queuer.Params{
		Config: queuer.Config{Length: cfg.QueueLength, Interval: cfg.QueueInterval, Stale: cfg.QueueStale},
		Logger: logger,
	})
	s.manager = manager.New(manager.Params{ID: s.id, Delegator: d, Queuer: q, Logger: logger})
	s.disp = dispatcher.NewDispatcher(dispatcher.Params{Executor: s.manager, Logger: logger, Debug: cfg.Debug})

	// Step 5: Local worker first, then discovered peers
	w := worker.New(worker.Params{ID: s.id + "-worker", Logger: logger})
	if _, err := d.AddExecutor(ctx, w); err != nil {
		s.closeConns()
		return nil, fmt.Errorf("%s - failed to add worker: %w", logPrefix, err)
	}
	s.discover(ctx, d)
	return s, nil
}

func (s *Server) openDB(ctx context.Context) error {
	pool, err := db.NewPool(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("%s - failed to connect to database: %w", logPrefix, err)
	}
	s.pool = pool
	if s.cfg.RunMigrations {
		migrations, err := db.LoadMigrationFiles(s.cfg.MigrationPath)
		if err != nil {
			return fmt.Errorf("%s - failed to load migrations: %w", logPrefix, err)
		}
		if err := db.RunMigrations(ctx, pool, migrations); err != nil {
			return fmt.Errorf("%s - failed to run migrations: %w", logPrefix, err)
		}
	}
	s.repo = db.NewRepository(pool, s.logger)
	return nil
}

// discover adds manifests from the manifest directories, then the persisted ones.
func (s *Server) discover(ctx context.Context, d *delegator.Delegator) {
	manifests, err := bootstrap.LoadManifests(s.cfg.ManifestDir, bootstrap.DefaultDir())
	if err != nil {
		s.logger.Warn(fmt.Sprintf("%s - Manifest discovery failed: %v", logPrefix, err))
	}
	// A registered manifest of this executor would make it its own peer.
	delete(manifests, s.id)
	n := d.Discover(ctx, manifests)
	s.logger.Info(fmt.Sprintf("%s - Discovered %d peers from manifest files", logPrefix, n))

	if s.repo == nil {
		return
	}
	stored, err := s.repo.ListManifests(ctx)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("%s - Loading stored manifests failed: %v", logPrefix, err))
		return
	}
	delete(stored, s.id)
	for id := range manifests {
		delete(stored, id)
	}
	n = d.Discover(ctx, stored)
	s.logger.Info(fmt.Sprintf("%s - Discovered %d peers from the database", logPrefix, n))
}

// Start opens the configured listeners, subscribes to COMMS, starts the
// manager and announces this executor.
func (s *Server) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	if err := s.manager.Start(runCtx); err != nil {
		return err
	}

	// Step 6: Stream, HTTP and WebSocket listeners
	streamSrv := stream.NewServer(stream.ServerParams{Handler: s.disp, Logger: s.logger})
	if s.cfg.ServeStdio {
		// Not tracked by wg: a read on stdin cannot be interrupted.
		go func() {
			defer close(s.stdinDone)
			if err := streamSrv.ServeStdio(runCtx); err != nil {
				s.logger.Error(fmt.Sprintf("%s - stdio listener failed: %v", logPrefix, err))
			}
		}()
	}
	if s.cfg.TCPAddr != "" {
		l, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, s.cfg.TCPAddr, err)
		}
		s.advertise(advertisedAddress(transport.TCP, l.Addr()))
		s.goServe("tcp", func() error { return streamSrv.Serve(runCtx, l) })
	}
	if s.cfg.UDSPath != "" {
		addr := transport.Address{Type: transport.UDS, Path: s.cfg.UDSPath}
		l, err := stream.Listen(addr)
		if err != nil {
			return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, addr.URL(), err)
		}
		s.advertise(addr)
		s.goServe("uds", func() error { return streamSrv.Serve(runCtx, l) })
	}
	if s.cfg.PipePath != "" {
		s.advertise(transport.Address{Type: transport.Pipe, Path: s.cfg.PipePath})
		s.goServe("pipe", func() error { return streamSrv.ServePipe(runCtx, s.cfg.PipePath) })
	}
	if s.cfg.HTTPAddr != "" {
		srv := httptransport.NewServer(httptransport.ServerParams{Handler: s.disp, Secret: s.secret, Logger: s.logger})
		if err := s.listenHTTP(runCtx, transport.HTTP, s.cfg.HTTPAddr, srv); err != nil {
			return err
		}
	}
	if s.cfg.WSAddr != "" {
		srv := ws.NewServer(ws.ServerParams{Handler: s.disp, Secret: s.secret, Logger: s.logger})
		if err := s.listenHTTP(runCtx, transport.WS, s.cfg.WSAddr, srv); err != nil {
			return err
		}
	}

	// Step 7: COMMS request subject and announcements
	if s.nc != nil {
		if err := s.startComms(runCtx); err != nil {
			return err
		}
	}
	s.manager.SetAddresses(s.Addresses())

	// Step 8: HTTP health server
	if s.cfg.HealthAddr != "" {
		l, err := net.Listen("tcp", s.cfg.HealthAddr)
		if err != nil {
			return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, s.cfg.HealthAddr, err)
		}
		s.mu.Lock()
		s.health = l.Addr()
		s.mu.Unlock()
		var database pinger
		if s.repo != nil {
			database = s.repo
		}
		router := healthRouter(s.manager, database, s.cfg.HealthCheckTimeout)
		s.goServe("health", func() error { return httptransport.Serve(runCtx, l, router, s.logger) })
	}

	if s.announcer != nil {
		m, err := s.manager.Manifest(runCtx)
		if err != nil {
			return fmt.Errorf("%s - failed to build manifest: %w", logPrefix, err)
		}
		if err := s.announcer.Announce(runCtx, s.id, m); err != nil {
			s.logger.Warn(fmt.Sprintf("%s - Announce failed: %v", logPrefix, err))
		}
	}

	s.logger.Info(fmt.Sprintf("%s - Capabilities-executor is ready", logPrefix))
	return nil
}

func (s *Server) listenHTTP(ctx context.Context, t transport.Transport, hostPort string, handler http.Handler) error {
	l, err := net.Listen("tcp", hostPort)
	if err != nil {
		return fmt.Errorf("%s - failed to listen on %s: %w", logPrefix, hostPort, err)
	}
	addr := advertisedAddress(t, l.Addr())
	addr.Path = "/"
	s.advertise(addr)
	s.goServe(string(t), func() error { return httptransport.Serve(ctx, l, handler, s.logger) })
	return nil
}

// advertisedAddress is the address peers use to reach a bound listener.
// Wildcard binds are advertised on the loopback host.
func advertisedAddress(t transport.Transport, a net.Addr) transport.Address {
	tcp, ok := a.(*net.TCPAddr)
	if !ok {
		return transport.Address{Type: t, Host: transport.DefaultHost}
	}
	host := tcp.IP.String()
	if tcp.IP == nil || tcp.IP.IsUnspecified() {
		host = transport.DefaultHost
	}
	return transport.Address{Type: t, Host: host, Port: tcp.Port}
}

func (s *Server) startComms(ctx context.Context) error {
	subject := s.cfg.ExecutorSubject
	if subject == "" {
		subject = commsutil.BuildExecutorSubject(s.id)
	}
	s.natsSrv = natstransport.NewServer(natstransport.ServerParams{
		Conn:    s.nc,
		Subject: subject,
		Handler: s.disp,
		Timeout: s.cfg.RequestTimeout,
		Logger:  s.logger,
	})
	if err := s.natsSrv.Start(ctx); err != nil {
		return err
	}
	addr, err := transport.ParseAddress(s.cfg.COMMSURL)
	if err != nil {
		return err
	}
	addr.Path = "/" + subject
	s.advertise(addr)

	sub, err := events.SubscribeAnnouncements(events.SubscribeAnnouncementsParams{
		Conn:     s.nc,
		Subject:  s.cfg.AnnounceSubject,
		SelfID:   s.id,
		Registry: s.manager.Delegator(),
		Timeout:  s.cfg.RequestTimeout,
		Logger:   s.logger,
	})
	if err != nil {
		return fmt.Errorf("%s - failed to subscribe to announcements: %w", logPrefix, err)
	}
	s.sub = sub
	s.announcer = events.NewAnnouncer(s.nc, s.cfg.AnnounceSubject, s.logger)
	return nil
}

func (s *Server) advertise(addr transport.Address) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.addresses.Add(addr)
}

func (s *Server) goServe(name string, serve func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := serve(); err != nil {
			s.logger.Error(fmt.Sprintf("%s - %s listener failed: %v", logPrefix, name, err))
		}
	}()
}

// ID returns the executor id.
func (s *Server) ID() string {
	return s.id
}

// Manager returns the executor the listeners serve.
func (s *Server) Manager() *manager.Manager {
	return s.manager
}

// Addresses returns the addresses the listeners are bound to.
func (s *Server) Addresses() transport.Addresses {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(transport.Addresses, len(s.addresses))
	for t, as := range s.addresses {
		out[t] = append([]transport.Address(nil), as...)
	}
	return out
}

// StdinDone is closed when standard input ends while serving stdio. It
// never closes otherwise.
func (s *Server) StdinDone() <-chan struct{} {
	return s.stdinDone
}

// HealthAddr returns the bound health address, or nil before Start.
func (s *Server) HealthAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health
}

// Stop withdraws the announcement, closes listeners, rejects queued jobs,
// stops peers and closes connections.
func (s *Server) Stop(ctx context.Context) error {
	var errs []error
	if s.announcer != nil {
		errs = append(errs, s.announcer.Withdraw(ctx, s.id))
	}
	if s.sub != nil {
		errs = append(errs, s.sub.Unsubscribe())
	}
	if s.natsSrv != nil {
		errs = append(errs, s.natsSrv.Stop())
	}
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	errs = append(errs, s.manager.Stop(ctx))
	s.wg.Wait()
	s.closeConns()
	return errors.Join(errs...)
}

func (s *Server) closeConns() {
	if s.nc != nil {
		s.nc.Drain()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
