// Package peer wraps one executor reachable in-process or over a transport.
package peer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

const logPrefix = "peer:peer"

// inProcess is the connection type name used for executors living in this process.
const inProcess = "executor"

// Conn is an established connection to a peer.
type Conn interface {
	executor.Caller
	Stop(ctx context.Context) error
}

// Factory creates a connection to addr.
type Factory func(ctx context.Context, addr transport.Address, logger *slog.Logger) (Conn, error)

// ClientType pairs a transport with the factory for its client.
type ClientType struct {
	Name      string
	Transport transport.Transport
	New       Factory
}

// Params configures a Peer.
type Params struct {
	ID       string
	Manifest *executor.Manifest
	// ClientTypes are tried in order; earlier entries are preferred.
	ClientTypes []ClientType
	Logger      *slog.Logger
}

// Peer matches calls against a manifest's capabilities and holds a lazily
// established connection to the executor it describes.
type Peer struct {
	id          string
	clientTypes []ClientType
	logger      *slog.Logger

	mu         sync.Mutex
	manifest   *executor.Manifest
	conn       Conn
	connType   string
	validators map[string]capability.Matcher
}

// New creates an unconnected Peer.
func New(p Params) *Peer {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Peer{
		id:          p.ID,
		clientTypes: p.ClientTypes,
		logger:      logger,
		manifest:    p.Manifest,
		validators:  make(map[string]capability.Matcher),
	}
}

// ID returns the peer id.
func (p *Peer) ID() string {
	return p.id
}

// Manifest returns the current manifest, or nil if none is known.
func (p *Peer) Manifest() *executor.Manifest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.manifest
}

// SetManifest replaces the manifest and drops compiled matchers.
func (p *Peer) SetManifest(m *executor.Manifest) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.manifest = m
	p.validators = make(map[string]capability.Matcher)
}

// Connected returns the name of the current connection type, or "" when unconnected.
func (p *Peer) Connected() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil || dropped(p.conn) {
		return ""
	}
	return p.connType
}

// Capable reports whether the manifest declares method with a capability
// that params satisfy. It reads only the manifest and performs no I/O.
func (p *Peer) Capable(method executor.Method, params executor.Params) bool {
	matcher := p.matcher(string(method))
	if matcher == nil {
		return false
	}
	return matcher.Match(params)
}

func (p *Peer) matcher(method string) capability.Matcher {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest == nil {
		return nil
	}
	if m, ok := p.validators[method]; ok {
		return m
	}
	m, err := capability.Compile(method, p.manifest.Capabilities.Get(method))
	if err != nil {
		p.logger.Warn(fmt.Sprintf("%s - Peer %s has an invalid capability for %s: %v", logPrefix, p.id, method, err))
		m, _ = capability.Compile(method, capability.Bool(false))
	}
	p.validators[method] = m
	return m
}

// Connect establishes a connection unless one exists and reconnect is false.
// An in-process executor is used directly. Otherwise the first client type
// whose transport the manifest advertises wins, falling back to later ones
// when a factory fails; when reconnecting to a different type the old
// connection is stopped once the new one is up. It returns false when no
// client type connects. The peer is not locked while dialling.
func (p *Peer) Connect(ctx context.Context, reconnect bool) bool {
	connected, refresh := p.connect(ctx, reconnect)
	if connected && refresh {
		p.Refresh(ctx)
	}
	return connected
}

type candidate struct {
	clientType ClientType
	addr       transport.Address
}

func (p *Peer) connect(ctx context.Context, reconnect bool) (connected, fresh bool) {
	p.mu.Lock()
	if p.conn != nil && dropped(p.conn) {
		p.logger.Warn(fmt.Sprintf("%s - Connection to peer %s via %s dropped", logPrefix, p.id, p.connType))
		p.conn, p.connType = nil, ""
		reconnect = true
	}
	if p.conn != nil && !reconnect {
		p.mu.Unlock()
		return true, false
	}
	if p.manifest == nil {
		p.mu.Unlock()
		return false, false
	}
	if p.manifest.Executor != nil {
		p.conn, p.connType = p.manifest.Executor, inProcess
		p.mu.Unlock()
		return true, false
	}
	var candidates []candidate
	for _, ct := range p.clientTypes {
		if addr, ok := p.manifest.Addresses.First(ct.Transport); ok {
			candidates = append(candidates, candidate{clientType: ct, addr: addr})
		}
	}
	prev, prevType := p.conn, p.connType
	p.mu.Unlock()

	if prev != nil && len(candidates) > 0 && candidates[0].clientType.Name == prevType {
		return true, false
	}

	conn, name := p.dial(ctx, candidates)
	if conn == nil {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.conn != nil, false
	}

	p.mu.Lock()
	if p.conn != prev {
		// Another caller connected or stopped the peer while this one dialled.
		current := p.conn != nil
		p.mu.Unlock()
		p.stopConn(ctx, conn, name)
		return current, false
	}
	p.conn, p.connType = conn, name
	p.mu.Unlock()

	if prev != nil {
		p.stopConn(ctx, prev, prevType)
	}
	return true, reconnect
}

// dial tries each candidate in order and returns the first connection made.
func (p *Peer) dial(ctx context.Context, candidates []candidate) (Conn, string) {
	for _, c := range candidates {
		conn, err := c.clientType.New(ctx, c.addr, p.logger)
		if err != nil {
			p.logger.Warn(fmt.Sprintf("%s - Failed to connect to peer %s via %s at %s: %v", logPrefix, p.id, c.clientType.Name, c.addr.URL(), err))
			continue
		}
		p.logger.Debug(fmt.Sprintf("%s - Connected to peer %s via %s at %s", logPrefix, p.id, c.clientType.Name, c.addr.URL()))
		return conn, c.clientType.Name
	}
	return nil, ""
}

// Refresh re-queries the manifest over the current connection. Addresses are
// kept when the peer does not report any.
func (p *Peer) Refresh(ctx context.Context) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return
	}
	result, err := conn.Call(ctx, executor.MethodManifest, executor.Params{})
	if err != nil {
		p.logger.Warn(fmt.Sprintf("%s - Failed to refresh manifest of peer %s: %v", logPrefix, p.id, err))
		return
	}
	m, err := executor.ToManifest(result)
	if err != nil {
		p.logger.Warn(fmt.Sprintf("%s - Peer %s returned an invalid manifest: %v", logPrefix, p.id, err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.manifest != nil && len(m.Addresses) == 0 {
		m.Addresses = p.manifest.Addresses
	}
	p.manifest = m
	p.validators = make(map[string]capability.Matcher)
}

// Call forwards a call over the connection. Calling before a successful
// Connect is a programming error.
func (p *Peer) Call(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, executor.Internalf("peer %s must be connected before calling %s", p.id, method)
	}
	return conn.Call(ctx, method, params)
}

// Stop releases the connection. In-process executors are owned elsewhere and are not stopped.
func (p *Peer) Stop(ctx context.Context) {
	p.mu.Lock()
	conn, connType := p.conn, p.connType
	p.conn, p.connType = nil, ""
	p.mu.Unlock()
	if conn != nil {
		p.stopConn(ctx, conn, connType)
	}
}

func (p *Peer) stopConn(ctx context.Context, conn Conn, connType string) {
	if connType == inProcess {
		return
	}
	if err := conn.Stop(ctx); err != nil {
		p.logger.Warn(fmt.Sprintf("%s - Failed to stop %s connection to peer %s: %v", logPrefix, connType, p.id, err))
	}
}

func dropped(conn Conn) bool {
	d, ok := conn.(interface{ Done() <-chan struct{} })
	if !ok {
		return false
	}
	select {
	case <-d.Done():
		return true
	default:
		return false
	}
}
