package peer

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

// fakeConn records calls and whether it was stopped.
type fakeConn struct {
	name    string
	mu      sync.Mutex
	stopped bool
	done    chan struct{}
}

func (c *fakeConn) Call(_ context.Context, method executor.Method, _ executor.Params) (any, error) {
	if method == executor.MethodManifest {
		return map[string]any{
			"version":      executor.ManifestVersion,
			"capabilities": map[string]any{"execute": true},
		}, nil
	}
	return c.name, nil
}

func (c *fakeConn) Stop(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopped = true
	return nil
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// factories builds client types that record every connection they create.
type factories struct {
	mu    sync.Mutex
	conns []*fakeConn
	fail  map[string]bool
}

func (f *factories) clientType(name string, t transport.Transport) ClientType {
	return ClientType{
		Name:      name,
		Transport: t,
		New: func(_ context.Context, addr transport.Address, _ *slog.Logger) (Conn, error) {
			if f.fail[name] {
				return nil, errors.New("refused")
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			c := &fakeConn{name: name, done: make(chan struct{})}
			f.conns = append(f.conns, c)
			return c, nil
		},
	}
}

func (f *factories) all() []ClientType {
	return []ClientType{
		f.clientType("direct", transport.Direct),
		f.clientType("stdio", transport.Stdio),
		f.clientType("tcp", transport.TCP),
		f.clientType("http", transport.HTTP),
		f.clientType("ws", transport.WS),
	}
}

func manifestWith(addrs ...string) *executor.Manifest {
	m := &executor.Manifest{Addresses: transport.Addresses{}}
	for _, a := range addrs {
		addr, err := transport.ParseAddress(a)
		if err != nil {
			panic(err)
		}
		m.Addresses.Add(addr)
	}
	return m
}

func TestPeer_ConnectPrefersEarlierClientTypes(t *testing.T) {
	f := &factories{}
	p := New(Params{
		ID:          "p1",
		Manifest:    manifestWith("http://127.0.0.1:8000", "stdio://./executor"),
		ClientTypes: f.all(),
	})

	if !p.Connect(context.Background(), false) {
		t.Fatal("peer:peer_test - expected connect to succeed")
	}
	if got := p.Connected(); got != "stdio" {
		t.Errorf("peer:peer_test - expected stdio, got %q", got)
	}
	result, err := p.Call(context.Background(), executor.MethodExecute, executor.Params{})
	if err != nil || result != "stdio" {
		t.Errorf("peer:peer_test - expected call over stdio, got %v, %v", result, err)
	}

	// A second connect reuses the connection.
	if !p.Connect(context.Background(), false) || len(f.conns) != 1 {
		t.Errorf("peer:peer_test - expected a single connection, got %d", len(f.conns))
	}
}

func TestPeer_ConnectFailures(t *testing.T) {
	tests := []struct {
		name        string
		manifest    *executor.Manifest
		clientTypes func(*factories) []ClientType
	}{
		{"no manifest", nil, (*factories).all},
		{"no addresses", manifestWith(), (*factories).all},
		{"no client types", manifestWith("tcp://127.0.0.1:7000"), func(*factories) []ClientType { return nil }},
		{"no matching transport", manifestWith("nats://127.0.0.1:4222/exec"), (*factories).all},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &factories{}
			p := New(Params{ID: "p", Manifest: tt.manifest, ClientTypes: tt.clientTypes(f)})
			if p.Connect(context.Background(), false) {
				t.Error("peer:peer_test - expected connect to fail")
			}
			if p.Connected() != "" {
				t.Error("peer:peer_test - expected peer to stay unconnected")
			}
		})
	}
}

func TestPeer_ConnectSkipsFailingFactory(t *testing.T) {
	f := &factories{fail: map[string]bool{"tcp": true}}
	p := New(Params{
		ID:          "p",
		Manifest:    manifestWith("tcp://127.0.0.1:7000", "ws://127.0.0.1:9000"),
		ClientTypes: f.all(),
	})
	if !p.Connect(context.Background(), false) {
		t.Fatal("peer:peer_test - expected connect to succeed")
	}
	if got := p.Connected(); got != "ws" {
		t.Errorf("peer:peer_test - expected fallback to ws, got %q", got)
	}
}

func TestPeer_CapableWhileDialling(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	slow := ClientType{
		Name:      "tcp",
		Transport: transport.TCP,
		New: func(context.Context, transport.Address, *slog.Logger) (Conn, error) {
			close(entered)
			<-release
			return &fakeConn{name: "tcp", done: make(chan struct{})}, nil
		},
	}
	m := manifestWith("tcp://127.0.0.1:7000")
	m.Capabilities = capability.Capabilities{"execute": capability.Bool(true)}
	p := New(Params{ID: "p", Manifest: m, ClientTypes: []ClientType{slow}})

	connected := make(chan bool, 1)
	go func() { connected <- p.Connect(context.Background(), false) }()
	<-entered

	capable := make(chan bool, 1)
	go func() { capable <- p.Capable(executor.MethodExecute, executor.Params{}) }()
	select {
	case ok := <-capable:
		if !ok {
			t.Error("peer:peer_test - expected peer to be capable of execute")
		}
	case <-time.After(time.Second):
		t.Fatal("peer:peer_test - Capable blocked while another caller was connecting")
	}
	if got := p.Connected(); got != "" {
		t.Errorf("peer:peer_test - expected no connection while dialling, got %q", got)
	}

	close(release)
	if !<-connected {
		t.Fatal("peer:peer_test - expected connect to succeed")
	}
	if got := p.Connected(); got != "tcp" {
		t.Errorf("peer:peer_test - expected tcp, got %q", got)
	}
}

func TestPeer_ConcurrentConnectKeepsOneConnection(t *testing.T) {
	f := &factories{}
	p := New(Params{ID: "p", Manifest: manifestWith("tcp://127.0.0.1:7000"), ClientTypes: f.all()})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !p.Connect(context.Background(), false) {
				t.Error("peer:peer_test - expected connect to succeed")
			}
		}()
	}
	wg.Wait()

	f.mu.Lock()
	defer f.mu.Unlock()
	live := 0
	for _, c := range f.conns {
		if !c.isStopped() {
			live++
		}
	}
	if live != 1 {
		t.Errorf("peer:peer_test - expected one live connection of %d made, got %d", len(f.conns), live)
	}
}

func TestPeer_CallBeforeConnect(t *testing.T) {
	p := New(Params{ID: "p", Manifest: manifestWith("tcp://127.0.0.1:7000")})
	_, err := p.Call(context.Background(), executor.MethodExecute, executor.Params{})
	var internal *executor.InternalError
	if !errors.As(err, &internal) {
		t.Fatalf("peer:peer_test - expected InternalError, got %v", err)
	}
}

func TestPeer_ReconnectStopsOtherType(t *testing.T) {
	f := &factories{}
	m := manifestWith("tcp://127.0.0.1:7000")
	p := New(Params{ID: "p", Manifest: m, ClientTypes: f.all()})
	if !p.Connect(context.Background(), false) {
		t.Fatal("peer:peer_test - expected connect to succeed")
	}

	// The peer now also advertises a preferred transport.
	stdio, _ := transport.ParseAddress("stdio://./executor")
	m.Addresses.Add(stdio)
	p.SetManifest(m)

	if !p.Connect(context.Background(), true) {
		t.Fatal("peer:peer_test - expected reconnect to succeed")
	}
	if got := p.Connected(); got != "stdio" {
		t.Errorf("peer:peer_test - expected stdio after reconnect, got %q", got)
	}
	if !f.conns[0].isStopped() {
		t.Error("peer:peer_test - expected tcp connection to be stopped")
	}

	// The refreshed manifest came from the peer but keeps known addresses.
	refreshed := p.Manifest()
	if !refreshed.Addresses.Has(transport.Stdio) {
		t.Error("peer:peer_test - expected addresses to survive refresh")
	}
	if !p.Capable(executor.MethodExecute, executor.Params{}) {
		t.Error("peer:peer_test - expected refreshed capabilities")
	}
}

func TestPeer_ReconnectsDroppedConnection(t *testing.T) {
	f := &factories{}
	p := New(Params{ID: "p", Manifest: manifestWith("tcp://127.0.0.1:7000"), ClientTypes: f.all()})
	p.Connect(context.Background(), false)
	close(f.conns[0].done)

	if got := p.Connected(); got != "" {
		t.Errorf("peer:peer_test - expected dropped connection to report unconnected, got %q", got)
	}
	if !p.Connect(context.Background(), false) {
		t.Fatal("peer:peer_test - expected reconnect to succeed")
	}
	if len(f.conns) != 2 {
		t.Errorf("peer:peer_test - expected a new connection, got %d", len(f.conns))
	}
}

func TestPeer_InProcessExecutor(t *testing.T) {
	base := executor.NewBase(nil, nil)
	m, _ := base.Manifest(context.Background())
	m.Executor = base
	p := New(Params{ID: "p", Manifest: m})

	if !p.Connect(context.Background(), false) {
		t.Fatal("peer:peer_test - expected in-process connect to succeed")
	}
	result, err := p.Call(context.Background(), executor.MethodDecode, executor.Params{"content": "[1]"})
	if err != nil {
		t.Fatalf("peer:peer_test - unexpected error: %v", err)
	}
	if arr, ok := result.([]any); !ok || len(arr) != 1 {
		t.Errorf("peer:peer_test - expected decoded array, got %#v", result)
	}
	p.Stop(context.Background())
	if p.Connected() != "" {
		t.Error("peer:peer_test - expected stop to drop the reference")
	}
}

func TestPeer_Capable(t *testing.T) {
	m := &executor.Manifest{Capabilities: capability.Capabilities{
		"decode": capability.Bool(true),
		"encode": capability.Bool(false),
		"execute": capability.Schema(
			`{"properties":{"node":{"properties":{"type":{"enum":["CodeChunk"]}}}}}`,
			`{"properties":{"node":{"properties":{"type":{"const":"CodeExpression"}}}}}`,
		),
	}}
	p := New(Params{ID: "p", Manifest: m})

	tests := []struct {
		method executor.Method
		params executor.Params
		want   bool
	}{
		{executor.MethodDecode, executor.Params{"content": "x"}, true},
		{executor.MethodEncode, executor.Params{}, false},
		{executor.MethodCompile, executor.Params{}, false},
		{executor.MethodExecute, executor.Params{"node": map[string]any{"type": "CodeChunk"}}, true},
		{executor.MethodExecute, executor.Params{"node": map[string]any{"type": "CodeExpression"}}, true},
		{executor.MethodExecute, executor.Params{"node": map[string]any{"type": "Paragraph"}}, false},
	}
	for _, tt := range tests {
		if got := p.Capable(tt.method, tt.params); got != tt.want {
			t.Errorf("peer:peer_test - Capable(%s, %v) = %v, want %v", tt.method, tt.params, got, tt.want)
		}
	}

	if p.Capable(executor.MethodDecode, nil) != true {
		t.Error("peer:peer_test - expected cached matcher to be reused")
	}
	if New(Params{ID: "empty"}).Capable(executor.MethodDecode, nil) {
		t.Error("peer:peer_test - expected peer without manifest to be incapable")
	}
}
