package delegator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/events"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

// fakeConn answers calls with a handler and records stops.
type fakeConn struct {
	handle  func(ctx context.Context, method executor.Method, params executor.Params) (any, error)
	stopped chan struct{}
	once    sync.Once
}

func (c *fakeConn) Call(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
	return c.handle(ctx, method, params)
}

func (c *fakeConn) Stop(context.Context) error {
	c.once.Do(func() { close(c.stopped) })
	return nil
}

// network hands out one fakeConn per tcp address and counts dials.
type network struct {
	mu       sync.Mutex
	handlers map[string]func(context.Context, executor.Method, executor.Params) (any, error)
	dials    map[string]int
	conns    map[string]*fakeConn
}

func newNetwork() *network {
	return &network{
		handlers: map[string]func(context.Context, executor.Method, executor.Params) (any, error){},
		dials:    map[string]int{},
		conns:    map[string]*fakeConn{},
	}
}

func (n *network) clientTypes() []peer.ClientType {
	return []peer.ClientType{{
		Name:      "tcp",
		Transport: transport.TCP,
		New: func(_ context.Context, addr transport.Address, _ *slog.Logger) (peer.Conn, error) {
			n.mu.Lock()
			defer n.mu.Unlock()
			key := addr.HostPort()
			n.dials[key]++
			h, ok := n.handlers[key]
			if !ok {
				return nil, errors.New("connection refused")
			}
			c := &fakeConn{handle: h, stopped: make(chan struct{})}
			n.conns[key] = c
			return c, nil
		},
	}}
}

func (n *network) dialCount(hostPort string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dials[hostPort]
}

func tcpManifest(id, hostPort string, caps capability.Capabilities) *executor.Manifest {
	addr, err := transport.ParseAddress("tcp://" + hostPort)
	if err != nil {
		panic(err)
	}
	return &executor.Manifest{
		Version:      executor.ManifestVersion,
		ID:           id,
		Capabilities: caps,
		Addresses:    transport.Addresses{transport.TCP: {addr}},
	}
}

func reply(value any) func(context.Context, executor.Method, executor.Params) (any, error) {
	return func(context.Context, executor.Method, executor.Params) (any, error) { return value, nil }
}

func TestDelegator_NoPeersIsCapabilityError(t *testing.T) {
	d := New(Params{})
	_, err := d.Call(context.Background(), executor.MethodExecute, executor.Params{"node": map[string]any{"type": "CodeChunk"}})
	if !executor.IsCapabilityError(err) {
		t.Fatalf("delegator:delegator_test - expected CapabilityError, got %v", err)
	}
	if !strings.HasPrefix(err.Error(), `Incapable of method "execute" with params "`) {
		t.Errorf("delegator:delegator_test - unexpected message %q", err.Error())
	}
}

func TestDelegator_FirstCapableConnectingPeerWins(t *testing.T) {
	n := newNetwork()
	n.handlers["127.0.0.1:7002"] = reply("b")
	n.handlers["127.0.0.1:7003"] = reply("c")
	d := New(Params{ClientTypes: n.clientTypes()})
	ctx := context.Background()

	execute := capability.Capabilities{"execute": capability.Bool(true)}
	for _, m := range []*executor.Manifest{
		tcpManifest("a", "127.0.0.1:7001", capability.Capabilities{"decode": capability.Bool(true)}),
		tcpManifest("unreachable", "127.0.0.1:7009", execute),
		tcpManifest("b", "127.0.0.1:7002", execute),
		tcpManifest("c", "127.0.0.1:7003", execute),
	} {
		if _, err := d.Add(ctx, m); err != nil {
			t.Fatalf("delegator:delegator_test - add failed: %v", err)
		}
	}

	result, err := d.Call(ctx, executor.MethodExecute, executor.Params{})
	if err != nil {
		t.Fatalf("delegator:delegator_test - unexpected error: %v", err)
	}
	if result != "b" {
		t.Errorf("delegator:delegator_test - expected peer b, got %v", result)
	}
	if n.dialCount("127.0.0.1:7001") != 0 {
		t.Error("delegator:delegator_test - incapable peer should not be dialled")
	}
	if n.dialCount("127.0.0.1:7009") != 1 {
		t.Error("delegator:delegator_test - expected unreachable peer to be tried once")
	}
	if n.dialCount("127.0.0.1:7003") != 0 {
		t.Error("delegator:delegator_test - peers after the winner should not be dialled")
	}
}

func TestDelegator_AddAndUpdate(t *testing.T) {
	d := New(Params{VersionConstraint: ">=1.0.0, <2.0.0"})
	ctx := context.Background()

	id, err := d.Add(ctx, &executor.Manifest{Version: "1.0.0"})
	if err != nil || !strings.HasPrefix(id, "peer-") {
		t.Fatalf("delegator:delegator_test - expected generated id, got %q, %v", id, err)
	}
	if _, err := d.Add(ctx, &executor.Manifest{Version: "2.0.0", ID: "new"}); err == nil {
		t.Error("delegator:delegator_test - expected incompatible version to be refused")
	}

	if err := d.Update(ctx, "late", &executor.Manifest{Version: "1.2.0"}); err != nil {
		t.Fatalf("delegator:delegator_test - update of unknown id failed: %v", err)
	}
	if got := len(d.Peers()); got != 2 {
		t.Errorf("delegator:delegator_test - expected 2 peers, got %d", got)
	}

	if _, err := d.Add(ctx, &executor.Manifest{Version: "1.0.0", ID: "late"}); err != nil {
		t.Fatalf("delegator:delegator_test - re-add failed: %v", err)
	}
	if got := len(d.Peers()); got != 2 {
		t.Errorf("delegator:delegator_test - expected re-add to update in place, got %d peers", got)
	}

	if !d.Remove(ctx, "late") || d.Remove(ctx, "late") {
		t.Error("delegator:delegator_test - expected remove to succeed exactly once")
	}
}

func TestDelegator_UpdateWithNewAddressesReconnects(t *testing.T) {
	n := newNetwork()
	n.handlers["127.0.0.1:7001"] = reply("old")
	n.handlers["127.0.0.1:7002"] = reply("new")
	d := New(Params{ClientTypes: n.clientTypes()})
	ctx := context.Background()
	caps := capability.Capabilities{"build": capability.Bool(true)}

	if _, err := d.Add(ctx, tcpManifest("w", "127.0.0.1:7001", caps)); err != nil {
		t.Fatalf("delegator:delegator_test - add failed: %v", err)
	}
	if got, _ := d.Call(ctx, executor.MethodBuild, executor.Params{}); got != "old" {
		t.Fatalf("delegator:delegator_test - expected old, got %v", got)
	}
	old := n.conns["127.0.0.1:7001"]

	if err := d.Update(ctx, "w", tcpManifest("w", "127.0.0.1:7002", caps)); err != nil {
		t.Fatalf("delegator:delegator_test - update failed: %v", err)
	}
	select {
	case <-old.stopped:
	default:
		t.Error("delegator:delegator_test - expected old connection to be stopped")
	}
	if got, _ := d.Call(ctx, executor.MethodBuild, executor.Params{}); got != "new" {
		t.Errorf("delegator:delegator_test - expected new, got %v", got)
	}
}

func TestDelegator_JobTrackingAndCancel(t *testing.T) {
	n := newNetwork()
	started := make(chan string, 1)
	release := make(chan struct{})
	var cancelled []string
	n.handlers["127.0.0.1:7001"] = func(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
		switch method {
		case executor.MethodCancel:
			cancelled = append(cancelled, params["job"].(string))
			return true, nil
		default:
			job, _ := executor.JobFromContext(ctx)
			started <- job
			<-release
			return "done", nil
		}
	}
	d := New(Params{ClientTypes: n.clientTypes()})
	ctx := context.Background()
	_, err := d.Add(ctx, tcpManifest("w", "127.0.0.1:7001", capability.Capabilities{
		"execute": capability.Bool(true),
		"cancel":  capability.Bool(true),
	}))
	if err != nil {
		t.Fatalf("delegator:delegator_test - add failed: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := d.Call(ctx, executor.MethodExecute, executor.Params{"job": "job-1"})
		done <- err
	}()

	select {
	case job := <-started:
		if job != "job-1" {
			t.Errorf("delegator:delegator_test - expected job id in context, got %q", job)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("delegator:delegator_test - call never reached the peer")
	}
	if d.Jobs() != 1 {
		t.Errorf("delegator:delegator_test - expected 1 job in flight, got %d", d.Jobs())
	}

	ok, err := d.Cancel(ctx, "job-1")
	if err != nil || !ok {
		t.Errorf("delegator:delegator_test - expected cancel to be forwarded, got %v, %v", ok, err)
	}
	if ok, err := d.Cancel(ctx, "job-unknown"); ok || err != nil {
		t.Errorf("delegator:delegator_test - expected unknown job to return false, got %v, %v", ok, err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("delegator:delegator_test - unexpected error: %v", err)
	}
	if d.Jobs() != 0 {
		t.Errorf("delegator:delegator_test - expected job map to be cleared, got %d", d.Jobs())
	}
	if diff := cmp.Diff([]string{"job-1"}, cancelled); diff != "" {
		t.Errorf("delegator:delegator_test - cancelled jobs mismatch (-want +got):\n%s", diff)
	}
}

func TestDelegator_CancelWithoutCapability(t *testing.T) {
	n := newNetwork()
	release := make(chan struct{})
	started := make(chan struct{})
	n.handlers["127.0.0.1:7001"] = func(ctx context.Context, method executor.Method, _ executor.Params) (any, error) {
		if method == executor.MethodCancel {
			t.Error("delegator:delegator_test - cancel should not be forwarded")
		}
		close(started)
		<-release
		return nil, nil
	}
	d := New(Params{ClientTypes: n.clientTypes()})
	d.Add(context.Background(), tcpManifest("w", "127.0.0.1:7001", capability.Capabilities{"execute": capability.Bool(true)}))

	go d.Call(context.Background(), executor.MethodExecute, executor.Params{"job": "job-2"})
	<-started
	if ok, err := d.Cancel(context.Background(), "job-2"); ok || err != nil {
		t.Errorf("delegator:delegator_test - expected false, got %v, %v", ok, err)
	}
	close(release)
}

type recorder struct {
	mu      sync.Mutex
	records []executor.JobRecord
}

func (r *recorder) RecordJob(_ context.Context, rec executor.JobRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func TestDelegator_RecordsJobsAndPublishesChanges(t *testing.T) {
	n := newNetwork()
	n.handlers["127.0.0.1:7001"] = func(_ context.Context, method executor.Method, params executor.Params) (any, error) {
		if method == executor.MethodQuery {
			return nil, executor.NewCapabilityError(method, params)
		}
		return nil, errors.New("boom")
	}
	rec := &recorder{}
	var published []events.Action
	d := New(Params{
		ClientTypes: n.clientTypes(),
		Recorder:    rec,
		Publisher: events.NewCallbackPublisher(func(_ context.Context, e *events.PeerChangedEvent) error {
			published = append(published, e.Action)
			return nil
		}),
	})
	ctx := context.Background()
	d.Add(ctx, tcpManifest("w", "127.0.0.1:7001", capability.Capabilities{
		"compile": capability.Bool(true),
		"query":   capability.Bool(true),
	}))

	d.Call(ctx, executor.MethodCompile, executor.Params{"job": "j1"})
	d.Call(ctx, executor.MethodQuery, executor.Params{"job": "j2"})
	d.Remove(ctx, "w")

	want := []executor.JobStatus{executor.JobFailed, executor.JobIncapable}
	if len(rec.records) != len(want) {
		t.Fatalf("delegator:delegator_test - expected %d records, got %d", len(want), len(rec.records))
	}
	for i, r := range rec.records {
		if r.Status != want[i] || r.Peer != "w" {
			t.Errorf("delegator:delegator_test - record %d = %+v, want status %s", i, r, want[i])
		}
	}
	if rec.records[0].Error != "boom" || rec.records[0].ID != "j1" {
		t.Errorf("delegator:delegator_test - unexpected record %+v", rec.records[0])
	}
	if diff := cmp.Diff([]events.Action{events.ActionAdded, events.ActionRemoved}, published); diff != "" {
		t.Errorf("delegator:delegator_test - published mismatch (-want +got):\n%s", diff)
	}
}

func TestDelegator_ManifestAndStop(t *testing.T) {
	n := newNetwork()
	n.handlers["127.0.0.1:7001"] = reply(nil)
	d := New(Params{ID: "root", ClientTypes: n.clientTypes()})
	ctx := context.Background()
	d.Add(ctx, tcpManifest("a", "127.0.0.1:7001", capability.Capabilities{"build": capability.Bool(true)}))
	d.Add(ctx, tcpManifest("b", "127.0.0.1:7002", capability.Capabilities{"decode": capability.Bool(true)}))

	m, err := d.Manifest(ctx)
	if err != nil {
		t.Fatalf("delegator:delegator_test - manifest failed: %v", err)
	}
	if m.ID != "root" {
		t.Errorf("delegator:delegator_test - expected id root, got %q", m.ID)
	}
	if diff := cmp.Diff([]string{"tcp"}, m.Clients); diff != "" {
		t.Errorf("delegator:delegator_test - clients mismatch (-want +got):\n%s", diff)
	}
	if len(m.Peers) != 2 || m.Peers["a"] == nil {
		t.Errorf("delegator:delegator_test - expected peer snapshots, got %v", m.Peers)
	}
	for _, method := range []string{"build", "decode"} {
		if m.Capabilities.Get(method).Kind != capability.Always {
			t.Errorf("delegator:delegator_test - expected merged capability for %s", method)
		}
	}

	d.Call(ctx, executor.MethodBuild, executor.Params{})
	if err := d.Stop(ctx); err != nil {
		t.Fatalf("delegator:delegator_test - stop failed: %v", err)
	}
	select {
	case <-n.conns["127.0.0.1:7001"].stopped:
	default:
		t.Error("delegator:delegator_test - expected connection to be stopped")
	}
}

// evaluator executes CodeExpressions of the form "4*21".
type evaluator struct {
	*executor.Base
}

func (e *evaluator) Capabilities(context.Context) (capability.Capabilities, error) {
	return capability.Capabilities{
		"execute": capability.Schema(`{"required":["node"],"properties":{"node":{"properties":{"type":{"const":"CodeExpression"}}}}}`),
	}, nil
}

func (e *evaluator) Manifest(ctx context.Context) (*executor.Manifest, error) {
	caps, _ := e.Capabilities(ctx)
	return &executor.Manifest{Version: executor.ManifestVersion, ID: "evaluator", Capabilities: caps}, nil
}

func (e *evaluator) Call(_ context.Context, method executor.Method, params executor.Params) (any, error) {
	n := params["node"].(map[string]any)
	out := map[string]any{}
	for k, v := range n {
		out[k] = v
	}
	if n["text"] == "4*21" {
		out["output"] = float64(84)
	}
	return out, nil
}

func TestDelegator_ExecuteTreeWalk(t *testing.T) {
	d := New(Params{})
	if _, err := d.AddExecutor(context.Background(), &evaluator{Base: executor.NewBase(nil, nil)}); err != nil {
		t.Fatalf("delegator:delegator_test - add executor failed: %v", err)
	}
	root := executor.NewBase(d, nil)

	doc := map[string]any{
		"type": "Article",
		"content": []any{map[string]any{
			"type":    "Paragraph",
			"content": []any{"x is: ", map[string]any{"type": "CodeExpression", "text": "4*21"}},
		}},
	}
	got, err := root.Execute(context.Background(), doc, nil, nil)
	if err != nil {
		t.Fatalf("delegator:delegator_test - execute failed: %v", err)
	}
	want := map[string]any{
		"type": "Article",
		"content": []any{map[string]any{
			"type":    "Paragraph",
			"content": []any{"x is: ", map[string]any{"type": "CodeExpression", "text": "4*21", "output": float64(84)}},
		}},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("delegator:delegator_test - execute mismatch (-want +got):\n%s", diff)
	}
}
