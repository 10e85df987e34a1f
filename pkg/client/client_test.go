package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
	"github.com/morezero/capabilities-executor/pkg/node"
)

var _ executor.Executor = (*Client)(nil)

// outbox collects requests sent by a client.
type outbox struct {
	requests chan *jsonrpc.Request
}

func newOutbox() *outbox {
	return &outbox{requests: make(chan *jsonrpc.Request, 100)}
}

func (o *outbox) send(_ context.Context, data []byte) error {
	req, err := jsonrpc.ParseRequest(data)
	if err != nil {
		return err
	}
	o.requests <- req
	return nil
}

func (o *outbox) next(t *testing.T) *jsonrpc.Request {
	t.Helper()
	select {
	case req := <-o.requests:
		return req
	case <-time.After(5 * time.Second):
		t.Fatal("client:client_test - timed out waiting for request")
		return nil
	}
}

func respond(t *testing.T, c *Client, id *jsonrpc.ID, result any) {
	t.Helper()
	resp, err := jsonrpc.NewResult(id, result)
	if err != nil {
		t.Fatalf("client:client_test - failed to build response: %v", err)
	}
	data, _ := json.Marshal(resp)
	c.Receive(data)
}

func TestClient_OutOfOrderResponses(t *testing.T) {
	out := newOutbox()
	c := New(Params{Send: out.send})

	const n = 20
	results := make([]any, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Call(context.Background(), executor.MethodDecode, executor.Params{"content": fmt.Sprint(i)})
		}(i)
	}

	requests := make([]*jsonrpc.Request, 0, n)
	for i := 0; i < n; i++ {
		requests = append(requests, out.next(t))
	}
	// Answer in reverse order, echoing the content back.
	for i := n - 1; i >= 0; i-- {
		var params map[string]any
		_ = json.Unmarshal(requests[i].Params, &params)
		respond(t, c, requests[i].ID, params["content"])
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("client:client_test - call %d failed: %v", i, errs[i])
		}
		if results[i] != fmt.Sprint(i) {
			t.Errorf("client:client_test - call %d got %v", i, results[i])
		}
	}
	if c.Pending() != 0 {
		t.Errorf("client:client_test - %d requests still pending", c.Pending())
	}
}

func TestClient_DuplicateAndUnknownResponsesDropped(t *testing.T) {
	out := newOutbox()
	c := New(Params{Send: out.send})

	done := make(chan any, 1)
	go func() {
		result, _ := c.Call(context.Background(), executor.MethodManifest, nil)
		done <- result
	}()
	req := out.next(t)

	respond(t, c, req.ID, "first")
	respond(t, c, req.ID, "second")
	unknown := jsonrpc.NumberID(999999)
	respond(t, c, &unknown, "stray")
	negative := jsonrpc.NumberID(-1)
	respond(t, c, &negative, "bad")
	c.Receive([]byte(`not json`))

	select {
	case got := <-done:
		if got != "first" {
			t.Errorf("client:client_test - got %v, want first", got)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("client:client_test - call never settled")
	}
}

func TestClient_ErrorResponses(t *testing.T) {
	out := newOutbox()
	c := New(Params{Send: out.send})

	tests := []struct {
		name           string
		rpcErr         *jsonrpc.Error
		wantCapability bool
	}{
		{"capability", jsonrpc.Errorf(jsonrpc.CapabilityError, "Incapable"), true},
		{"invalid params", jsonrpc.Errorf(jsonrpc.InvalidParams, "missing"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errCh := make(chan error, 1)
			go func() {
				_, err := c.Call(context.Background(), executor.MethodDecode, executor.Params{})
				errCh <- err
			}()
			req := out.next(t)
			data, _ := json.Marshal(jsonrpc.NewErrorResponse(req.ID, tt.rpcErr))
			c.Receive(data)

			err := <-errCh
			if executor.IsCapabilityError(err) != tt.wantCapability {
				t.Errorf("client:client_test - IsCapabilityError = %v for %v", !tt.wantCapability, err)
			}
			var rpcErr *jsonrpc.Error
			if !tt.wantCapability && (!errors.As(err, &rpcErr) || rpcErr.Code != tt.rpcErr.Code) {
				t.Errorf("client:client_test - got %v, want code %d", err, tt.rpcErr.Code)
			}
		})
	}
}

func TestClient_ReusesJobIDFromContext(t *testing.T) {
	out := newOutbox()
	c := New(Params{Send: out.send})

	ctx, cancel := context.WithCancel(executor.WithJob(context.Background(), "job-abc"))
	go func() { _, _ = c.Call(ctx, executor.MethodExecute, executor.Params{"node": 1}) }()
	req := out.next(t)
	if !req.ID.IsString() || req.ID.String() != "job-abc" {
		t.Errorf("client:client_test - id = %s, want job-abc", req.ID)
	}

	// The same job id is in flight, so a second call gets a counter id.
	go func() { _, _ = c.Call(ctx, executor.MethodExecute, executor.Params{"node": 2}) }()
	second := out.next(t)
	if second.ID.IsString() {
		t.Errorf("client:client_test - second id = %s, want numeric", second.ID)
	}
	cancel()
}

func TestClient_ContextCancellation(t *testing.T) {
	out := newOutbox()
	c := New(Params{Send: out.send})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Call(ctx, executor.MethodBuild, executor.Params{"node": nil})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("client:client_test - err = %v, want deadline exceeded", err)
	}
	if c.Pending() != 0 {
		t.Error("client:client_test - cancelled call left pending")
	}
}

func TestClient_CloseRejectsPending(t *testing.T) {
	out := newOutbox()
	c := New(Params{Send: out.send})

	errCh := make(chan error, 1)
	go func() {
		_, err := c.Call(context.Background(), executor.MethodBuild, executor.Params{"node": nil})
		errCh <- err
	}()
	out.next(t)
	c.Close(nil)

	if err := <-errCh; !errors.Is(err, ErrClosed) {
		t.Errorf("client:client_test - err = %v, want ErrClosed", err)
	}
	if _, err := c.Call(context.Background(), executor.MethodBuild, nil); !errors.Is(err, ErrClosed) {
		t.Errorf("client:client_test - call after close err = %v", err)
	}
}

func TestClient_Notifications(t *testing.T) {
	type received struct {
		subject, message string
		n                node.Node
	}
	got := make(chan received, 2)
	c := New(Params{
		Send: newOutbox().send,
		Notified: func(subject, message string, n node.Node) {
			got <- received{subject, message, n}
		},
	})

	c.Receive([]byte(`{"jsonrpc":"2.0","method":"info","params":{"message":"Job queued","node":{"type":"Null"}}}`))
	c.Receive([]byte(`{"jsonrpc":"2.0","method":"warn","params":["Careful"]}`))

	first := <-got
	if first.subject != "info" || first.message != "Job queued" || first.n == nil {
		t.Errorf("client:client_test - first = %+v", first)
	}
	second := <-got
	if second.subject != "warn" || second.message != "Careful" {
		t.Errorf("client:client_test - second = %+v", second)
	}
}

func TestClient_NotifySendsNotification(t *testing.T) {
	out := newOutbox()
	c := New(Params{Send: out.send})
	if err := c.Notify(context.Background(), "info", "hello", nil); err != nil {
		t.Fatalf("client:client_test - unexpected error: %v", err)
	}
	req := out.next(t)
	if !req.IsNotification() || req.Method != "info" {
		t.Errorf("client:client_test - got %+v", req)
	}
}
