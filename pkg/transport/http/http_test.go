package http

import (
	"context"
	"encoding/json"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/morezero/capabilities-executor/pkg/dispatcher"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
	"github.com/morezero/capabilities-executor/pkg/node"
	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/transport"
	"github.com/morezero/capabilities-executor/pkg/transport/auth"
)

const secret = "test-secret"

// whoami executes nodes by reporting the user they run for.
type whoami struct {
	*executor.Base
}

func (w *whoami) Execute(_ context.Context, _, _ node.Node, user executor.Claims) (node.Node, error) {
	if user == nil {
		return "anonymous", nil
	}
	return user["sub"], nil
}

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	d := dispatcher.NewDispatcher(dispatcher.Params{Executor: &whoami{Base: executor.NewBase(nil, nil)}})
	ts := httptest.NewServer(NewServer(ServerParams{Handler: d, Secret: secret}))
	t.Cleanup(ts.Close)
	return ts
}

func addressOf(t *testing.T, ts *httptest.Server, path string) transport.Address {
	t.Helper()
	u, err := url.Parse(ts.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return transport.Address{Type: transport.HTTP, Host: u.Hostname(), Port: port, Path: path}
}

func TestHTTP_ThroughPeer(t *testing.T) {
	ts := newServer(t)
	p := peer.New(peer.Params{
		ID:          "remote",
		Manifest:    &executor.Manifest{Addresses: transport.Addresses{transport.HTTP: {addressOf(t, ts, "")}}},
		ClientTypes: []peer.ClientType{ClientType(secret)},
	})
	require.True(t, p.Connect(context.Background(), false))
	defer p.Stop(context.Background())

	got, err := p.Call(context.Background(), executor.MethodDecode, executor.Params{"content": `{"a":[1]}`})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": []any{float64(1)}}, got)
}

func TestHTTP_Claims(t *testing.T) {
	ts := newServer(t)
	token, err := auth.Issue(secret, map[string]any{"sub": "user-7"}, time.Minute)
	require.NoError(t, err)
	forged, err := auth.Issue("not-the-secret", map[string]any{"sub": "admin"}, time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		want    any
		wantErr bool
	}{
		{"anonymous", "", "anonymous", false},
		{"verified", token, "user-7", false},
		{"forged", forged, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(Params{URL: ts.URL, Token: tt.token})
			defer c.Stop(context.Background())

			got, err := c.Execute(context.Background(), map[string]any{"type": "CodeChunk"}, nil, executor.Claims{"sub": "spoofed"})
			if tt.wantErr {
				var rpcErr *jsonrpc.Error
				require.ErrorAs(t, err, &rpcErr)
				require.Equal(t, jsonrpc.InvalidRequest, rpcErr.Code)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestHTTP_ErrorStatusSettlesCall(t *testing.T) {
	ts := newServer(t)
	c := NewClient(Params{URL: ts.URL + "/nowhere"})
	defer c.Stop(context.Background())

	_, err := c.Call(context.Background(), executor.MethodManifest, executor.Params{})
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	require.Equal(t, jsonrpc.InvalidRequest, rpcErr.Code)
	require.Equal(t, 0, c.Pending())
}

func TestHTTP_WrappedEndpoints(t *testing.T) {
	ts := newServer(t)

	resp, err := nethttp.Get(ts.URL + "/manifest")
	require.NoError(t, err)
	var m executor.Manifest
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&m))
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	require.Equal(t, executor.ManifestVersion, m.Version)

	resp, err = nethttp.Post(ts.URL+"/decode", "application/json", strings.NewReader(`{"content":"[true]"}`))
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)
	require.JSONEq(t, `[true]`, string(body))

	// Nothing can run a query, so the bare error is a client error.
	resp, err = nethttp.Post(ts.URL+"/query", "application/json", strings.NewReader(`{"node":{},"query":"/a"}`))
	require.NoError(t, err)
	var rpcErr jsonrpc.Error
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rpcErr))
	resp.Body.Close()
	require.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
	require.Equal(t, jsonrpc.CapabilityError, rpcErr.Code)
}

func TestHTTP_QueryTokenAndUnauthorized(t *testing.T) {
	ts := newServer(t)
	token, _ := auth.Issue(secret, map[string]any{"sub": "u"}, time.Minute)

	resp, err := nethttp.Get(ts.URL + "/manifest?jwt=" + token)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusOK, resp.StatusCode)

	resp, err = nethttp.Get(ts.URL + "/manifest?jwt=garbage")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusUnauthorized, resp.StatusCode)
}

func TestHTTP_NotificationHasNoContent(t *testing.T) {
	ts := newServer(t)
	resp, err := nethttp.Post(ts.URL, "application/json", strings.NewReader(`{"jsonrpc":"2.0","method":"info","params":{"message":"hi"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, nethttp.StatusNoContent, resp.StatusCode)
}

func TestToken(t *testing.T) {
	token, err := Token(transport.Address{JWT: "given"}, secret)
	require.NoError(t, err)
	require.Equal(t, "given", token)

	token, err = Token(transport.Address{}, "")
	require.NoError(t, err)
	require.Empty(t, token)

	token, err = Token(transport.Address{}, secret)
	require.NoError(t, err)
	_, err = auth.NewVerifier(secret).Verify(token)
	require.NoError(t, err)
}
