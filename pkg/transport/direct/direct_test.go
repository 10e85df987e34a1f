package direct

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/morezero/capabilities-executor/pkg/dispatcher"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/node"
	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

// notifying reports progress to whoever called build.
type notifying struct {
	*executor.Base
}

func (n *notifying) Build(ctx context.Context, nd node.Node) (node.Node, error) {
	if notifier, ok := executor.NotifierFromContext(ctx); ok {
		if err := notifier.Notify(ctx, "info", "building", nil); err != nil {
			return nil, err
		}
	}
	return map[string]any{"built": nd}, nil
}

func newHandler() transport.Handler {
	e := &notifying{Base: executor.NewBase(nil, nil)}
	return dispatcher.NewDispatcher(dispatcher.Params{Executor: e})
}

func TestDirect_ThroughPeer(t *testing.T) {
	addr, err := transport.ParseAddress("direct://")
	require.NoError(t, err)
	addr.Handler = newHandler()

	p := peer.New(peer.Params{
		ID:          "local",
		Manifest:    &executor.Manifest{Addresses: transport.Addresses{transport.Direct: {addr}}},
		ClientTypes: []peer.ClientType{ClientType()},
	})
	require.True(t, p.Connect(context.Background(), false))
	require.Equal(t, "direct", p.Connected())

	got, err := p.Call(context.Background(), executor.MethodDecode, executor.Params{"content": `{"a":1}`})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"a": float64(1)}, got)

	p.Stop(context.Background())
	require.Equal(t, "", p.Connected())
}

func TestDirect_NotificationsReachTheCaller(t *testing.T) {
	var mu sync.Mutex
	var messages []string
	c := NewClient(Params{
		Handler: newHandler(),
		Notified: func(subject, message string, _ node.Node) {
			mu.Lock()
			defer mu.Unlock()
			messages = append(messages, subject+": "+message)
		},
	})

	got, err := c.Build(context.Background(), "x")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"built": "x"}, got)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(messages) == 1 && messages[0] == "info: building"
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDirect_StopRejectsCalls(t *testing.T) {
	c := NewClient(Params{Handler: newHandler()})
	require.NoError(t, c.Stop(context.Background()))
	_, err := c.Call(context.Background(), executor.MethodManifest, executor.Params{})
	require.Error(t, err)
}

func TestClientType_RequiresHandler(t *testing.T) {
	_, err := ClientType().New(context.Background(), transport.Address{Type: transport.Direct}, nil)
	require.Error(t, err)
}
