package executor

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/node"
)

const proxyLogPrefix = "executor:proxy"

// Proxy implements the typed operations by forwarding them to Caller.Call.
// Executors whose only behaviour is routing (clients, delegators, queues)
// embed it and implement Call.
type Proxy struct {
	Caller Caller
	Logger *slog.Logger
}

func (p *Proxy) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

// Manifest calls manifest.
func (p *Proxy) Manifest(ctx context.Context) (*Manifest, error) {
	result, err := p.Caller.Call(ctx, MethodManifest, Params{})
	if err != nil {
		return nil, err
	}
	return ToManifest(result)
}

// Capabilities returns the capabilities of the manifest.
func (p *Proxy) Capabilities(ctx context.Context) (capability.Capabilities, error) {
	var m *Manifest
	var err error
	if manifester, ok := p.Caller.(interface {
		Manifest(ctx context.Context) (*Manifest, error)
	}); ok {
		m, err = manifester.Manifest(ctx)
	} else {
		m, err = p.Manifest(ctx)
	}
	if err != nil {
		return nil, err
	}
	return m.Capabilities, nil
}

// Decode calls decode.
func (p *Proxy) Decode(ctx context.Context, content, format string) (node.Node, error) {
	params := Params{"content": content}
	if format != "" {
		params["format"] = format
	}
	return p.Caller.Call(ctx, MethodDecode, params)
}

// Encode calls encode.
func (p *Proxy) Encode(ctx context.Context, n node.Node, format string) (string, error) {
	params := Params{"node": n}
	if format != "" {
		params["format"] = format
	}
	result, err := p.Caller.Call(ctx, MethodEncode, params)
	if err != nil {
		return "", err
	}
	s, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("%s - encode returned %T, want string", proxyLogPrefix, result)
	}
	return s, nil
}

// Compile calls compile.
func (p *Proxy) Compile(ctx context.Context, n node.Node) (node.Node, error) {
	return p.Caller.Call(ctx, MethodCompile, Params{"node": n})
}

// Build calls build.
func (p *Proxy) Build(ctx context.Context, n node.Node) (node.Node, error) {
	return p.Caller.Call(ctx, MethodBuild, Params{"node": n})
}

// Execute calls execute. The user travels in the context, never in params.
func (p *Proxy) Execute(ctx context.Context, n, session node.Node, user Claims) (node.Node, error) {
	params := Params{"node": n}
	if session != nil {
		params["session"] = session
	}
	if user != nil {
		ctx = WithClaims(ctx, user)
	}
	return p.Caller.Call(ctx, MethodExecute, params)
}

// Begin calls begin.
func (p *Proxy) Begin(ctx context.Context, n node.Node, user Claims) (node.Node, error) {
	if user != nil {
		ctx = WithClaims(ctx, user)
	}
	return p.Caller.Call(ctx, MethodBegin, Params{"node": n})
}

// End calls end.
func (p *Proxy) End(ctx context.Context, n node.Node) (node.Node, error) {
	return p.Caller.Call(ctx, MethodEnd, Params{"node": n})
}

// Query calls query.
func (p *Proxy) Query(ctx context.Context, n node.Node, query, lang string) (node.Node, error) {
	params := Params{"node": n, "query": query}
	if lang != "" {
		params["lang"] = lang
	}
	return p.Caller.Call(ctx, MethodQuery, params)
}

// Cancel calls cancel.
func (p *Proxy) Cancel(ctx context.Context, job string) (bool, error) {
	result, err := p.Caller.Call(ctx, MethodCancel, Params{"job": job})
	if err != nil {
		return false, err
	}
	cancelled, _ := result.(bool)
	return cancelled, nil
}

// Notify has no recipients by default.
func (p *Proxy) Notify(_ context.Context, subject, message string, _ node.Node) error {
	p.logger().Debug(fmt.Sprintf("%s - No clients to notify of %s: %s", proxyLogPrefix, subject, message))
	return nil
}

// Notified logs a received notification.
func (p *Proxy) Notified(subject, message string, _ node.Node) {
	LogNotification(p.logger(), subject, message)
}

// Start does nothing.
func (p *Proxy) Start(context.Context) error { return nil }

// Stop does nothing.
func (p *Proxy) Stop(context.Context) error { return nil }

// LogNotification logs a notification, using its subject as the level when it names one.
func LogNotification(logger *slog.Logger, subject, message string) {
	msg := fmt.Sprintf("%s - Notification %s: %s", proxyLogPrefix, subject, message)
	switch subject {
	case "debug":
		logger.Debug(msg)
	case "warn":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
}
