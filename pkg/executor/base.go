package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/node"
	"github.com/morezero/capabilities-executor/pkg/transport"
)

const baseLogPrefix = "executor:base"

// IncapableMessage is attached to executable nodes that no peer could execute.
const IncapableMessage = "Not able to execute this type of code."

// FormatJSON is the only content format handled without delegation.
const FormatJSON = "json"

// BaseCapabilities are the capabilities every Base provides itself.
func BaseCapabilities() capability.Capabilities {
	return capability.Capabilities{
		string(MethodManifest): capability.Bool(true),
		string(MethodDecode):   capability.Schema(`{"required":["content"],"properties":{"content":{"type":"string"},"format":{"const":"json"}}}`),
		string(MethodEncode):   capability.Schema(`{"required":["node"],"properties":{"node":true,"format":{"const":"json"}}}`),
	}
}

// Base is an executor that handles JSON itself and delegates everything else
// to Router, falling back to default behaviour when Router is nil or incapable.
type Base struct {
	Router Caller
	Logger *slog.Logger

	mu        sync.RWMutex
	id        string
	addresses transport.Addresses
	notifiers []Notifier
}

// NewBase creates a Base routing through router, which may be nil.
func NewBase(router Caller, logger *slog.Logger) *Base {
	return &Base{Router: router, Logger: logger}
}

func (b *Base) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// SetID sets the id advertised in the manifest.
func (b *Base) SetID(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.id = id
}

// SetAddresses sets the addresses advertised in the manifest.
func (b *Base) SetAddresses(addresses transport.Addresses) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addresses = addresses
}

// AddNotifier registers a recipient for Notify.
func (b *Base) AddNotifier(n Notifier) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.notifiers = append(b.notifiers, n)
}

// Manifest describes this executor.
func (b *Base) Manifest(ctx context.Context) (*Manifest, error) {
	caps, err := b.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &Manifest{
		Version:      ManifestVersion,
		ID:           b.id,
		Capabilities: caps,
		Addresses:    b.addresses,
	}, nil
}

// Capabilities returns BaseCapabilities.
func (b *Base) Capabilities(context.Context) (capability.Capabilities, error) {
	return BaseCapabilities(), nil
}

// Delegate routes method to Router. When there is no router, or the router
// reports a CapabilityError, fallback runs instead.
func (b *Base) Delegate(ctx context.Context, method Method, params Params, fallback func() (any, error)) (any, error) {
	if b.Router == nil {
		return fallback()
	}
	result, err := b.Router.Call(ctx, method, params)
	if IsCapabilityError(err) {
		b.logger().Debug(fmt.Sprintf("%s - No peer capable of %s, using fallback", baseLogPrefix, method))
		return fallback()
	}
	return result, err
}

// Decode parses JSON content and delegates other formats, falling back to JSON.
func (b *Base) Decode(ctx context.Context, content, format string) (node.Node, error) {
	if format == "" || format == FormatJSON {
		return DecodeJSON(content)
	}
	return b.Delegate(ctx, MethodDecode, Params{"content": content, "format": format}, func() (any, error) {
		return DecodeJSON(content)
	})
}

// Encode serializes to JSON and delegates other formats, falling back to JSON.
func (b *Base) Encode(ctx context.Context, n node.Node, format string) (string, error) {
	if format == "" || format == FormatJSON {
		return EncodeJSON(n)
	}
	result, err := b.Delegate(ctx, MethodEncode, Params{"node": n, "format": format}, func() (any, error) {
		return EncodeJSON(n)
	})
	if err != nil {
		return "", err
	}
	s, ok := result.(string)
	if !ok {
		return "", fmt.Errorf("%s - encode returned %T, want string", baseLogPrefix, result)
	}
	return s, nil
}

// Compile delegates, returning n unchanged when no peer can compile it.
func (b *Base) Compile(ctx context.Context, n node.Node) (node.Node, error) {
	return b.Delegate(ctx, MethodCompile, Params{"node": n}, identity(n))
}

// Build delegates, returning n unchanged when no peer can build it.
func (b *Base) Build(ctx context.Context, n node.Node) (node.Node, error) {
	return b.Delegate(ctx, MethodBuild, Params{"node": n}, identity(n))
}

// Execute walks the tree parent-first and delegates each code chunk and code
// expression. Nodes no peer can execute get an "incapable" error attached,
// nodes whose execution fails get an "exception" error, and the walk carries
// on. Only the end of ctx aborts the walk. When ctx carries a job id, the
// nth executable node runs as job "<job>/<n>".
func (b *Base) Execute(ctx context.Context, n, session node.Node, user Claims) (node.Node, error) {
	if user != nil {
		ctx = WithClaims(ctx, user)
	}
	job, hasJob := JobFromContext(ctx)
	count := 0
	return node.Walk(ctx, n, func(ctx context.Context, child node.Node) (node.Node, bool, error) {
		if !node.IsExecutable(child) {
			return nil, false, nil
		}
		count++
		if hasJob {
			ctx = WithJob(ctx, SubJob(job, count))
		}
		params := Params{"node": child}
		if session != nil {
			params["session"] = session
		}
		result, err := b.Delegate(ctx, MethodExecute, params, func() (any, error) {
			return node.WithError(child, "incapable", IncapableMessage), nil
		})
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, false, ctxErr
			}
			b.logger().Warn(fmt.Sprintf("%s - Failed to execute %s node: %v", baseLogPrefix, node.TypeOf(child), err))
			return node.WithError(child, "exception", err.Error()), true, nil
		}
		return result, true, nil
	})
}

// Begin delegates, returning n unchanged when no peer can begin it.
func (b *Base) Begin(ctx context.Context, n node.Node, user Claims) (node.Node, error) {
	if user != nil {
		ctx = WithClaims(ctx, user)
	}
	return b.Delegate(ctx, MethodBegin, Params{"node": n}, identity(n))
}

// End delegates, returning n unchanged when no peer can end it.
func (b *Base) End(ctx context.Context, n node.Node) (node.Node, error) {
	return b.Delegate(ctx, MethodEnd, Params{"node": n}, identity(n))
}

// Query delegates. There is no local fallback.
func (b *Base) Query(ctx context.Context, n node.Node, query, lang string) (node.Node, error) {
	params := Params{"node": n, "query": query}
	if lang != "" {
		params["lang"] = lang
	}
	return b.Delegate(ctx, MethodQuery, params, func() (any, error) {
		return nil, NewCapabilityError(MethodQuery, params)
	})
}

// Cancel forwards to the router when it supports cancellation.
func (b *Base) Cancel(ctx context.Context, job string) (bool, error) {
	if canceller, ok := b.Router.(interface {
		Cancel(ctx context.Context, job string) (bool, error)
	}); ok {
		return canceller.Cancel(ctx, job)
	}
	return false, nil
}

// Call dispatches by method name to the operations of Base.
func (b *Base) Call(ctx context.Context, method Method, params Params) (any, error) {
	return Dispatch(ctx, b, method, params)
}

// Notify sends a notification to every registered notifier.
func (b *Base) Notify(ctx context.Context, subject, message string, n node.Node) error {
	b.mu.RLock()
	notifiers := append([]Notifier(nil), b.notifiers...)
	b.mu.RUnlock()

	var errs []error
	for _, notifier := range notifiers {
		if err := notifier.Notify(ctx, subject, message, n); err != nil {
			b.logger().Warn(fmt.Sprintf("%s - Failed to notify: %v", baseLogPrefix, err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Notified logs a received notification.
func (b *Base) Notified(subject, message string, _ node.Node) {
	LogNotification(b.logger(), subject, message)
}

// Start does nothing.
func (b *Base) Start(context.Context) error { return nil }

// Stop does nothing.
func (b *Base) Stop(context.Context) error { return nil }

// DecodeJSON parses JSON content into a node.
func DecodeJSON(content string) (node.Node, error) {
	var n node.Node
	if err := json.Unmarshal([]byte(content), &n); err != nil {
		return nil, fmt.Errorf("%s - failed to decode JSON content: %w", baseLogPrefix, err)
	}
	return n, nil
}

// EncodeJSON serializes a node as JSON.
func EncodeJSON(n node.Node) (string, error) {
	data, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("%s - failed to encode JSON: %w", baseLogPrefix, err)
	}
	return string(data), nil
}

func identity(n node.Node) func() (any, error) {
	return func() (any, error) { return n, nil }
}
