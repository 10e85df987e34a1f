// Package executor defines the executor operation set, manifests and the
// default delegating behaviour shared by concrete executors.
package executor

import (
	"context"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/node"
)

// Method names an executor operation.
type Method string

const (
	MethodManifest     Method = "manifest"
	MethodCapabilities Method = "capabilities"
	MethodDecode       Method = "decode"
	MethodEncode       Method = "encode"
	MethodCompile      Method = "compile"
	MethodBuild        Method = "build"
	MethodExecute      Method = "execute"
	MethodBegin        Method = "begin"
	MethodEnd          Method = "end"
	MethodQuery        Method = "query"
	MethodCancel       Method = "cancel"
)

// Params are the named parameters of a call.
type Params = map[string]any

// Claims identify the user on whose behalf a call is made.
type Claims = map[string]any

// Caller performs a method call by name.
type Caller interface {
	Call(ctx context.Context, method Method, params Params) (any, error)
}

// Notifier delivers a one-way message to a client.
type Notifier interface {
	Notify(ctx context.Context, subject, message string, n node.Node) error
}

// Executor is the full operation set.
type Executor interface {
	Caller
	Notifier
	Manifest(ctx context.Context) (*Manifest, error)
	Capabilities(ctx context.Context) (capability.Capabilities, error)
	Decode(ctx context.Context, content, format string) (node.Node, error)
	Encode(ctx context.Context, n node.Node, format string) (string, error)
	Compile(ctx context.Context, n node.Node) (node.Node, error)
	Build(ctx context.Context, n node.Node) (node.Node, error)
	Execute(ctx context.Context, n, session node.Node, user Claims) (node.Node, error)
	Begin(ctx context.Context, n node.Node, user Claims) (node.Node, error)
	End(ctx context.Context, n node.Node) (node.Node, error)
	Query(ctx context.Context, n node.Node, query, lang string) (node.Node, error)
	Cancel(ctx context.Context, job string) (bool, error)
	Notified(subject, message string, n node.Node)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}
