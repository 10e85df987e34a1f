package executor

import (
	"context"

	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
	"github.com/morezero/capabilities-executor/pkg/node"
)

// ParamNames lists, per method, the names given to positional parameters.
var ParamNames = map[Method][]string{
	MethodManifest: {},
	MethodDecode:   {"content", "format"},
	MethodEncode:   {"node", "format"},
	MethodCompile:  {"node"},
	MethodBuild:    {"node"},
	MethodExecute:  {"node", "session"},
	MethodBegin:    {"node"},
	MethodEnd:      {"node"},
	MethodQuery:    {"node", "query", "lang"},
	MethodCancel:   {"job"},
}

// PositionalParams names an array of parameters for method.
func PositionalParams(method Method, values []any) Params {
	names := ParamNames[method]
	params := make(Params, len(values))
	for i, v := range values {
		if i < len(names) {
			params[names[i]] = v
		}
	}
	return params
}

// Dispatch calls the typed operation of e named by method. Unknown methods
// yield MethodNotFound and missing required parameters InvalidParams. Claims
// attached to ctx are passed as the user of execute and begin.
func Dispatch(ctx context.Context, e Executor, method Method, params Params) (any, error) {
	switch method {
	case MethodManifest:
		return e.Manifest(ctx)
	case MethodCapabilities:
		return e.Capabilities(ctx)
	case MethodDecode:
		content, err := stringParam(method, params, "content", true)
		if err != nil {
			return nil, err
		}
		format, err := stringParam(method, params, "format", false)
		if err != nil {
			return nil, err
		}
		return e.Decode(ctx, content, format)
	case MethodEncode:
		n, err := nodeParam(method, params)
		if err != nil {
			return nil, err
		}
		format, err := stringParam(method, params, "format", false)
		if err != nil {
			return nil, err
		}
		return e.Encode(ctx, n, format)
	case MethodCompile, MethodBuild, MethodBegin, MethodEnd:
		n, err := nodeParam(method, params)
		if err != nil {
			return nil, err
		}
		switch method {
		case MethodCompile:
			return e.Compile(ctx, n)
		case MethodBuild:
			return e.Build(ctx, n)
		case MethodBegin:
			return e.Begin(ctx, n, ClaimsFromContext(ctx))
		}
		return e.End(ctx, n)
	case MethodExecute:
		n, err := nodeParam(method, params)
		if err != nil {
			return nil, err
		}
		return e.Execute(ctx, n, params["session"], ClaimsFromContext(ctx))
	case MethodQuery:
		n, err := nodeParam(method, params)
		if err != nil {
			return nil, err
		}
		query, err := stringParam(method, params, "query", true)
		if err != nil {
			return nil, err
		}
		lang, err := stringParam(method, params, "lang", false)
		if err != nil {
			return nil, err
		}
		return e.Query(ctx, n, query, lang)
	case MethodCancel:
		job, err := stringParam(method, params, "job", true)
		if err != nil {
			return nil, err
		}
		return e.Cancel(ctx, job)
	}
	return nil, jsonrpc.Errorf(jsonrpc.MethodNotFound, "Unknown method %q", method)
}

func nodeParam(method Method, params Params) (node.Node, error) {
	n, ok := params["node"]
	if !ok {
		return nil, jsonrpc.Errorf(jsonrpc.InvalidParams, "Parameter %q is required for method %q", "node", method)
	}
	return n, nil
}

func stringParam(method Method, params Params, name string, required bool) (string, error) {
	v, ok := params[name]
	if !ok || v == nil {
		if required {
			return "", jsonrpc.Errorf(jsonrpc.InvalidParams, "Parameter %q is required for method %q", name, method)
		}
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", jsonrpc.Errorf(jsonrpc.InvalidParams, "Parameter %q of method %q must be a string, got %T", name, method, v)
	}
	return s, nil
}
