// Package dispatcher serves JSON-RPC requests by calling the operations of an executor.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
)

const logPrefix = "dispatcher:dispatch"

// Params configures a Dispatcher.
type Params struct {
	Executor executor.Executor
	Logger   *slog.Logger
	// Debug includes stack traces in error responses.
	Debug bool
}

// Dispatcher routes requests to an executor and wraps outcomes into responses.
type Dispatcher struct {
	executor executor.Executor
	logger   *slog.Logger
	debug    bool
}

// NewDispatcher creates a new Dispatcher.
func NewDispatcher(p Params) *Dispatcher {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{executor: p.Executor, logger: logger, debug: p.Debug}
}

// Executor returns the executor requests are dispatched to.
func (d *Dispatcher) Executor() executor.Executor {
	return d.executor
}

// Receive parses a raw request, dispatches it and returns the raw response,
// or nil for notifications. claims are the server-verified user and replace
// any identity the client may claim.
func (d *Dispatcher) Receive(ctx context.Context, data []byte, claims executor.Claims) []byte {
	req, err := jsonrpc.ParseRequest(data)
	if err != nil {
		return d.encode(d.errorResponse(nil, executor.Method(""), err))
	}
	resp := d.Dispatch(ctx, req, claims)
	if resp == nil {
		return nil
	}
	return d.encode(resp)
}

// HandleMessage serves in-process clients, using claims attached to ctx.
func (d *Dispatcher) HandleMessage(ctx context.Context, data []byte) []byte {
	return d.Receive(ctx, data, executor.ClaimsFromContext(ctx))
}

// Dispatch routes a parsed request to the executor. Notifications go to the
// executor's Notified hook and produce no response.
func (d *Dispatcher) Dispatch(ctx context.Context, req *jsonrpc.Request, claims executor.Claims) *jsonrpc.Response {
	if req.IsNotification() {
		message, n := jsonrpc.NotificationParams(req.Params)
		d.executor.Notified(req.Method, message, n)
		return nil
	}
	d.logger.Debug(fmt.Sprintf("%s - method=%s id=%s", logPrefix, req.Method, req.ID))

	method := executor.Method(req.Method)
	params, err := decodeParams(method, req.Params)
	if err != nil {
		return d.errorResponse(req.ID, method, err)
	}

	ctx = executor.WithClaims(ctx, claims)
	if req.ID.IsString() {
		ctx = executor.WithJob(ctx, req.ID.String())
	}

	result, err := d.call(ctx, method, params)
	if err != nil {
		return d.errorResponse(req.ID, method, err)
	}
	resp, err := jsonrpc.NewResult(req.ID, result)
	if err != nil {
		return d.errorResponse(req.ID, method, executor.Internalf("unable to encode result of %s: %v", method, err))
	}
	return resp
}

func (d *Dispatcher) call(ctx context.Context, method executor.Method, params executor.Params) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = executor.Internalf("panic in %s: %v", method, r)
		}
	}()
	return executor.Dispatch(ctx, d.executor, method, params)
}

func decodeParams(method executor.Method, raw json.RawMessage) (executor.Params, error) {
	if len(raw) == 0 {
		return executor.Params{}, nil
	}
	if raw[0] == '[' {
		var values []any
		if err := json.Unmarshal(raw, &values); err != nil {
			return nil, jsonrpc.Errorf(jsonrpc.InvalidParams, "Unable to decode params: %v", err)
		}
		return executor.PositionalParams(method, values), nil
	}
	var params executor.Params
	if err := json.Unmarshal(raw, &params); err != nil {
		return nil, jsonrpc.Errorf(jsonrpc.InvalidParams, "Unable to decode params: %v", err)
	}
	if params == nil {
		params = executor.Params{}
	}
	return params, nil
}

func (d *Dispatcher) encode(resp *jsonrpc.Response) []byte {
	data, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error(fmt.Sprintf("%s - failed to encode response: %v", logPrefix, err))
		data, _ = json.Marshal(jsonrpc.NewErrorResponse(resp.ID, jsonrpc.Errorf(jsonrpc.InternalError, "Unable to encode response")))
	}
	return data
}
