package dispatcher

import (
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
)

// errorResponse converts err into a response. Protocol errors are returned
// verbatim and not logged; capability errors are expected and logged at debug;
// anything else is logged and reported as a generic error, with a stack
// trace only in debug mode.
func (d *Dispatcher) errorResponse(id *jsonrpc.ID, method executor.Method, err error) *jsonrpc.Response {
	var rpcErr *jsonrpc.Error
	if errors.As(err, &rpcErr) {
		return jsonrpc.NewErrorResponse(id, rpcErr)
	}

	var capErr *executor.CapabilityError
	if errors.As(err, &capErr) {
		d.logger.Debug(fmt.Sprintf("%s - %s: %v", logPrefix, method, capErr))
		return jsonrpc.NewErrorResponse(id, capErr.ToRPC())
	}

	d.logger.Error(fmt.Sprintf("%s - %s failed: %v", logPrefix, method, err))

	var internalErr *executor.InternalError
	if errors.As(err, &internalErr) {
		return jsonrpc.NewErrorResponse(id, d.withStack(internalErr.ToRPC()))
	}
	return jsonrpc.NewErrorResponse(id, d.withStack(jsonrpc.Errorf(jsonrpc.ServerError, "%s", err.Error())))
}

func (d *Dispatcher) withStack(e *jsonrpc.Error) *jsonrpc.Error {
	if !d.debug {
		return e
	}
	return e.WithData(map[string]any{"stack": string(debug.Stack())})
}
