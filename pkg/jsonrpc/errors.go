// Package jsonrpc defines the JSON-RPC 2.0 envelope shared by every transport.
package jsonrpc

import "fmt"

// Error codes. The -32000 to -32099 range is reserved for implementation-defined errors.
const (
	ParseError      = -32700
	InvalidRequest  = -32600
	MethodNotFound  = -32601
	InvalidParams   = -32602
	InternalError   = -32603
	ServerError     = -32000
	CapabilityError = -32005
)

// Error is the error member of a Response.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Errorf creates an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithData returns a copy of e carrying data.
func (e *Error) WithData(data any) *Error {
	c := *e
	c.Data = data
	return &c
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", CodeName(e.Code), e.Message)
}

// IsProtocol reports whether the error is caused by a malformed or unroutable request.
func (e *Error) IsProtocol() bool {
	switch e.Code {
	case ParseError, InvalidRequest, MethodNotFound, InvalidParams:
		return true
	}
	return false
}

// CodeName returns a short name for an error code.
func CodeName(code int) string {
	switch code {
	case ParseError:
		return "Parse error"
	case InvalidRequest:
		return "Invalid request"
	case MethodNotFound:
		return "Method not found"
	case InvalidParams:
		return "Invalid params"
	case InternalError:
		return "Internal error"
	case CapabilityError:
		return "Capability error"
	}
	if code <= -32000 && code >= -32099 {
		return "Server error"
	}
	return "Application error"
}
