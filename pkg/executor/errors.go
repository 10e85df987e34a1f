package executor

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
)

const maxParamsSummary = 256

// CapabilityError reports that no executor could perform a call with the given parameters.
type CapabilityError struct {
	Message string
}

func (e *CapabilityError) Error() string {
	return e.Message
}

// ToRPC converts the error for the wire.
func (e *CapabilityError) ToRPC() *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.CapabilityError, Message: e.Message}
}

// NewCapabilityError describes an incapable call. The params summary is
// truncated and meant for people, not for parsing.
func NewCapabilityError(method Method, params Params) *CapabilityError {
	summary, err := json.Marshal(params)
	if err != nil {
		summary = []byte(fmt.Sprintf("%v", params))
	}
	if len(summary) > maxParamsSummary {
		summary = summary[:maxParamsSummary]
	}
	return &CapabilityError{Message: fmt.Sprintf("Incapable of method \"%s\" with params \"%s\"", method, summary)}
}

// Incapable creates a CapabilityError with a free-form message.
func Incapable(format string, args ...any) *CapabilityError {
	return &CapabilityError{Message: fmt.Sprintf(format, args...)}
}

// InternalError reports a programming or configuration mistake.
type InternalError struct {
	Message string
}

func (e *InternalError) Error() string {
	return "Internal error: " + e.Message
}

// ToRPC converts the error for the wire.
func (e *InternalError) ToRPC() *jsonrpc.Error {
	return &jsonrpc.Error{Code: jsonrpc.InternalError, Message: e.Error()}
}

// Internalf creates an InternalError.
func Internalf(format string, args ...any) *InternalError {
	return &InternalError{Message: fmt.Sprintf(format, args...)}
}

// IsCapabilityError reports whether err is, or wraps, a CapabilityError.
func IsCapabilityError(err error) bool {
	var capErr *CapabilityError
	return errors.As(err, &capErr)
}

// FromRPC maps a wire error back to a typed error where one exists.
func FromRPC(e *jsonrpc.Error) error {
	if e.Code == jsonrpc.CapabilityError {
		return &CapabilityError{Message: e.Message}
	}
	return e
}
