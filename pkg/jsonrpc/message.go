package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const messageLogPrefix = "jsonrpc:message"

// Version is the protocol version carried in every message.
const Version = "2.0"

// Request is a call or, when ID is nil, a notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers the Request with the same ID. Exactly one of Result and Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *ID             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest creates a request with the next counter ID.
func NewRequest(method string, params any) (*Request, error) {
	id := NextID()
	return NewRequestWithID(&id, method, params)
}

// NewNotification creates a request without an ID. It is never answered.
func NewNotification(method string, params any) (*Request, error) {
	return NewRequestWithID(nil, method, params)
}

// NewRequestWithID creates a request with a caller-chosen ID. A nil id makes a notification.
func NewRequestWithID(id *ID, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to encode params for %s: %w", messageLogPrefix, method, err)
		}
		req.Params = raw
	}
	return req, nil
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return r.ID == nil
}

// NewResult creates a successful response.
func NewResult(id *ID, result any) (*Response, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode result: %w", messageLogPrefix, err)
	}
	return &Response{JSONRPC: Version, ID: id, Result: raw}, nil
}

// NewErrorResponse creates a failed response.
func NewErrorResponse(id *ID, err *Error) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: err}
}

// ParseRequest validates an inbound request. Malformed JSON yields ParseError;
// a non-object, a missing or non-string method, a bad id or non-structured
// params yield InvalidRequest. The returned error is always an *Error.
func ParseRequest(data []byte) (*Request, error) {
	if !json.Valid(data) {
		return nil, Errorf(ParseError, "Message is not valid JSON")
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, Errorf(InvalidRequest, "Request must be an object")
	}
	rawMethod, ok := fields["method"]
	if !ok {
		return nil, Errorf(InvalidRequest, "Request is missing method")
	}
	req := &Request{JSONRPC: Version}
	if err := json.Unmarshal(rawMethod, &req.Method); err != nil {
		return nil, Errorf(InvalidRequest, "Request method must be a string")
	}
	if rawID, ok := fields["id"]; ok && !isAbsent(rawID) {
		var id ID
		if err := json.Unmarshal(rawID, &id); err != nil {
			return nil, Errorf(InvalidRequest, "Request id must be an integer or string")
		}
		req.ID = &id
	}
	if rawParams, ok := fields["params"]; ok && !isAbsent(rawParams) {
		switch bytes.TrimSpace(rawParams)[0] {
		case '{', '[':
			req.Params = rawParams
		default:
			return nil, Errorf(InvalidRequest, "Request params must be an object or array")
		}
	}
	return req, nil
}

// ParseResponse decodes an inbound response without validating its ID.
func ParseResponse(data []byte) (*Response, error) {
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, Errorf(ParseError, "Response is not valid: %v", err)
	}
	return &resp, nil
}

// IsRequest reports whether a raw message carries a method and so is a
// request or notification rather than a response.
func IsRequest(data []byte) bool {
	var head struct {
		Method *json.RawMessage `json:"method"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return false
	}
	return head.Method != nil
}

// id false is accepted as an alias for "no id".
func isAbsent(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	return s == "" || s == "null" || s == "false"
}

// NotificationParams extracts the message and optional node of a
// notification, given either as {"message", "node"} or as [message, node].
func NotificationParams(raw json.RawMessage) (string, any) {
	if len(raw) == 0 {
		return "", nil
	}
	var named struct {
		Message string `json:"message"`
		Node    any    `json:"node"`
	}
	if err := json.Unmarshal(raw, &named); err == nil {
		return named.Message, named.Node
	}
	var positional []any
	if err := json.Unmarshal(raw, &positional); err == nil && len(positional) > 0 {
		message, _ := positional[0].(string)
		var n any
		if len(positional) > 1 {
			n = positional[1]
		}
		return message, n
	}
	return "", nil
}
