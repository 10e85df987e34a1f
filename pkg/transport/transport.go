// Package transport defines transport kinds and their addresses.
package transport

import (
	"context"
	"fmt"
	"strings"
)

const logPrefix = "transport:transport"

// Transport is a communication channel family.
type Transport string

const (
	Direct Transport = "direct"
	Stdio  Transport = "stdio"
	Pipe   Transport = "pipe"
	UDS    Transport = "uds"
	VSock  Transport = "vsock"
	TCP    Transport = "tcp"
	HTTP   Transport = "http"
	WS     Transport = "ws"
	NATS   Transport = "nats"
)

// All lists every transport in the default preference order.
var All = []Transport{Direct, Stdio, Pipe, UDS, VSock, TCP, HTTP, WS, NATS}

// Parse returns the Transport named s.
func Parse(s string) (Transport, error) {
	t := Transport(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range All {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%s - unknown transport %q", logPrefix, s)
}

// ParseList parses a comma separated list of transport names.
func ParseList(s string) ([]Transport, error) {
	var out []Transport
	for _, part := range strings.Split(s, ",") {
		if strings.TrimSpace(part) == "" {
			continue
		}
		t, err := Parse(part)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Handler processes one raw JSON-RPC message in-process and returns the raw
// reply, or nil for notifications.
type Handler interface {
	HandleMessage(ctx context.Context, data []byte) []byte
}
