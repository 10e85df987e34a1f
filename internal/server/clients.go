package server

import (
	"fmt"
	"log/slog"

	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/transport"
	"github.com/morezero/capabilities-executor/pkg/transport/direct"
	httptransport "github.com/morezero/capabilities-executor/pkg/transport/http"
	natstransport "github.com/morezero/capabilities-executor/pkg/transport/nats"
	"github.com/morezero/capabilities-executor/pkg/transport/stream"
	"github.com/morezero/capabilities-executor/pkg/transport/ws"
)

const clientsLogPrefix = "server:clients"

// ClientTypes returns the client types for ts, in the same order. secret
// signs tokens for http and ws peers; name identifies COMMS connections.
// Transports without a client are skipped.
func ClientTypes(ts []transport.Transport, secret, name string, logger *slog.Logger) []peer.ClientType {
	if logger == nil {
		logger = slog.Default()
	}
	out := make([]peer.ClientType, 0, len(ts))
	for _, t := range ts {
		switch t {
		case transport.Direct:
			out = append(out, direct.ClientType())
		case transport.HTTP:
			out = append(out, httptransport.ClientType(secret))
		case transport.WS:
			out = append(out, ws.ClientType(secret))
		case transport.NATS:
			out = append(out, natstransport.ClientType(name))
		default:
			ct, ok := stream.ClientType(t)
			if !ok {
				logger.Warn(fmt.Sprintf("%s - No client for transport %s, skipping", clientsLogPrefix, t))
				continue
			}
			out = append(out, ct)
		}
	}
	return out
}
