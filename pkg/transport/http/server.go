package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	nethttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/jsonrpc"
	"github.com/morezero/capabilities-executor/pkg/transport"
	"github.com/morezero/capabilities-executor/pkg/transport/auth"
)

const serverLogPrefix = "http:server"

// maxBodyBytes bounds the size of a request body.
const maxBodyBytes = 16 << 20

const shutdownTimeout = 5 * time.Second

// wrappedMethods are served as bare REST-like endpoints besides POST /.
var wrappedMethods = []executor.Method{
	executor.MethodDecode,
	executor.MethodEncode,
	executor.MethodQuery,
	executor.MethodCompile,
	executor.MethodBuild,
	executor.MethodExecute,
	executor.MethodBegin,
	executor.MethodEnd,
	executor.MethodCancel,
}

// ServerParams configures a Server.
type ServerParams struct {
	Handler transport.Handler
	// Secret verifies bearer tokens. Requests without a token are anonymous.
	Secret         string
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server answers JSON-RPC posted to / and wraps single methods as plain
// endpoints that return bare results and errors.
type Server struct {
	handler  transport.Handler
	verifier *auth.Verifier
	logger   *slog.Logger
	router   chi.Router
}

// NewServer creates a Server and its routes.
func NewServer(p ServerParams) *Server {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origins := p.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	s := &Server{
		handler:  p.Handler,
		verifier: auth.NewVerifier(p.Secret),
		logger:   logger,
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(s.authenticate)
	r.Post("/", s.handleRPC)
	r.Get("/manifest", s.wrap(executor.MethodManifest))
	r.Post("/manifest", s.wrap(executor.MethodManifest))
	for _, method := range wrappedMethods {
		r.Post("/"+string(method), s.wrap(method))
	}
	r.NotFound(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		writeJSON(w, nethttp.StatusNotFound, jsonrpc.Errorf(jsonrpc.InvalidRequest, "Route %s %s not found", r.Method, r.URL.Path))
	})
	s.router = r
	return s
}

// Router exposes the routes so other transports can share the server.
func (s *Server) Router() chi.Router {
	return s.router
}

func (s *Server) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	s.router.ServeHTTP(w, r)
}

// authenticate verifies a presented token and attaches its claims. An
// invalid token is rejected with 401.
func (s *Server) authenticate(next nethttp.Handler) nethttp.Handler {
	return nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		claims, err := s.verifier.Authenticate(r)
		if err != nil {
			s.logger.Debug(fmt.Sprintf("%s - Rejected request from %s: %v", serverLogPrefix, r.RemoteAddr, err))
			writeJSON(w, nethttp.StatusUnauthorized, jsonrpc.NewErrorResponse(nil, jsonrpc.Errorf(jsonrpc.InvalidRequest, "%s", auth.ErrInvalidToken)))
			return
		}
		if claims != nil {
			r = r.WithContext(executor.WithClaims(r.Context(), claims))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRPC(w nethttp.ResponseWriter, r *nethttp.Request) {
	body, err := io.ReadAll(nethttp.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, nethttp.StatusRequestEntityTooLarge, jsonrpc.NewErrorResponse(nil, jsonrpc.Errorf(jsonrpc.InvalidRequest, "%v", err)))
		return
	}
	reply := s.handler.HandleMessage(r.Context(), body)
	if reply == nil {
		w.WriteHeader(nethttp.StatusNoContent)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(reply)
}

// wrap serves method with the request body as its named params.
func (s *Server) wrap(method executor.Method) nethttp.HandlerFunc {
	return func(w nethttp.ResponseWriter, r *nethttp.Request) {
		params := map[string]any{}
		body, err := io.ReadAll(nethttp.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err == nil && len(body) > 0 {
			err = json.Unmarshal(body, &params)
		}
		if err != nil {
			writeJSON(w, nethttp.StatusBadRequest, jsonrpc.Errorf(jsonrpc.InvalidParams, "%v", err))
			return
		}

		req, err := jsonrpc.NewRequest(string(method), params)
		if err != nil {
			writeJSON(w, nethttp.StatusBadRequest, jsonrpc.Errorf(jsonrpc.InvalidParams, "%v", err))
			return
		}
		data, err := jsonEncode(req)
		if err != nil {
			writeJSON(w, nethttp.StatusInternalServerError, jsonrpc.Errorf(jsonrpc.InternalError, "%v", err))
			return
		}
		resp, err := jsonrpc.ParseResponse(s.handler.HandleMessage(r.Context(), data))
		if err != nil {
			writeJSON(w, nethttp.StatusInternalServerError, jsonrpc.Errorf(jsonrpc.InternalError, "%v", err))
			return
		}
		if resp.Error != nil {
			status := nethttp.StatusInternalServerError
			if resp.Error.IsProtocol() || resp.Error.Code == jsonrpc.CapabilityError {
				status = nethttp.StatusBadRequest
			}
			writeJSON(w, status, resp.Error)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if len(resp.Result) == 0 {
			w.Write([]byte("null"))
			return
		}
		w.Write(resp.Result)
	}
}

// Serve serves handler on l until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, l net.Listener, handler nethttp.Handler, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	srv := &nethttp.Server{Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn(fmt.Sprintf("%s - Shutdown failed: %v", serverLogPrefix, err))
		}
	})
	defer stop()

	logger.Info(fmt.Sprintf("%s - Listening on %s", serverLogPrefix, l.Addr()))
	if err := srv.Serve(l); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
		return fmt.Errorf("%s - serve failed: %w", serverLogPrefix, err)
	}
	return nil
}

func writeJSON(w nethttp.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func jsonEncode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to encode message: %w", serverLogPrefix, err)
	}
	return data, nil
}
