// Package worker is the local executor: it decodes and encodes JSON,
// answers JSON pointer queries, and passes compile and build through.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/node"
)

const logPrefix = "worker:worker"

// Capabilities is what a Worker advertises and enforces.
func Capabilities() capability.Capabilities {
	return executor.BaseCapabilities().Merge(capability.Capabilities{
		string(executor.MethodCapabilities): capability.Bool(true),
		string(executor.MethodCompile):      capability.Schema(`{"required":["node"]}`),
		string(executor.MethodBuild):        capability.Schema(`{"required":["node"]}`),
		string(executor.MethodQuery): capability.Schema(`{
			"required": ["node", "query"],
			"properties": {
				"query": {"type": "string"},
				"lang": {"const": "jsonpointer"}
			}
		}`),
	})
}

// Params configures a Worker.
type Params struct {
	ID     string
	Logger *slog.Logger
}

// Worker serves only what Capabilities declares. Anything else is a
// CapabilityError, which a Queuer treats as "not yet".
type Worker struct {
	*executor.Base

	caps   capability.Capabilities
	logger *slog.Logger

	mu       sync.Mutex
	matchers map[string]capability.Matcher
}

// New creates a Worker.
func New(p Params) *Worker {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base := executor.NewBase(nil, logger)
	base.SetID(p.ID)
	return &Worker{
		Base:     base,
		caps:     Capabilities(),
		logger:   logger,
		matchers: make(map[string]capability.Matcher),
	}
}

// Capabilities returns the worker's capabilities.
func (w *Worker) Capabilities(context.Context) (capability.Capabilities, error) {
	return w.caps, nil
}

// Manifest describes the worker.
func (w *Worker) Manifest(ctx context.Context) (*executor.Manifest, error) {
	m, err := w.Base.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	m.Capabilities = w.caps
	return m, nil
}

// Capable reports whether the worker accepts method with params.
func (w *Worker) Capable(method executor.Method, params executor.Params) bool {
	w.mu.Lock()
	m, ok := w.matchers[string(method)]
	if !ok {
		var err error
		m, err = capability.Compile(string(method), w.caps.Get(string(method)))
		if err != nil {
			w.logger.Error(fmt.Sprintf("%s - Invalid capability for %s: %v", logPrefix, method, err))
			m, _ = capability.Compile(string(method), capability.Bool(false))
		}
		w.matchers[string(method)] = m
	}
	w.mu.Unlock()
	return m.Match(params)
}

// Call dispatches method if the worker is capable of it with params.
func (w *Worker) Call(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
	if !w.Capable(method, params) {
		return nil, executor.NewCapabilityError(method, params)
	}
	return executor.Dispatch(ctx, w, method, params)
}

// Query resolves a JSON pointer against n.
func (w *Worker) Query(_ context.Context, n node.Node, query, lang string) (node.Node, error) {
	if lang != "" && lang != LangJSONPointer {
		return nil, executor.Incapable("Unsupported query language %q", lang)
	}
	return Resolve(n, query)
}
