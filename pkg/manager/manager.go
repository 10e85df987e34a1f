// Package manager is the executor a server exposes: it handles JSON itself,
// delegates to peers, and queues what no peer can take yet.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/delegator"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/queuer"
)

const logPrefix = "manager:manager"

// Params configures a Manager.
type Params struct {
	ID        string
	Delegator *delegator.Delegator
	Queuer    *queuer.Queuer
	Logger    *slog.Logger
}

// Manager routes each call to the Delegator first and to the Queuer when
// the Delegator has no capable peer.
type Manager struct {
	*executor.Base

	delegator *delegator.Delegator
	queuer    *queuer.Queuer
	logger    *slog.Logger
}

// New creates a Manager.
func New(p Params) *Manager {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{delegator: p.Delegator, queuer: p.Queuer, logger: logger}
	m.Base = executor.NewBase(router{m}, logger)
	m.Base.SetID(p.ID)
	return m
}

type router struct {
	m *Manager
}

func (r router) Call(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
	return r.m.route(ctx, method, params)
}

func (m *Manager) route(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
	result, err := m.delegator.Call(ctx, method, params)
	if !executor.IsCapabilityError(err) || m.queuer == nil {
		return result, err
	}
	m.logger.Debug(fmt.Sprintf("%s - No peer capable of %s, queueing", logPrefix, method))
	return m.queuer.Call(ctx, method, params)
}

// Delegator returns the delegator.
func (m *Manager) Delegator() *delegator.Delegator {
	return m.delegator
}

// Queuer returns the queuer, which may be nil.
func (m *Manager) Queuer() *queuer.Queuer {
	return m.queuer
}

// Call dispatches to the Manager's operations. A job id in params carries
// through to the delegator and the queue.
func (m *Manager) Call(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
	if job, ok := params["job"].(string); ok && job != "" {
		ctx = executor.WithJob(ctx, job)
	}
	return executor.Dispatch(ctx, m, method, params)
}

// Capabilities combines local JSON handling with everything the peers can do.
func (m *Manager) Capabilities(ctx context.Context) (capability.Capabilities, error) {
	caps, err := m.delegator.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	return executor.BaseCapabilities().Merge(caps), nil
}

// Manifest describes the manager with the combined capabilities and the
// delegator's client types and peers.
func (m *Manager) Manifest(ctx context.Context) (*executor.Manifest, error) {
	base, err := m.Base.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	delegated, err := m.delegator.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	base.Capabilities = executor.BaseCapabilities().Merge(delegated.Capabilities)
	base.Clients = delegated.Clients
	base.Peers = delegated.Peers
	return base, nil
}

// Cancel removes queued jobs and forwards cancellation to the peers running
// them. It covers job and every part of it, such as the nodes of an execute
// walk, and reports whether any was cancelled.
func (m *Manager) Cancel(ctx context.Context, job string) (bool, error) {
	cancelled := false
	if m.queuer != nil {
		for _, id := range m.queuer.Queued() {
			if !executor.IsJobOf(id, job) {
				continue
			}
			if ok, _ := m.queuer.Cancel(ctx, id); ok {
				cancelled = true
			}
		}
	}
	for _, id := range m.delegator.Running() {
		if !executor.IsJobOf(id, job) {
			continue
		}
		if ok, _ := m.delegator.Cancel(ctx, id); ok {
			cancelled = true
		}
	}
	return cancelled, nil
}

// Start starts the queue timers and drains the queue through the delegator.
func (m *Manager) Start(ctx context.Context) error {
	if m.queuer == nil {
		return nil
	}
	if err := m.queuer.Start(ctx); err != nil {
		return fmt.Errorf("%s - failed to start queuer: %w", logPrefix, err)
	}
	m.queuer.Check(context.WithoutCancel(ctx), m.delegator)
	return nil
}

// Stop rejects queued jobs and then stops every peer.
func (m *Manager) Stop(ctx context.Context) error {
	var errs []error
	if m.queuer != nil {
		errs = append(errs, m.queuer.Stop(ctx))
	}
	errs = append(errs, m.delegator.Stop(ctx))
	return errors.Join(errs...)
}
