// Package delegator routes calls to the first capable peer.
package delegator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/events"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/peer"
	"github.com/morezero/capabilities-executor/pkg/semver"
	"github.com/morezero/capabilities-executor/pkg/uid"
)

const logPrefix = "delegator:delegator"

// Params configures a Delegator.
type Params struct {
	ID string
	// ClientTypes are passed to every peer, in preference order.
	ClientTypes []peer.ClientType
	// VersionConstraint, when set, rejects peer manifests whose version does not satisfy it.
	VersionConstraint string
	Recorder          executor.JobRecorder
	Publisher         events.EventPublisher
	Logger            *slog.Logger
}

// Delegator is an executor whose only capability is delegation to its peers.
// Peers are asked in registration order and the first capable one that
// connects gets the call.
type Delegator struct {
	executor.Proxy

	id          string
	clientTypes []peer.ClientType
	constraint  string
	recorder    executor.JobRecorder
	publisher   events.EventPublisher
	logger      *slog.Logger

	mu    sync.Mutex
	order []string
	peers map[string]*peer.Peer
	jobs  map[string]*peer.Peer
}

// New creates a Delegator with no peers.
func New(p Params) *Delegator {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	publisher := p.Publisher
	if publisher == nil {
		publisher = &events.NoOpPublisher{}
	}
	d := &Delegator{
		id:          p.ID,
		clientTypes: p.ClientTypes,
		constraint:  p.VersionConstraint,
		recorder:    p.Recorder,
		publisher:   publisher,
		logger:      logger,
		peers:       make(map[string]*peer.Peer),
		jobs:        make(map[string]*peer.Peer),
	}
	d.Proxy = executor.Proxy{Caller: d, Logger: logger}
	return d
}

func (d *Delegator) checkVersion(id string, m *executor.Manifest) error {
	ok, err := semver.Compatible(m.Version, d.constraint)
	if err != nil {
		return fmt.Errorf("%s - failed to check version of peer %s: %w", logPrefix, id, err)
	}
	if !ok {
		return fmt.Errorf("%s - peer %s has manifest version %s, want %s", logPrefix, id, m.Version, d.constraint)
	}
	return nil
}

// Add registers a peer described by m and returns its id. The id is taken
// from the manifest or generated. Adding an id that is already registered
// updates that peer.
func (d *Delegator) Add(ctx context.Context, m *executor.Manifest) (string, error) {
	id := m.ID
	if id == "" {
		id = uid.Peer()
	}
	if err := d.checkVersion(id, m); err != nil {
		return "", err
	}

	d.mu.Lock()
	if _, exists := d.peers[id]; exists {
		d.mu.Unlock()
		return id, d.Update(ctx, id, m)
	}
	d.insertLocked(id, m)
	d.mu.Unlock()

	d.logger.Debug(fmt.Sprintf("%s - Added peer %s", logPrefix, id))
	d.publish(ctx, events.ActionAdded, id, m)
	return id, nil
}

// AddExecutor registers an in-process executor as a peer.
func (d *Delegator) AddExecutor(ctx context.Context, e executor.Executor) (string, error) {
	m, err := e.Manifest(ctx)
	if err != nil {
		return "", fmt.Errorf("%s - failed to get manifest: %w", logPrefix, err)
	}
	local := *m
	local.Executor = e
	return d.Add(ctx, &local)
}

func (d *Delegator) insertLocked(id string, m *executor.Manifest) {
	d.peers[id] = peer.New(peer.Params{
		ID:          id,
		Manifest:    m,
		ClientTypes: d.clientTypes,
		Logger:      d.logger,
	})
	d.order = append(d.order, id)
}

// Update replaces the manifest of peer id. An unknown id is inserted, since
// updates racing discovery are expected. A peer whose addresses changed is
// disconnected so the next call reconnects.
func (d *Delegator) Update(ctx context.Context, id string, m *executor.Manifest) error {
	if err := d.checkVersion(id, m); err != nil {
		return err
	}

	d.mu.Lock()
	p, exists := d.peers[id]
	if !exists {
		d.logger.Warn(fmt.Sprintf("%s - Update of unknown peer %s, adding it", logPrefix, id))
		d.insertLocked(id, m)
		d.mu.Unlock()
		d.publish(ctx, events.ActionAdded, id, m)
		return nil
	}
	d.mu.Unlock()

	if old := p.Manifest(); old != nil {
		if m.Executor == nil {
			m.Executor = old.Executor
		}
		if !reflect.DeepEqual(old.Addresses, m.Addresses) {
			p.Stop(ctx)
		}
	}
	p.SetManifest(m)

	d.logger.Debug(fmt.Sprintf("%s - Updated peer %s", logPrefix, id))
	d.publish(ctx, events.ActionUpdated, id, m)
	return nil
}

// Remove stops and unregisters peer id, reporting whether it existed.
func (d *Delegator) Remove(ctx context.Context, id string) bool {
	d.mu.Lock()
	p, exists := d.peers[id]
	if exists {
		delete(d.peers, id)
		for i, o := range d.order {
			if o == id {
				d.order = append(d.order[:i:i], d.order[i+1:]...)
				break
			}
		}
	}
	d.mu.Unlock()
	if !exists {
		return false
	}

	p.Stop(ctx)
	d.logger.Debug(fmt.Sprintf("%s - Removed peer %s", logPrefix, id))
	d.publish(ctx, events.ActionRemoved, id, nil)
	return true
}

// Discover updates or inserts every manifest keyed by id, in id order, and
// returns how many were accepted.
func (d *Delegator) Discover(ctx context.Context, manifests map[string]*executor.Manifest) int {
	ids := make([]string, 0, len(manifests))
	for id := range manifests {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	accepted := 0
	for _, id := range ids {
		if err := d.Update(ctx, id, manifests[id]); err != nil {
			d.logger.Warn(fmt.Sprintf("%s - Skipping discovered peer %s: %v", logPrefix, id, err))
			continue
		}
		accepted++
	}
	return accepted
}

// Peers returns the peers in registration order.
func (d *Delegator) Peers() []*peer.Peer {
	d.mu.Lock()
	defer d.mu.Unlock()
	peers := make([]*peer.Peer, 0, len(d.order))
	for _, id := range d.order {
		peers = append(peers, d.peers[id])
	}
	return peers
}

// Call routes to the first peer that is capable of method with params and
// connects. Peers after it are not asked to connect. When no peer
// qualifies the result is a CapabilityError.
func (d *Delegator) Call(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
	for _, p := range d.Peers() {
		if !p.Capable(method, params) {
			continue
		}
		if !p.Connect(ctx, false) {
			d.logger.Debug(fmt.Sprintf("%s - Peer %s is capable of %s but could not connect", logPrefix, p.ID(), method))
			continue
		}
		return d.run(ctx, p, method, params)
	}
	return nil, executor.NewCapabilityError(method, params)
}

func (d *Delegator) run(ctx context.Context, p *peer.Peer, method executor.Method, params executor.Params) (any, error) {
	job := executor.JobID(ctx, params, uid.Job)
	d.track(job, p)
	defer d.untrack(job, p)

	d.logger.Debug(fmt.Sprintf("%s - Delegating %s job %s to peer %s", logPrefix, method, job, p.ID()))
	started := time.Now()
	result, err := p.Call(executor.WithJob(ctx, job), method, params)
	d.record(ctx, executor.JobRecord{
		ID:       job,
		Method:   method,
		Peer:     p.ID(),
		Status:   status(ctx, err),
		Error:    errorString(err),
		Started:  started,
		Finished: time.Now(),
	})
	return result, err
}

func (d *Delegator) track(job string, p *peer.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.jobs[job] = p
}

func (d *Delegator) untrack(job string, p *peer.Peer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.jobs[job] == p {
		delete(d.jobs, job)
	}
}

// Running returns the ids of jobs in flight, sorted.
func (d *Delegator) Running() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, 0, len(d.jobs))
	for id := range d.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Jobs returns the number of jobs in flight.
func (d *Delegator) Jobs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.jobs)
}

func (d *Delegator) record(ctx context.Context, r executor.JobRecord) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordJob(context.WithoutCancel(ctx), r); err != nil {
		d.logger.Warn(fmt.Sprintf("%s - Failed to record job %s: %v", logPrefix, r.ID, err))
	}
}

func status(ctx context.Context, err error) executor.JobStatus {
	switch {
	case err == nil:
		return executor.JobSucceeded
	case executor.IsCapabilityError(err):
		return executor.JobIncapable
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return executor.JobCancelled
	default:
		return executor.JobFailed
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Cancel forwards cancellation of job to the peer running it, if that peer
// is capable of cancel. It never returns an error.
func (d *Delegator) Cancel(ctx context.Context, job string) (bool, error) {
	d.mu.Lock()
	p, ok := d.jobs[job]
	d.mu.Unlock()
	if !ok {
		return false, nil
	}

	params := executor.Params{"job": job}
	if !p.Capable(executor.MethodCancel, params) || !p.Connect(ctx, false) {
		return false, nil
	}
	result, err := p.Call(ctx, executor.MethodCancel, params)
	if err != nil {
		d.logger.Warn(fmt.Sprintf("%s - Failed to cancel job %s on peer %s: %v", logPrefix, job, p.ID(), err))
		return false, nil
	}
	cancelled, _ := result.(bool)
	return cancelled, nil
}

// Capabilities is the union of the capabilities of all peers.
func (d *Delegator) Capabilities(context.Context) (capability.Capabilities, error) {
	caps := capability.Capabilities{}
	for _, p := range d.Peers() {
		if m := p.Manifest(); m != nil {
			caps = caps.Merge(m.Capabilities)
		}
	}
	return caps, nil
}

// Manifest describes the delegator, its client types, and a snapshot of
// each peer's manifest (nil when not yet known).
func (d *Delegator) Manifest(ctx context.Context) (*executor.Manifest, error) {
	caps, err := d.Capabilities(ctx)
	if err != nil {
		return nil, err
	}
	m := &executor.Manifest{
		Version:      executor.ManifestVersion,
		ID:           d.id,
		Capabilities: caps,
		Peers:        make(map[string]*executor.Manifest),
	}
	for _, ct := range d.clientTypes {
		m.Clients = append(m.Clients, ct.Name)
	}
	for _, p := range d.Peers() {
		m.Peers[p.ID()] = p.Manifest()
	}
	return m, nil
}

// Stop stops every peer concurrently. Jobs in flight are not cancelled.
func (d *Delegator) Stop(ctx context.Context) error {
	var g errgroup.Group
	for _, p := range d.Peers() {
		p := p
		g.Go(func() error {
			p.Stop(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (d *Delegator) publish(ctx context.Context, action events.Action, id string, m *executor.Manifest) {
	if err := d.publisher.PublishChanged(ctx, events.NewPeerChangedEvent(action, id, m)); err != nil {
		d.logger.Warn(fmt.Sprintf("%s - Failed to publish %s of peer %s: %v", logPrefix, action, id, err))
	}
}
