// Package queuer holds calls that no executor can serve yet and retries
// them against an executor on an interval.
package queuer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/morezero/capabilities-executor/pkg/capability"
	"github.com/morezero/capabilities-executor/pkg/executor"
	"github.com/morezero/capabilities-executor/pkg/uid"
)

const logPrefix = "queuer:queuer"

// FullMessage is the CapabilityError message returned when the queue is full.
const FullMessage = "Queue is at maximum length"

var (
	ErrStale     = errors.New("Job has become stale")
	ErrStopping  = errors.New("Executor is stopping")
	ErrCancelled = errors.New("Job was cancelled")
)

// Config bounds the queue.
type Config struct {
	// Length is the maximum number of queued jobs.
	Length int
	// Interval is the period of both the drain and the clean timers.
	Interval time.Duration
	// Stale is the age after which a queued job is rejected.
	Stale time.Duration
}

// DefaultConfig returns the default queue bounds.
func DefaultConfig() Config {
	return Config{Length: 1000, Interval: time.Second, Stale: time.Hour}
}

// Params configures a Queuer. Zero config fields take their defaults.
type Params struct {
	Config Config
	Logger *slog.Logger
	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

type outcome struct {
	result any
	err    error
}

type job struct {
	id     string
	method executor.Method
	params executor.Params
	ctx    context.Context
	added  time.Time
	done   chan outcome
}

// Queuer is an executor that admits calls into a bounded FIFO queue and
// resolves them when a drain pass finds an executor able to serve them.
type Queuer struct {
	executor.Proxy

	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	queue    []*job
	stopping bool

	stop      chan struct{}
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New creates an idle Queuer.
func New(p Params) *Queuer {
	cfg := p.Config
	def := DefaultConfig()
	if cfg.Length <= 0 {
		cfg.Length = def.Length
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.Stale <= 0 {
		cfg.Stale = def.Stale
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := p.Now
	if now == nil {
		now = time.Now
	}
	q := &Queuer{cfg: cfg, logger: logger, now: now, stop: make(chan struct{})}
	q.Proxy = executor.Proxy{Caller: q, Logger: logger}
	return q
}

// Len returns the number of queued jobs.
func (q *Queuer) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queue)
}

// Queued returns the ids of queued jobs in queue order.
func (q *Queuer) Queued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ids := make([]string, len(q.queue))
	for i, j := range q.queue {
		ids[i] = j.id
	}
	return ids
}

// Call queues the call and waits until a drain pass, Cancel, Clean or Stop
// settles it, or ctx ends. A full queue is a CapabilityError.
func (q *Queuer) Call(ctx context.Context, method executor.Method, params executor.Params) (any, error) {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return nil, ErrStopping
	}
	if len(q.queue) >= q.cfg.Length {
		q.mu.Unlock()
		return nil, executor.Incapable(FullMessage)
	}
	j := &job{
		id:     executor.JobID(ctx, params, uid.Job),
		method: method,
		params: params,
		ctx:    ctx,
		added:  q.now(),
		done:   make(chan outcome, 1),
	}
	q.queue = append(q.queue, j)
	position := len(q.queue)
	q.mu.Unlock()

	q.logger.Debug(fmt.Sprintf("%s - Queued %s job %s at position %d", logPrefix, method, j.id, position))
	q.notifyPosition(ctx, j.id, position)

	select {
	case o := <-j.done:
		return o.result, o.err
	case <-ctx.Done():
		if q.remove(j) {
			return nil, ctx.Err()
		}
		o := <-j.done
		return o.result, o.err
	}
}

func (q *Queuer) notifyPosition(ctx context.Context, id string, position int) {
	n, ok := executor.NotifierFromContext(ctx)
	if !ok {
		return
	}
	message := fmt.Sprintf("Job %s queued at position %d", id, position)
	if err := n.Notify(ctx, "info", message, nil); err != nil {
		q.logger.Warn(fmt.Sprintf("%s - Failed to notify position of job %s: %v", logPrefix, id, err))
	}
}

func (q *Queuer) indexLocked(j *job) int {
	for i, queued := range q.queue {
		if queued == j {
			return i
		}
	}
	return -1
}

// remove takes j out of the queue, reporting whether it was still queued.
func (q *Queuer) remove(j *job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(j)
	if i < 0 {
		return false
	}
	q.queue = append(q.queue[:i:i], q.queue[i+1:]...)
	return true
}

// settle removes j and delivers o to its caller. A job settles at most once.
func (q *Queuer) settle(j *job, o outcome) bool {
	if !q.remove(j) {
		return false
	}
	j.done <- o
	return true
}

func (q *Queuer) snapshot() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*job(nil), q.queue...)
}

// Cancel rejects the queued job with id, reporting whether it was queued.
func (q *Queuer) Cancel(_ context.Context, id string) (bool, error) {
	for _, j := range q.snapshot() {
		if j.id == id {
			return q.settle(j, outcome{err: ErrCancelled}), nil
		}
	}
	return false, nil
}

// Reduce offers each job in a snapshot of the queue to e. A result resolves
// the job and a CapabilityError leaves it queued; any other error rejects
// it. Jobs added during the pass wait for the next one. It returns the number
// of jobs resolved.
func (q *Queuer) Reduce(e executor.Caller) int {
	resolved := 0
	for _, j := range q.snapshot() {
		q.mu.Lock()
		queued := q.indexLocked(j) >= 0
		q.mu.Unlock()
		if !queued {
			continue
		}

		result, err := e.Call(executor.WithJob(j.ctx, j.id), j.method, j.params)
		switch {
		case executor.IsCapabilityError(err):
			continue
		case err != nil:
			q.logger.Error(fmt.Sprintf("%s - Job %s failed: %v", logPrefix, j.id, err))
			q.settle(j, outcome{err: err})
		default:
			if q.settle(j, outcome{result: result}) {
				resolved++
			}
		}
	}
	if resolved > 0 {
		q.logger.Debug(fmt.Sprintf("%s - Resolved %d queued jobs", logPrefix, resolved))
	}
	return resolved
}

// Check runs Reduce against e now and then every Interval until Stop or ctx ends.
func (q *Queuer) Check(ctx context.Context, e executor.Caller) {
	q.Reduce(e)
	q.every(ctx, func() { q.Reduce(e) })
}

// Clean rejects every job older than Stale with ErrStale and returns how many it removed.
func (q *Queuer) Clean() int {
	now := q.now()
	removed := 0
	for _, j := range q.snapshot() {
		if now.Sub(j.added) <= q.cfg.Stale {
			continue
		}
		if q.settle(j, outcome{err: ErrStale}) {
			q.logger.Warn(fmt.Sprintf("%s - Job %s has become stale", logPrefix, j.id))
			removed++
		}
	}
	return removed
}

// Start begins cleaning stale jobs every Interval.
func (q *Queuer) Start(ctx context.Context) error {
	q.startOnce.Do(func() {
		q.every(context.WithoutCancel(ctx), func() { q.Clean() })
	})
	return nil
}

func (q *Queuer) every(ctx context.Context, fn func()) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopping {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-q.stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
}

// Stop ends both timers and rejects every queued job with ErrStopping.
// Later calls are rejected the same way.
func (q *Queuer) Stop(context.Context) error {
	q.mu.Lock()
	if !q.stopping {
		q.stopping = true
		close(q.stop)
	}
	q.mu.Unlock()
	q.wg.Wait()

	q.mu.Lock()
	jobs := q.queue
	q.queue = nil
	q.mu.Unlock()

	for _, j := range jobs {
		j.done <- outcome{err: ErrStopping}
	}
	if len(jobs) > 0 {
		q.logger.Info(fmt.Sprintf("%s - Rejected %d queued jobs on stop", logPrefix, len(jobs)))
	}
	return nil
}

// Capabilities is empty: a queue should never be chosen as a peer.
func (q *Queuer) Capabilities(context.Context) (capability.Capabilities, error) {
	return capability.Capabilities{}, nil
}

// Manifest describes the queue without advertising any capability.
func (q *Queuer) Manifest(ctx context.Context) (*executor.Manifest, error) {
	caps, _ := q.Capabilities(ctx)
	return &executor.Manifest{Version: executor.ManifestVersion, Capabilities: caps}, nil
}
