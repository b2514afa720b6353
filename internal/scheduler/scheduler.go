// Package scheduler is the orchestration core. It admits jobs, drives
// their subtasks through dependency ordering, dynamic priority, the
// result cache, the request batcher, and retry with backoff, and emits
// ordered lifecycle events per job.
//
// All state for one job is owned by a single coordination goroutine;
// cross-job state is limited to the shared cache, the per-provider
// circuit breakers behind the batcher, and the metrics registry.
package scheduler

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/weftlabs/weft/internal/batch"
	"github.com/weftlabs/weft/internal/cache"
	"github.com/weftlabs/weft/internal/errors"
	"github.com/weftlabs/weft/internal/job"
	"github.com/weftlabs/weft/internal/logging"
	"github.com/weftlabs/weft/internal/progress"
	"github.com/weftlabs/weft/internal/reconcile"
	"github.com/weftlabs/weft/internal/telemetry"
)

// Config holds scheduling parameters.
type Config struct {
	// MaxAttempts bounds dispatch attempts per subtask.
	MaxAttempts int

	// BackoffBase is the first retry delay; each further attempt
	// doubles it, capped at BackoffMax, with jitter applied.
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// BoostRate is the priority added per second a ready subtask has
	// waited, so old low-priority work cannot starve.
	BoostRate float64

	// Reconcile enables the consistency pass over completed results
	// before a job is marked terminal.
	Reconcile bool

	// Retention is how long a terminal job stays queryable before it
	// is garbage-collected.
	Retention time.Duration
}

// DefaultConfig returns sensible defaults for scheduling configuration.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		BackoffBase: 100 * time.Millisecond,
		BackoffMax:  5 * time.Second,
		BoostRate:   1.0,
		Reconcile:   true,
		Retention:   5 * time.Minute,
	}
}

// Deps are the collaborators a Scheduler dispatches through. Cache,
// Batcher, and Broadcaster are required; Reconciler, Logger, and
// Metrics may be nil.
type Deps struct {
	Cache       *cache.Cache
	Batcher     *batch.Batcher
	Broadcaster *progress.Broadcaster
	Reconciler  reconcile.Reconciler
	Logger      *logging.Logger
	Metrics     *telemetry.Metrics
}

// Scheduler admits jobs and coordinates their execution. Safe for
// concurrent use.
type Scheduler struct {
	cfg   Config
	cache *cache.Cache
	batch *batch.Batcher
	bus   *progress.Broadcaster
	recon reconcile.Reconciler

	logger  *logging.Logger
	metrics *telemetry.Metrics

	mu     sync.Mutex
	jobs   map[string]*coordinator
	closed bool

	// readyDepth aggregates ready-queue sizes across jobs for the gauge.
	readyDepth atomic.Int64

	waiters conc.WaitGroup
}

// New creates a Scheduler with the given configuration and
// collaborators.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultConfig().BackoffBase
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		cfg.BackoffMax = DefaultConfig().BackoffMax
	}
	if cfg.BoostRate < 0 {
		cfg.BoostRate = 0
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultConfig().Retention
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Scheduler{
		cfg:     cfg,
		cache:   deps.Cache,
		batch:   deps.Batcher,
		bus:     deps.Broadcaster,
		recon:   deps.Reconciler,
		logger:  logger,
		metrics: deps.Metrics,
		jobs:    make(map[string]*coordinator),
	}
}

// Handle is the caller's reference to a submitted job.
type Handle struct {
	JobID string

	s    *Scheduler
	done chan struct{}
}

// Done is closed when the job reaches a terminal state.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the job is terminal or ctx is cancelled, then
// returns the final snapshot.
func (h *Handle) Wait(ctx context.Context) (job.Snapshot, error) {
	select {
	case <-h.done:
		return h.s.Status(h.JobID)
	case <-ctx.Done():
		return job.Snapshot{}, ctx.Err()
	}
}

// Subscribe attaches to the job's ordered event stream.
func (h *Handle) Subscribe() (*progress.Subscription, error) {
	return h.s.bus.Subscribe(h.JobID)
}

// Status returns the job's current snapshot.
func (h *Handle) Status() (job.Snapshot, error) {
	return h.s.Status(h.JobID)
}

// Submit validates and registers a job, marks its dependency-free
// subtasks ready, and starts dispatching. The job must not be mutated
// by the caller afterwards.
func (s *Scheduler) Submit(ctx context.Context, j *job.Job) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := job.Validate(j); err != nil {
		return nil, err
	}
	j.EnsureID()
	j.Status = job.StatusPending
	j.CreatedAt = time.Now()
	for _, st := range j.SubTasks {
		st.JobID = j.ID
		st.Status = job.SubTaskQueued
		job.FingerprintSubTask(st)
	}

	c := &coordinator{
		s:      s,
		j:      j,
		acts:   make(chan func()),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		byID:   make(map[string]*job.SubTask, len(j.SubTasks)),
		logger: s.logger.WithJob(j.ID),
	}
	for _, st := range j.SubTasks {
		c.byID[st.ID] = st
	}
	c.outstanding = len(j.SubTasks)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.ErrSchedulerClosed
	}
	if _, exists := s.jobs[j.ID]; exists {
		s.mu.Unlock()
		return nil, errors.NewSchedulerError("submit rejected", errors.ErrJobExists).WithJobID(j.ID)
	}
	s.jobs[j.ID] = c
	s.mu.Unlock()

	s.bus.Register(j.ID)
	for _, st := range j.SubTasks {
		s.bus.Publish(j.ID, progress.NewSubTaskEvent(progress.KindSubTaskQueued, j.ID, st.ID, job.SubTaskQueued))
	}

	c.logger.Info("job submitted",
		"subtasks", len(j.SubTasks),
		"fail_fast", j.FailFast,
	)

	go c.run()
	c.post(c.start)

	return &Handle{JobID: j.ID, s: s, done: c.done}, nil
}

// Cancel marks all non-terminal subtasks of the job cancelled, removes
// them from batches best-effort, and emits the terminal job event.
// Results of provider calls already in flight are discarded on arrival.
// Cancelling a terminal or already-cancelled job is a no-op.
func (s *Scheduler) Cancel(jobID string) error {
	c, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	c.post(c.cancel)
	return nil
}

// Status returns a point-in-time snapshot of the job.
func (s *Scheduler) Status(jobID string) (job.Snapshot, error) {
	c, err := s.lookup(jobID)
	if err != nil {
		return job.Snapshot{}, err
	}
	reply := make(chan job.Snapshot, 1)
	if !c.post(func() { reply <- job.SnapshotOf(c.j) }) {
		return job.Snapshot{}, errors.ErrJobNotFound
	}
	return <-reply, nil
}

// Subscribe attaches to a job's ordered event stream.
func (s *Scheduler) Subscribe(jobID string) (*progress.Subscription, error) {
	return s.bus.Subscribe(jobID)
}

// Close cancels every live job and waits for in-flight result waiters
// to drain. The batcher and broadcaster are owned by the caller and
// are closed separately, after the scheduler.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	live := make([]*coordinator, 0, len(s.jobs))
	for _, c := range s.jobs {
		live = append(live, c)
	}
	s.mu.Unlock()

	for _, c := range live {
		c.post(c.cancel)
	}
	s.waiters.Wait()
}

func (s *Scheduler) lookup(jobID string) (*coordinator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.jobs[jobID]
	if !ok {
		return nil, errors.NewSchedulerError("lookup failed", errors.ErrJobNotFound).WithJobID(jobID)
	}
	return c, nil
}

// remove drops a terminal job after its retention window. The
// broadcaster stream goes with it.
func (s *Scheduler) remove(c *coordinator) {
	s.mu.Lock()
	delete(s.jobs, c.j.ID)
	s.mu.Unlock()
	s.bus.Remove(c.j.ID)
	close(c.quit)
}

// ---- Per-job coordinator ----

// coordinator owns one job's state. Every mutation runs as a closure
// on the coordinator goroutine, which is the job's single
// serialization point.
type coordinator struct {
	s      *Scheduler
	j      *job.Job
	logger *logging.Logger

	acts chan func()
	quit chan struct{} // closed at garbage collection
	done chan struct{} // closed at terminal state

	byID        map[string]*job.SubTask
	ready       []*job.SubTask
	outstanding int
	started     bool
	finished    bool

	timers []*time.Timer
}

func (c *coordinator) run() {
	for {
		select {
		case fn := <-c.acts:
			fn()
		case <-c.quit:
			return
		}
	}
}

// post schedules fn on the coordinator goroutine. Returns false once
// the job has been garbage-collected. Must not be called from the
// coordinator goroutine itself.
func (c *coordinator) post(fn func()) bool {
	select {
	case c.acts <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// start marks dependency-free subtasks ready and begins dispatching.
func (c *coordinator) start() {
	now := time.Now()
	for _, st := range c.j.SubTasks {
		if len(st.DependsOn) == 0 {
			c.markReady(st, now)
		} else {
			st.Status = job.SubTaskWaitingDependency
		}
	}
	c.dispatch()
}

func (c *coordinator) markReady(st *job.SubTask, now time.Time) {
	st.Status = job.SubTaskReady
	st.EnqueuedAt = now
	c.ready = append(c.ready, st)
	c.s.readyDepth.Add(1)
	c.s.metrics.SetReadyDepth(int(c.s.readyDepth.Load()))
}

// effective is the dispatch priority: caller-declared base plus an
// age boost so waiting work cannot starve behind a stream of
// high-priority arrivals.
func (c *coordinator) effective(st *job.SubTask, now time.Time) float64 {
	return float64(st.Priority) + now.Sub(st.EnqueuedAt).Seconds()*c.s.cfg.BoostRate
}

// popReady removes and returns the highest-effective-priority ready
// subtask. Priorities age, so they are recomputed on every cycle
// rather than frozen into a heap at enqueue time.
func (c *coordinator) popReady(now time.Time) *job.SubTask {
	if len(c.ready) == 0 {
		return nil
	}
	best := 0
	bestPrio := c.effective(c.ready[0], now)
	for i := 1; i < len(c.ready); i++ {
		if p := c.effective(c.ready[i], now); p > bestPrio {
			best, bestPrio = i, p
		}
	}
	st := c.ready[best]
	c.ready = append(c.ready[:best], c.ready[best+1:]...)
	c.s.readyDepth.Add(-1)
	c.s.metrics.SetReadyDepth(int(c.s.readyDepth.Load()))
	return st
}

// dispatch drains the ready queue: cache hits complete immediately,
// misses enter the batcher.
func (c *coordinator) dispatch() {
	if c.finished {
		return
	}
	for {
		now := time.Now()
		st := c.popReady(now)
		if st == nil {
			return
		}
		if !c.started {
			c.started = true
			c.j.Status = job.StatusRunning
			c.s.bus.Publish(c.j.ID, progress.NewJobEvent(progress.KindJobStarted, c.j.ID))
		}

		if result, ok := c.s.cache.Get(st.Fingerprint); ok {
			c.s.metrics.CacheHit()
			c.logger.Debug("cache hit", "subtask_id", st.ID, "fingerprint", st.Fingerprint)
			c.complete(st, result)
			continue
		}
		c.s.metrics.CacheMiss()

		st.Status = job.SubTaskInBatch
		st.AttemptCount++
		c.s.metrics.Dispatched()

		ch := c.s.batch.Enqueue(st.Provider, st.Stage, st.ID, st.Payload)
		c.s.waiters.Go(func() {
			r := <-ch
			if r.Dispatched {
				c.post(func() { c.markDispatched(st) })
				r = <-ch
			}
			c.post(func() { c.onResult(st, r) })
		})
	}
}

// markDispatched moves a subtask from InBatch to Dispatched once its
// batch reaches the provider. From here the call can no longer be
// withdrawn; cancellation discards its result on arrival instead.
func (c *coordinator) markDispatched(st *job.SubTask) {
	if c.finished || st.Status != job.SubTaskInBatch {
		return
	}
	st.Status = job.SubTaskDispatched
	ev := progress.NewSubTaskEvent(progress.KindSubTaskDispatched, c.j.ID, st.ID, job.SubTaskDispatched)
	ev.Attempt = st.AttemptCount
	c.s.bus.Publish(c.j.ID, ev)
}

// onResult handles a batch member's outcome on the coordinator
// goroutine. Results arriving after the subtask left the in-flight
// states are discarded.
func (c *coordinator) onResult(st *job.SubTask, r batch.Result) {
	if c.finished || st.Status.IsTerminal() {
		c.logger.Debug("discarding late result", "subtask_id", st.ID)
		return
	}

	if r.Err == nil {
		c.s.cache.Set(st.Fingerprint, r.Output)
		c.complete(st, r.Output)
		c.dispatch()
		return
	}

	if errors.Is(r.Err, errors.ErrCancelled) {
		// Removed from its batch by a cancellation that is already
		// being processed; the cancel path owns the transition.
		return
	}

	st.LastError = r.Err.Error()

	if errors.IsRetryable(r.Err) && st.AttemptCount < c.s.cfg.MaxAttempts {
		c.backoff(st, r.Err)
		return
	}

	var failErr error
	if errors.IsRetryable(r.Err) {
		failErr = errors.NewSchedulerError(
			fmt.Sprintf("failed after %d attempts", st.AttemptCount),
			errors.Join(errors.ErrRetryExhausted, r.Err),
		).WithJobID(c.j.ID).WithSubTaskID(st.ID)
	} else {
		failErr = r.Err
	}
	c.fail(st, failErr)
}

// backoff schedules the next attempt with exponential delay and jitter.
func (c *coordinator) backoff(st *job.SubTask, cause error) {
	delay := backoffWithJitter(c.s.cfg.BackoffBase, c.s.cfg.BackoffMax, st.AttemptCount)
	next := time.Now().Add(delay)
	st.Status = job.SubTaskBackoff
	st.NextAttemptAt = &next

	c.s.metrics.Retried()
	c.logger.Debug("subtask entering backoff",
		"subtask_id", st.ID,
		"attempt", st.AttemptCount,
		"delay", delay.String(),
		"error", cause.Error(),
	)
	ev := progress.NewSubTaskEvent(progress.KindSubTaskRetrying, c.j.ID, st.ID, job.SubTaskBackoff)
	ev.Attempt = st.AttemptCount
	ev.Error = cause.Error()
	c.s.bus.Publish(c.j.ID, ev)

	t := time.AfterFunc(delay, func() {
		c.post(func() {
			if c.finished || st.Status != job.SubTaskBackoff {
				return
			}
			c.markReady(st, time.Now())
			c.dispatch()
		})
	})
	c.timers = append(c.timers, t)
}

// complete marks a subtask done, releases its dependents, and checks
// for job completion.
func (c *coordinator) complete(st *job.SubTask, result []byte) {
	now := time.Now()
	st.Status = job.SubTaskCompleted
	st.Result = result
	st.LastError = ""
	st.CompletedAt = &now
	c.outstanding--

	c.s.metrics.Completed()
	ev := progress.NewSubTaskEvent(progress.KindSubTaskCompleted, c.j.ID, st.ID, job.SubTaskCompleted)
	ev.Attempt = st.AttemptCount
	ev.Result = result
	c.s.bus.Publish(c.j.ID, ev)

	for _, dep := range c.j.SubTasks {
		if dep.Status != job.SubTaskWaitingDependency {
			continue
		}
		if c.dependenciesMet(dep) {
			c.markReady(dep, now)
		}
	}

	c.checkDone()
}

func (c *coordinator) dependenciesMet(st *job.SubTask) bool {
	for _, id := range st.DependsOn {
		if c.byID[id].Status != job.SubTaskCompleted {
			return false
		}
	}
	return true
}

// fail marks a subtask permanently failed, propagates the failure to
// its transitive dependents, and applies the job's failure policy.
func (c *coordinator) fail(st *job.SubTask, cause error) {
	c.failOne(st, cause)

	// Dependents of a failed subtask fail without dispatching, each
	// naming its unmet dependency. Walk until a pass fails nothing.
	for changed := true; changed; {
		changed = false
		for _, dep := range c.j.SubTasks {
			if dep.Status.IsTerminal() {
				continue
			}
			if failed := c.failedDependency(dep); failed != "" {
				depErr := errors.NewSchedulerError(
					fmt.Sprintf("dependency %s failed", failed),
					errors.ErrDependencyFailed,
				).WithJobID(c.j.ID).WithSubTaskID(dep.ID)
				c.failOne(dep, depErr)
				changed = true
			}
		}
	}

	if c.j.FailFast {
		c.cancelRemaining()
	}
	c.checkDone()
}

// failOne applies the terminal failure transition to a single subtask.
func (c *coordinator) failOne(st *job.SubTask, cause error) {
	now := time.Now()
	st.Status = job.SubTaskFailed
	st.LastError = cause.Error()
	st.CompletedAt = &now
	c.j.FailedSubTasks = append(c.j.FailedSubTasks, st.ID)
	c.outstanding--

	c.s.metrics.Failed()
	c.logger.Warn("subtask failed",
		"subtask_id", st.ID,
		"attempts", st.AttemptCount,
		"error", st.LastError,
	)
	ev := progress.NewSubTaskEvent(progress.KindSubTaskFailed, c.j.ID, st.ID, job.SubTaskFailed)
	ev.Attempt = st.AttemptCount
	ev.Error = st.LastError
	c.s.bus.Publish(c.j.ID, ev)
}

// failedDependency returns the ID of a failed subtask st depends on,
// or "" when none has failed.
func (c *coordinator) failedDependency(st *job.SubTask) string {
	for _, id := range st.DependsOn {
		if c.byID[id].Status == job.SubTaskFailed {
			return id
		}
	}
	return ""
}

// cancelRemaining cancels every non-terminal subtask. Used by the
// fail-fast policy and by explicit cancellation.
func (c *coordinator) cancelRemaining() {
	now := time.Now()
	for _, st := range c.j.SubTasks {
		if st.Status.IsTerminal() {
			continue
		}
		if st.Status == job.SubTaskInBatch {
			// Remove fails when the batch already flushed; the provider
			// call finishes on its own and the result is discarded.
			c.s.batch.Remove(st.Provider, st.Stage, st.ID)
		}
		st.Status = job.SubTaskCancelled
		st.CompletedAt = &now
		c.outstanding--
		c.s.bus.Publish(c.j.ID, progress.NewSubTaskEvent(progress.KindSubTaskCancelled, c.j.ID, st.ID, job.SubTaskCancelled))
	}
	c.drainReady()
}

// drainReady empties the ready queue without dispatching.
func (c *coordinator) drainReady() {
	if n := len(c.ready); n > 0 {
		c.ready = c.ready[:0]
		c.s.readyDepth.Add(int64(-n))
		c.s.metrics.SetReadyDepth(int(c.s.readyDepth.Load()))
	}
}

// cancel is the explicit cancellation path. Idempotent.
func (c *coordinator) cancel() {
	if c.finished {
		return
	}
	c.logger.Info("job cancelled")
	c.cancelRemaining()
	c.finish(job.StatusCancelled, progress.KindJobCancelled, "")
}

// checkDone finishes the job once no subtask remains outstanding. The
// consistency pass runs synchronously with respect to this job, before
// the terminal event.
func (c *coordinator) checkDone() {
	if c.finished || c.outstanding > 0 {
		return
	}

	status := job.StatusCompleted
	kind := progress.KindJobCompleted
	cause := ""
	if c.j.FailFast && len(c.j.FailedSubTasks) > 0 {
		status = job.StatusFailed
		kind = progress.KindJobFailed
		cause = fmt.Sprintf("subtask %s failed", c.j.FailedSubTasks[0])
	}

	if status == job.StatusCompleted && c.s.cfg.Reconcile && c.s.recon != nil {
		if err := c.reconcile(); err != nil {
			c.logger.Error("reconcile failed", "error", err.Error())
			status = job.StatusFailed
			kind = progress.KindJobFailed
			cause = fmt.Sprintf("consistency pass failed: %s", err)
		}
	}

	c.finish(status, kind, cause)
}

// reconcile runs the consistency pass over all declared subtasks in
// declaration order, with failed and cancelled ones as explicit gaps.
func (c *coordinator) reconcile() error {
	sections := make([]reconcile.SectionResult, 0, len(c.j.SubTasks))
	for _, st := range c.j.SubTasks {
		sections = append(sections, reconcile.SectionResult{
			SubTaskID: st.ID,
			Stage:     st.Stage,
			Status:    st.Status,
			Output:    st.Result,
			Error:     st.LastError,
		})
	}
	final, err := c.s.recon.Reconcile(context.Background(), c.j.ID, sections)
	if err != nil {
		return err
	}
	for i, sec := range final.Sections {
		if !sec.Gap() {
			c.j.SubTasks[i].Result = sec.Output
		}
	}
	return nil
}

// finish applies the terminal job transition and schedules garbage
// collection after the retention window. A non-empty cause is recorded
// on the job and carried by the terminal event, so a job-level failure
// is visible without inspecting logs.
func (c *coordinator) finish(status job.Status, kind progress.Kind, cause string) {
	c.finished = true
	now := time.Now()
	c.j.Status = status
	c.j.Error = cause
	c.j.CompletedAt = &now
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = nil

	c.logger.Info("job finished",
		"status", status.String(),
		"failed_subtasks", len(c.j.FailedSubTasks),
	)
	ev := progress.NewJobEvent(kind, c.j.ID)
	ev.Error = cause
	c.s.bus.Publish(c.j.ID, ev)
	close(c.done)

	time.AfterFunc(c.s.cfg.Retention, func() { c.s.remove(c) })
}

// backoffWithJitter computes the delay before the next attempt:
// exponential in the attempt number, capped at max, with the upper
// half randomized to spread retries of a shared failure.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || exp > float64(math.MaxInt64) {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
