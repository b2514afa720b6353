package progress

import (
	"sync"
	"time"

	"github.com/weftlabs/weft/internal/errors"
	"github.com/weftlabs/weft/internal/job"
	"github.com/weftlabs/weft/internal/logging"
)

// Broadcaster fans out per-job progress events to subscribers.
// It is safe for concurrent use. Each job's events pass through one
// serialization point (the stream mutex), which establishes the total
// order every subscriber observes.
type Broadcaster struct {
	mu      sync.Mutex
	streams map[string]*stream
	logger  *logging.Logger
}

// stream holds the state of one job's event log.
type stream struct {
	mu       sync.Mutex
	jobID    string
	seq      uint64
	subs     map[uint64]*Subscription
	nextSub  uint64
	terminal *Event

	// Aggregate of everything published so far, maintained even with no
	// subscribers so late joiners are never stale.
	jobStatus job.Status
	jobError  string
	order     []string
	subtasks  map[string]job.SubTaskSnapshot
}

// Subscription is one subscriber's attachment to a job stream.
// Events arrive on Events() in publish order. The channel is closed after
// the terminal event is delivered or the subscription is closed.
type Subscription struct {
	str *stream
	id  uint64
	out chan Event

	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool // no more events will be enqueued; drain then close out

	abort     chan struct{} // subscriber is gone; stop without draining
	abortOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. A nil logger disables logging.
func NewBroadcaster(logger *logging.Logger) *Broadcaster {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Broadcaster{
		streams: make(map[string]*stream),
		logger:  logger,
	}
}

// Register creates the event stream for a job. It must be called before
// the first Publish for that job; registering an existing job is a no-op.
func (b *Broadcaster) Register(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[jobID]; ok {
		return
	}
	b.streams[jobID] = &stream{
		jobID:     jobID,
		subs:      make(map[uint64]*Subscription),
		jobStatus: job.StatusPending,
		subtasks:  make(map[string]job.SubTaskSnapshot),
	}
}

// Publish appends an event to the job's stream and delivers it to every
// current subscriber. Events published after the terminal event are
// dropped; exactly one terminal event ends each stream.
func (b *Broadcaster) Publish(jobID string, ev Event) {
	b.mu.Lock()
	str, ok := b.streams[jobID]
	b.mu.Unlock()
	if !ok {
		b.logger.Warn("publish for unregistered job", "job_id", jobID, "kind", string(ev.Kind))
		return
	}

	str.mu.Lock()
	defer str.mu.Unlock()

	if str.terminal != nil {
		b.logger.Warn("publish after terminal event dropped", "job_id", jobID, "kind", string(ev.Kind))
		return
	}

	str.seq++
	ev.Seq = str.seq
	ev.JobID = jobID
	str.apply(ev)
	if ev.Kind.IsTerminal() {
		cp := ev
		str.terminal = &cp
	}

	for _, sub := range str.subs {
		sub.enqueue(ev, ev.Kind.IsTerminal())
	}
}

// Subscribe attaches to a job's event stream. The subscriber first
// receives a synthetic snapshot event aggregating everything published
// before it joined, then live events with no gap. Subscribing to a job
// whose stream already terminated yields the snapshot, the terminal
// event, and a closed channel.
func (b *Broadcaster) Subscribe(jobID string) (*Subscription, error) {
	b.mu.Lock()
	str, ok := b.streams[jobID]
	b.mu.Unlock()
	if !ok {
		return nil, errors.ErrJobNotFound
	}

	str.mu.Lock()
	defer str.mu.Unlock()

	str.nextSub++
	sub := &Subscription{
		str:   str,
		id:    str.nextSub,
		out:   make(chan Event),
		wake:  make(chan struct{}, 1),
		abort: make(chan struct{}),
	}
	go sub.pump()

	snap := str.snapshotLocked()
	sub.enqueue(Event{
		Kind:     KindSnapshot,
		JobID:    jobID,
		Seq:      str.seq,
		Snapshot: &snap,
		At:       time.Now(),
	}, false)

	if str.terminal != nil {
		sub.enqueue(*str.terminal, true)
	} else {
		str.subs[sub.id] = sub
	}
	return sub, nil
}

// Snapshot returns the broadcaster's aggregate view of a job's stream.
func (b *Broadcaster) Snapshot(jobID string) (job.Snapshot, error) {
	b.mu.Lock()
	str, ok := b.streams[jobID]
	b.mu.Unlock()
	if !ok {
		return job.Snapshot{}, errors.ErrJobNotFound
	}

	str.mu.Lock()
	defer str.mu.Unlock()
	return str.snapshotLocked(), nil
}

// Remove drops a job's stream, closing any remaining subscriptions.
// Called by the scheduler once the job's retention window elapses.
func (b *Broadcaster) Remove(jobID string) {
	b.mu.Lock()
	str, ok := b.streams[jobID]
	delete(b.streams, jobID)
	b.mu.Unlock()
	if !ok {
		return
	}

	str.mu.Lock()
	subs := make([]*Subscription, 0, len(str.subs))
	for _, sub := range str.subs {
		subs = append(subs, sub)
	}
	str.subs = make(map[uint64]*Subscription)
	str.mu.Unlock()

	for _, sub := range subs {
		sub.finish()
	}
}

// apply folds an event into the stream's aggregate state.
// Must be called with str.mu held. The switch is exhaustive over Kind.
func (s *stream) apply(ev Event) {
	switch ev.Kind {
	case KindJobStarted:
		s.jobStatus = job.StatusRunning
	case KindJobCompleted:
		s.jobStatus = job.StatusCompleted
	case KindJobFailed:
		s.jobStatus = job.StatusFailed
		if ev.Error != "" {
			s.jobError = ev.Error
		}
	case KindJobCancelled:
		s.jobStatus = job.StatusCancelled
	case KindSubTaskQueued, KindSubTaskDispatched, KindSubTaskRetrying,
		KindSubTaskCompleted, KindSubTaskFailed, KindSubTaskCancelled:
		st, ok := s.subtasks[ev.SubTaskID]
		if !ok {
			st = job.SubTaskSnapshot{ID: ev.SubTaskID}
			s.order = append(s.order, ev.SubTaskID)
		}
		st.Status = ev.Status
		if ev.Attempt > st.AttemptCount {
			st.AttemptCount = ev.Attempt
		}
		if ev.Error != "" {
			st.LastError = ev.Error
		}
		if ev.Result != nil {
			st.Result = ev.Result
		}
		s.subtasks[ev.SubTaskID] = st
	case KindSnapshot:
		// Synthetic, never published.
	}
}

// snapshotLocked builds the aggregate snapshot. Must hold s.mu.
func (s *stream) snapshotLocked() job.Snapshot {
	snap := job.Snapshot{
		JobID:    s.jobID,
		Status:   s.jobStatus,
		Error:    s.jobError,
		SubTasks: make([]job.SubTaskSnapshot, 0, len(s.order)),
		TakenAt:  time.Now(),
	}
	for _, id := range s.order {
		st := s.subtasks[id]
		snap.Counts.Total++
		switch st.Status {
		case job.SubTaskQueued:
			snap.Counts.Queued++
		case job.SubTaskWaitingDependency:
			snap.Counts.Waiting++
		case job.SubTaskReady:
			snap.Counts.Ready++
		case job.SubTaskInBatch, job.SubTaskDispatched:
			snap.Counts.InFlight++
		case job.SubTaskBackoff:
			snap.Counts.Backoff++
		case job.SubTaskCompleted:
			snap.Counts.Completed++
		case job.SubTaskFailed:
			snap.Counts.Failed++
		case job.SubTaskCancelled:
			snap.Counts.Cancelled++
		}
		snap.SubTasks = append(snap.SubTasks, st)
	}
	return snap
}

// Events returns the subscriber's ordered event channel.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close detaches the subscription from its stream and closes the event
// channel once queued events are drained. Safe to call more than once.
func (s *Subscription) Close() {
	s.str.mu.Lock()
	delete(s.str.subs, s.id)
	s.str.mu.Unlock()
	s.finish()
}

// enqueue appends an event to the subscription's unbounded buffer.
// Slow consumers delay only themselves; publish order is preserved
// because enqueue is always called under the stream mutex.
func (s *Subscription) enqueue(ev Event, last bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	if last {
		s.closed = true
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// finish aborts the pump. Undelivered events are dropped; the out
// channel is closed by the pump.
func (s *Subscription) finish() {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.abort)
	})
}

// pump drains the buffer into the out channel in order, then closes it
// once the terminal event is delivered or the subscription is aborted.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-s.wake:
			case <-s.abort:
				return
			}
			continue
		}
		ev := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.abort:
			return
		}
	}
}
