// Package progress provides the per-job ordered event stream for the weft
// core. Events for a given job are totally ordered by a single
// serialization point; late subscribers receive a synthetic snapshot of
// everything published before they joined, then live events, and every
// stream terminates with exactly one terminal event.
package progress

import (
	"time"

	"github.com/weftlabs/weft/internal/job"
)

// Kind identifies an event variant. The set is closed: consumers switch
// over these constants exhaustively rather than matching free-form names.
type Kind string

const (
	// KindJobStarted is emitted once when the first subtask leaves the queue.
	KindJobStarted Kind = "job_started"

	// KindSubTaskQueued is emitted when a subtask is admitted.
	KindSubTaskQueued Kind = "subtask_queued"

	// KindSubTaskDispatched is emitted when a subtask's batch reaches the
	// provider and the call is in flight.
	KindSubTaskDispatched Kind = "subtask_dispatched"

	// KindSubTaskRetrying is emitted when a failed attempt enters backoff.
	KindSubTaskRetrying Kind = "subtask_retrying"

	// KindSubTaskCompleted is emitted when a subtask finishes successfully.
	KindSubTaskCompleted Kind = "subtask_completed"

	// KindSubTaskFailed is emitted when a subtask fails permanently.
	KindSubTaskFailed Kind = "subtask_failed"

	// KindSubTaskCancelled is emitted when a subtask is cancelled.
	KindSubTaskCancelled Kind = "subtask_cancelled"

	// KindSnapshot is the synthetic replay event delivered first to every
	// subscriber; it aggregates all subtask statuses published so far.
	KindSnapshot Kind = "snapshot"

	// KindJobCompleted is the terminal event for a successful job.
	KindJobCompleted Kind = "job_completed"

	// KindJobFailed is the terminal event for a failed job.
	KindJobFailed Kind = "job_failed"

	// KindJobCancelled is the terminal event for a cancelled job.
	KindJobCancelled Kind = "job_cancelled"
)

// IsTerminal returns true for the three variants that end a job stream.
func (k Kind) IsTerminal() bool {
	return k == KindJobCompleted || k == KindJobFailed || k == KindJobCancelled
}

// Event is one entry in a job's progress stream. Seq is assigned by the
// broadcaster and is strictly increasing within a job.
type Event struct {
	Kind      Kind              `json:"kind"`
	JobID     string            `json:"job_id"`
	Seq       uint64            `json:"seq"`
	SubTaskID string            `json:"subtask_id,omitempty"`
	Status    job.SubTaskStatus `json:"status,omitempty"`
	Attempt   int               `json:"attempt,omitempty"`
	Error     string            `json:"error,omitempty"`
	Result    []byte            `json:"result,omitempty"`
	Snapshot  *job.Snapshot     `json:"snapshot,omitempty"`
	At        time.Time         `json:"at"`
}

// NewSubTaskEvent creates a subtask lifecycle event.
func NewSubTaskEvent(kind Kind, jobID, subtaskID string, status job.SubTaskStatus) Event {
	return Event{
		Kind:      kind,
		JobID:     jobID,
		SubTaskID: subtaskID,
		Status:    status,
		At:        time.Now(),
	}
}

// NewJobEvent creates a job lifecycle event.
func NewJobEvent(kind Kind, jobID string) Event {
	return Event{
		Kind:  kind,
		JobID: jobID,
		At:    time.Now(),
	}
}
