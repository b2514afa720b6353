// Package job defines the data model for the weft orchestration core:
// jobs, subtasks, their status machines, and read-only snapshots.
//
// A Job is a caller-submitted unit of work composed of one or more
// SubTasks. SubTasks are the smallest independently dispatchable units;
// their declaration order is preserved for display but execution order is
// governed by dependencies and priority.
package job

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a Job.
type Status string

const (
	// StatusPending indicates the job has been registered but no subtask
	// has been dispatched yet.
	StatusPending Status = "pending"

	// StatusRunning indicates at least one subtask has left the queue.
	StatusRunning Status = "running"

	// StatusCompleted indicates every subtask completed and the
	// reconcile pass (if configured) ran successfully.
	StatusCompleted Status = "completed"

	// StatusFailed indicates the job finished with failed subtasks under
	// a fail-fast policy, or the reconcile pass failed.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the job was cancelled by the caller.
	StatusCancelled Status = "cancelled"
)

// String returns the string representation of the job status.
func (s Status) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// SubTaskStatus represents the lifecycle state of a SubTask.
type SubTaskStatus string

const (
	// SubTaskQueued indicates the subtask is registered but not yet evaluated.
	SubTaskQueued SubTaskStatus = "queued"

	// SubTaskWaitingDependency indicates the subtask has incomplete dependencies.
	SubTaskWaitingDependency SubTaskStatus = "waiting_dependency"

	// SubTaskReady indicates all dependencies are completed and the subtask
	// is eligible for dispatch.
	SubTaskReady SubTaskStatus = "ready"

	// SubTaskInBatch indicates the subtask has been handed to the batcher
	// and is waiting for its batch to flush.
	SubTaskInBatch SubTaskStatus = "in_batch"

	// SubTaskDispatched indicates the subtask's batch is in flight to a provider.
	SubTaskDispatched SubTaskStatus = "dispatched"

	// SubTaskBackoff indicates a failed attempt is waiting for its next retry.
	SubTaskBackoff SubTaskStatus = "backoff"

	// SubTaskCompleted indicates the subtask finished successfully.
	SubTaskCompleted SubTaskStatus = "completed"

	// SubTaskFailed indicates the subtask failed permanently.
	SubTaskFailed SubTaskStatus = "failed"

	// SubTaskCancelled indicates the subtask was cancelled before completing.
	SubTaskCancelled SubTaskStatus = "cancelled"
)

// String returns the string representation of the subtask status.
func (s SubTaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s SubTaskStatus) IsTerminal() bool {
	return s == SubTaskCompleted || s == SubTaskFailed || s == SubTaskCancelled
}

// SubTask is the smallest independently dispatchable unit of work.
// The scheduler is the sole mutator of Status and AttemptCount.
type SubTask struct {
	// ID uniquely identifies the subtask within its job.
	ID string `json:"id"`

	// JobID is the owning job's ID. Populated at submission.
	JobID string `json:"job_id"`

	// Payload is the opaque request body handed to the provider executor.
	Payload []byte `json:"payload"`

	// Provider is the target provider key, used for batching compatibility,
	// circuit breaker lookup, and concurrency limiting.
	Provider string `json:"provider"`

	// Stage distinguishes operation stages of the same provider; only
	// subtasks with the same provider and stage share a batch.
	Stage string `json:"stage,omitempty"`

	// Priority is the caller-declared base priority. Higher values are
	// dispatched first. The scheduler adds an age-based boost on top.
	Priority int `json:"priority"`

	// DependsOn lists subtask IDs (within the same job) that must complete
	// before this subtask becomes ready.
	DependsOn []string `json:"depends_on,omitempty"`

	// Fingerprint is the deterministic cache key for this subtask's work.
	// Computed at submission from payload, stage, and provider.
	Fingerprint string `json:"fingerprint,omitempty"`

	// Status is the current execution state.
	Status SubTaskStatus `json:"status"`

	// AttemptCount is the number of dispatch attempts so far.
	AttemptCount int `json:"attempt_count"`

	// NextAttemptAt is when a backoff subtask becomes ready again.
	// Monotonically increasing across attempts.
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`

	// LastError describes the most recent failure.
	LastError string `json:"last_error,omitempty"`

	// Result holds the provider's response once completed.
	Result []byte `json:"result,omitempty"`

	// EnqueuedAt is when the subtask last became ready; used for the
	// age-based priority boost.
	EnqueuedAt time.Time `json:"enqueued_at,omitzero"`

	// CompletedAt is when the subtask reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Job is a caller-submitted unit of work composed of ordered SubTasks.
// The scheduler is the sole mutator after submission.
type Job struct {
	// ID uniquely identifies the job. Generated at submission if empty.
	ID string `json:"id"`

	// SubTasks in declaration order. Declaration order is preserved for
	// display and reconcile output; execution order is dependency- and
	// priority-driven.
	SubTasks []*SubTask `json:"subtasks"`

	// FailFast controls the failure policy: when true, the first subtask
	// that exhausts retries fails the whole job; when false, the job
	// completes with partial results and a list of failed subtask IDs.
	FailFast bool `json:"fail_fast,omitempty"`

	// Status is the current lifecycle state.
	Status Status `json:"status"`

	// FailedSubTasks lists the IDs of subtasks that ended Failed.
	FailedSubTasks []string `json:"failed_subtasks,omitempty"`

	// Error records the job-level failure cause, such as a consistency
	// pass error. Subtask-level failures live on the subtasks themselves.
	Error string `json:"error,omitempty"`

	// CreatedAt is when the job was submitted.
	CreatedAt time.Time `json:"created_at,omitzero"`

	// CompletedAt is when the job reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// EnsureID fills in a generated ID if the caller did not supply one.
func (j *Job) EnsureID() {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
}

// SubTask returns the subtask with the given ID, or nil if not found.
func (j *Job) SubTask(id string) *SubTask {
	for _, st := range j.SubTasks {
		if st.ID == id {
			return st
		}
	}
	return nil
}

// Counts is a tally of subtask states within a job.
type Counts struct {
	Total     int `json:"total"`
	Queued    int `json:"queued"`
	Waiting   int `json:"waiting"`
	Ready     int `json:"ready"`
	InFlight  int `json:"in_flight"`
	Backoff   int `json:"backoff"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Terminal returns how many subtasks are in a terminal state.
func (c Counts) Terminal() int {
	return c.Completed + c.Failed + c.Cancelled
}

// SubTaskSnapshot is a read-only view of one subtask's state.
type SubTaskSnapshot struct {
	ID           string        `json:"id"`
	Status       SubTaskStatus `json:"status"`
	AttemptCount int           `json:"attempt_count"`
	LastError    string        `json:"last_error,omitempty"`
	Result       []byte        `json:"result,omitempty"`
}

// Snapshot is a read-only view of a job's state, safe to share across
// goroutines. Returned by the scheduler's Status operation and embedded
// in replayed progress events.
type Snapshot struct {
	JobID    string            `json:"job_id"`
	Status   Status            `json:"status"`
	Error    string            `json:"error,omitempty"`
	Counts   Counts            `json:"counts"`
	SubTasks []SubTaskSnapshot `json:"subtasks"`
	TakenAt  time.Time         `json:"taken_at"`
}

// SnapshotOf builds a Snapshot from the job's current state.
// Callers must hold whatever lock guards the job.
func SnapshotOf(j *Job) Snapshot {
	snap := Snapshot{
		JobID:    j.ID,
		Status:   j.Status,
		Error:    j.Error,
		SubTasks: make([]SubTaskSnapshot, 0, len(j.SubTasks)),
		TakenAt:  time.Now(),
	}
	for _, st := range j.SubTasks {
		snap.Counts.Total++
		switch st.Status {
		case SubTaskQueued:
			snap.Counts.Queued++
		case SubTaskWaitingDependency:
			snap.Counts.Waiting++
		case SubTaskReady:
			snap.Counts.Ready++
		case SubTaskInBatch, SubTaskDispatched:
			snap.Counts.InFlight++
		case SubTaskBackoff:
			snap.Counts.Backoff++
		case SubTaskCompleted:
			snap.Counts.Completed++
		case SubTaskFailed:
			snap.Counts.Failed++
		case SubTaskCancelled:
			snap.Counts.Cancelled++
		}
		snap.SubTasks = append(snap.SubTasks, SubTaskSnapshot{
			ID:           st.ID,
			Status:       st.Status,
			AttemptCount: st.AttemptCount,
			LastError:    st.LastError,
			Result:       st.Result,
		})
	}
	return snap
}
