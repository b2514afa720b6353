package job

import (
	"testing"
	"time"

	"github.com/weftlabs/weft/internal/errors"
)

func makeJob() *Job {
	return &Job{
		ID: "job-1",
		SubTasks: []*SubTask{
			{ID: "intro", Provider: "stub", Priority: 1, DependsOn: []string{}},
			{ID: "body", Provider: "stub", DependsOn: []string{"intro"}},
			{ID: "appendix", Provider: "stub", DependsOn: nil},
		},
	}
}

func TestStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status Status
		want   bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusCompleted, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.IsTerminal(); got != tt.want {
				t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestSubTaskStatus_IsTerminal(t *testing.T) {
	terminal := map[SubTaskStatus]bool{
		SubTaskCompleted: true,
		SubTaskFailed:    true,
		SubTaskCancelled: true,
	}
	all := []SubTaskStatus{
		SubTaskQueued, SubTaskWaitingDependency, SubTaskReady, SubTaskInBatch,
		SubTaskDispatched, SubTaskBackoff, SubTaskCompleted, SubTaskFailed,
		SubTaskCancelled,
	}

	for _, s := range all {
		if got := s.IsTerminal(); got != terminal[s] {
			t.Errorf("%s.IsTerminal() = %v, want %v", s, got, terminal[s])
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(j *Job)
		wantErr error
	}{
		{
			name:    "valid",
			mutate:  func(j *Job) {},
			wantErr: nil,
		},
		{
			name:    "no subtasks",
			mutate:  func(j *Job) { j.SubTasks = nil },
			wantErr: nil, // plain error, checked separately
		},
		{
			name: "duplicate id",
			mutate: func(j *Job) {
				j.SubTasks = append(j.SubTasks, &SubTask{ID: "intro"})
			},
			wantErr: errors.ErrDuplicateSubTask,
		},
		{
			name: "unknown dependency",
			mutate: func(j *Job) {
				j.SubTasks[1].DependsOn = []string{"missing"}
			},
			wantErr: errors.ErrUnknownDependency,
		},
		{
			name: "self dependency",
			mutate: func(j *Job) {
				j.SubTasks[0].DependsOn = []string{"intro"}
			},
			wantErr: errors.ErrDependencyCycle,
		},
		{
			name: "two-node cycle",
			mutate: func(j *Job) {
				j.SubTasks[0].DependsOn = []string{"body"}
			},
			wantErr: errors.ErrDependencyCycle,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			j := makeJob()
			tt.mutate(j)
			err := Validate(j)

			if tt.name == "valid" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() error = nil, want error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestDetectCycle(t *testing.T) {
	j := &Job{
		ID: "job-cycle",
		SubTasks: []*SubTask{
			{ID: "a", DependsOn: []string{"c"}},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		},
	}

	cycle := DetectCycle(j)
	if cycle == nil {
		t.Fatal("DetectCycle() = nil, want cycle")
	}
	// The reconstructed cycle starts and ends at the same node.
	if cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("cycle %v does not close on itself", cycle)
	}

	if got := DetectCycle(makeJob()); got != nil {
		t.Errorf("DetectCycle(acyclic) = %v, want nil", got)
	}
}

func TestDependencyOrder(t *testing.T) {
	j := makeJob()
	order := DependencyOrder(j)

	if len(order) != 3 {
		t.Fatalf("expected 3 in order, got %d", len(order))
	}

	idx := make(map[string]int)
	for i, id := range order {
		idx[id] = i
	}
	if idx["intro"] > idx["body"] {
		t.Errorf("intro (idx %d) should come before body (idx %d)", idx["intro"], idx["body"])
	}
	// Same level: declaration order breaks the tie.
	if idx["intro"] > idx["appendix"] {
		t.Errorf("intro declared before appendix but ordered after: %v", order)
	}
}

func TestEnsureID(t *testing.T) {
	j := &Job{}
	j.EnsureID()
	if j.ID == "" {
		t.Fatal("EnsureID() left ID empty")
	}

	fixed := &Job{ID: "caller-chosen"}
	fixed.EnsureID()
	if fixed.ID != "caller-chosen" {
		t.Errorf("EnsureID() overwrote caller-supplied ID: %q", fixed.ID)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint([]byte("payload"), "draft", "stub")
	b := Fingerprint([]byte("payload"), "draft", "stub")
	if a != b {
		t.Errorf("Fingerprint not deterministic: %q vs %q", a, b)
	}

	if Fingerprint([]byte("payload"), "draft", "stub") == Fingerprint([]byte("payload"), "final", "stub") {
		t.Error("stage change should change the fingerprint")
	}
	if Fingerprint([]byte("payload"), "draft", "stub") == Fingerprint([]byte("payload"), "draft", "other") {
		t.Error("provider change should change the fingerprint")
	}

	// Field boundaries must be unambiguous.
	if Fingerprint([]byte("ab"), "c", "p") == Fingerprint([]byte("a"), "bc", "p") {
		t.Error("field boundary collision between payload and stage")
	}
}

func TestFingerprintSubTask(t *testing.T) {
	st := &SubTask{ID: "s1", Payload: []byte("x"), Stage: "draft", Provider: "stub"}
	FingerprintSubTask(st)
	if st.Fingerprint == "" {
		t.Fatal("FingerprintSubTask() left fingerprint empty")
	}

	preset := &SubTask{ID: "s2", Fingerprint: "caller-supplied"}
	FingerprintSubTask(preset)
	if preset.Fingerprint != "caller-supplied" {
		t.Errorf("FingerprintSubTask() overwrote caller fingerprint: %q", preset.Fingerprint)
	}
}

func TestSnapshotOf(t *testing.T) {
	j := makeJob()
	j.Status = StatusRunning
	j.SubTasks[0].Status = SubTaskCompleted
	j.SubTasks[0].Result = []byte("done")
	j.SubTasks[1].Status = SubTaskDispatched
	j.SubTasks[2].Status = SubTaskBackoff
	j.SubTasks[2].AttemptCount = 2
	j.SubTasks[2].LastError = "provider call failed"

	snap := SnapshotOf(j)

	if snap.JobID != "job-1" || snap.Status != StatusRunning {
		t.Errorf("snapshot header = %s/%s, want job-1/running", snap.JobID, snap.Status)
	}
	if snap.Counts.Total != 3 || snap.Counts.Completed != 1 || snap.Counts.InFlight != 1 || snap.Counts.Backoff != 1 {
		t.Errorf("counts = %+v, want total=3 completed=1 in_flight=1 backoff=1", snap.Counts)
	}
	if snap.Counts.Terminal() != 1 {
		t.Errorf("Terminal() = %d, want 1", snap.Counts.Terminal())
	}
	if len(snap.SubTasks) != 3 {
		t.Fatalf("expected 3 subtask snapshots, got %d", len(snap.SubTasks))
	}
	if snap.SubTasks[2].AttemptCount != 2 || snap.SubTasks[2].LastError == "" {
		t.Errorf("subtask snapshot did not carry attempt state: %+v", snap.SubTasks[2])
	}
	if time.Since(snap.TakenAt) > time.Minute {
		t.Error("TakenAt not set to now")
	}
}
