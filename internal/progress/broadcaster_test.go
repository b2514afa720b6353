package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/weftlabs/weft/internal/errors"
	"github.com/weftlabs/weft/internal/job"
)

// collect reads events until the channel closes or the timeout fires.
func collect(t *testing.T, sub *Subscription, timeout time.Duration) []Event {
	t.Helper()

	var events []Event
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for stream close; got %d events", len(events))
			return nil
		}
	}
}

func TestBroadcaster_PublishSubscribe(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Register("job-1")

	sub, err := b.Subscribe("job-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish("job-1", NewJobEvent(KindJobStarted, "job-1"))
	b.Publish("job-1", NewSubTaskEvent(KindSubTaskCompleted, "job-1", "s1", job.SubTaskCompleted))
	b.Publish("job-1", NewJobEvent(KindJobCompleted, "job-1"))

	events := collect(t, sub, time.Second)
	kinds := make([]Kind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}

	want := []Kind{KindSnapshot, KindJobStarted, KindSubTaskCompleted, KindJobCompleted}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}

	// Seq must be strictly increasing for the live events.
	for i := 2; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("seq not increasing: %d then %d", events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestBroadcaster_SubscribeUnknownJob(t *testing.T) {
	b := NewBroadcaster(nil)
	if _, err := b.Subscribe("nope"); !errors.Is(err, errors.ErrJobNotFound) {
		t.Fatalf("Subscribe(unknown) error = %v, want ErrJobNotFound", err)
	}
}

func TestBroadcaster_OrderConsistentAcrossSubscribers(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Register("job-1")

	early, err := b.Subscribe("job-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	// Publish from many goroutines; the broadcaster serializes them.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				b.Publish("job-1", NewSubTaskEvent(KindSubTaskDispatched, "job-1", "s1", job.SubTaskDispatched))
			}
		}(i)
	}
	wg.Wait()

	late, err := b.Subscribe("job-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish("job-1", NewJobEvent(KindJobCompleted, "job-1"))

	earlyEvents := collect(t, early, 2*time.Second)
	lateEvents := collect(t, late, 2*time.Second)

	// Strip each subscriber's synthetic snapshot, then compare the tails:
	// the late subscriber's live events must be a suffix of the early
	// subscriber's, in identical order.
	if earlyEvents[0].Kind != KindSnapshot || lateEvents[0].Kind != KindSnapshot {
		t.Fatal("first event for each subscriber must be the snapshot")
	}
	earlyLive := earlyEvents[1:]
	lateLive := lateEvents[1:]

	if len(lateLive) > len(earlyLive) {
		t.Fatalf("late subscriber saw more live events (%d) than early (%d)", len(lateLive), len(earlyLive))
	}
	offset := len(earlyLive) - len(lateLive)
	for i, ev := range lateLive {
		if earlyLive[offset+i].Seq != ev.Seq {
			t.Fatalf("order mismatch at %d: early seq %d, late seq %d", i, earlyLive[offset+i].Seq, ev.Seq)
		}
	}

	// The late snapshot must account for every event before it joined.
	snap := lateEvents[0].Snapshot
	if snap == nil {
		t.Fatal("late snapshot event has nil snapshot")
	}
	if lateEvents[0].Seq != 80 {
		t.Errorf("late snapshot seq = %d, want 80", lateEvents[0].Seq)
	}
	if snap.Counts.Total != 1 || snap.Counts.InFlight != 1 {
		t.Errorf("late snapshot counts = %+v, want total=1 in_flight=1", snap.Counts)
	}
}

func TestBroadcaster_LateSubscriberAfterTerminal(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Register("job-1")

	b.Publish("job-1", NewSubTaskEvent(KindSubTaskCompleted, "job-1", "s1", job.SubTaskCompleted))
	b.Publish("job-1", NewJobEvent(KindJobCompleted, "job-1"))

	sub, err := b.Subscribe("job-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	events := collect(t, sub, time.Second)
	if len(events) != 2 {
		t.Fatalf("expected snapshot + terminal, got %d events", len(events))
	}
	if events[0].Kind != KindSnapshot {
		t.Errorf("first event = %s, want snapshot", events[0].Kind)
	}
	if events[0].Snapshot.Status != job.StatusCompleted {
		t.Errorf("snapshot status = %s, want completed", events[0].Snapshot.Status)
	}
	if events[1].Kind != KindJobCompleted {
		t.Errorf("second event = %s, want job_completed", events[1].Kind)
	}
}

func TestBroadcaster_PublishAfterTerminalDropped(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Register("job-1")

	sub, err := b.Subscribe("job-1")
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish("job-1", NewJobEvent(KindJobCancelled, "job-1"))
	b.Publish("job-1", NewSubTaskEvent(KindSubTaskCompleted, "job-1", "s1", job.SubTaskCompleted))

	events := collect(t, sub, time.Second)
	if len(events) != 2 {
		t.Fatalf("expected snapshot + terminal only, got %d events", len(events))
	}
	if events[len(events)-1].Kind != KindJobCancelled {
		t.Errorf("stream did not end with the terminal event: %v", events)
	}
}

func TestBroadcaster_ExactlyOneTerminalEvent(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Register("job-1")

	sub, _ := b.Subscribe("job-1")
	b.Publish("job-1", NewJobEvent(KindJobFailed, "job-1"))
	b.Publish("job-1", NewJobEvent(KindJobCompleted, "job-1"))

	events := collect(t, sub, time.Second)
	terminals := 0
	for _, ev := range events {
		if ev.Kind.IsTerminal() {
			terminals++
		}
	}
	if terminals != 1 {
		t.Errorf("terminal events = %d, want exactly 1", terminals)
	}
}

func TestBroadcaster_SnapshotAggregation(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Register("job-1")

	b.Publish("job-1", NewJobEvent(KindJobStarted, "job-1"))

	failed := NewSubTaskEvent(KindSubTaskFailed, "job-1", "s1", job.SubTaskFailed)
	failed.Attempt = 3
	failed.Error = "retries exhausted"
	b.Publish("job-1", failed)

	done := NewSubTaskEvent(KindSubTaskCompleted, "job-1", "s2", job.SubTaskCompleted)
	done.Result = []byte("section text")
	b.Publish("job-1", done)

	snap, err := b.Snapshot("job-1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Status != job.StatusRunning {
		t.Errorf("status = %s, want running", snap.Status)
	}
	if snap.Counts.Failed != 1 || snap.Counts.Completed != 1 {
		t.Errorf("counts = %+v, want failed=1 completed=1", snap.Counts)
	}
	if snap.SubTasks[0].LastError != "retries exhausted" || snap.SubTasks[0].AttemptCount != 3 {
		t.Errorf("failed subtask snapshot = %+v", snap.SubTasks[0])
	}
	if string(snap.SubTasks[1].Result) != "section text" {
		t.Errorf("completed subtask result = %q", snap.SubTasks[1].Result)
	}
}

func TestSubscription_Close(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Register("job-1")

	sub, _ := b.Subscribe("job-1")
	sub.Close()
	sub.Close() // idempotent

	// Channel must close even though no terminal event was published.
	select {
	case _, ok := <-sub.Events():
		for ok {
			_, ok = <-sub.Events()
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Close()")
	}

	// Publishing after close must not panic or deliver.
	b.Publish("job-1", NewJobEvent(KindJobStarted, "job-1"))
}

func TestBroadcaster_Remove(t *testing.T) {
	b := NewBroadcaster(nil)
	b.Register("job-1")

	sub, _ := b.Subscribe("job-1")
	b.Remove("job-1")

	select {
	case _, ok := <-sub.Events():
		for ok {
			_, ok = <-sub.Events()
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Remove()")
	}

	if _, err := b.Subscribe("job-1"); !errors.Is(err, errors.ErrJobNotFound) {
		t.Errorf("Subscribe(removed) error = %v, want ErrJobNotFound", err)
	}
}
