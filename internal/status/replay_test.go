package status

import (
	"encoding/json"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"github.com/Iron-Ham/orchard/internal/event"
	"github.com/Iron-Ham/orchard/internal/plan"
)

func TestReplayRebuildsTaskStates(t *testing.T) {
	initial := NewSnapshot("plan-a", testTasks(), []string{"1", "2"})

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	stamp := func(e event.Event, id uint64, offset time.Duration) event.Event {
		e.ID = id
		e.Timestamp = base.Add(offset)
		return e
	}

	events := []event.Event{
		stamp(event.NewRunStarted("run-1", "plan-a"), 1, 0),
		stamp(event.NewTaskStarted("1.1", "run-1"), 2, time.Second),
		stamp(event.NewTaskCompleted("1.1"), 3, 2*time.Second),
		stamp(event.NewTaskStarted("1.2", "run-1"), 4, 3*time.Second),
		stamp(event.NewTaskRetrying("1.2", "agent exited 1", 1), 5, 4*time.Second),
		stamp(event.NewTaskStarted("1.2", "run-1"), 6, 5*time.Second),
		stamp(event.NewTaskFailed("1.2", "agent exited 1", 3), 7, 6*time.Second),
		stamp(event.NewTaskSkipped("2.1", "operator skip"), 8, 7*time.Second),
		stamp(event.NewRunCompleted("run-1", 2, 1), 9, 8*time.Second),
	}

	snap := Replay(initial, events)

	if got := snap.Tasks["1.1"].Status; got != TaskCompleted {
		t.Errorf("1.1 status = %s, want completed", got)
	}
	if got := snap.Tasks["1.2"]; got.Status != TaskFailed || got.RetryCount != 3 || got.LastError != "agent exited 1" {
		t.Errorf("1.2 state = %+v", got)
	}
	if got := snap.Tasks["2.1"].Status; got != TaskSkipped {
		t.Errorf("2.1 status = %s, want skipped", got)
	}

	if len(snap.Runs) != 1 {
		t.Fatalf("run count = %d", len(snap.Runs))
	}
	run := snap.Runs[0]
	if run.RunID != "run-1" || run.CompletedAt == nil {
		t.Errorf("run record = %+v", run)
	}
	if run.TasksAttempted != 2 || run.TasksFailed != 1 {
		t.Errorf("run totals = %d attempted, %d failed", run.TasksAttempted, run.TasksFailed)
	}
	if !snap.UpdatedAt.Equal(base.Add(8 * time.Second)) {
		t.Errorf("updated_at = %v", snap.UpdatedAt)
	}
}

func TestReplayIgnoresUnknownTasksAndTypes(t *testing.T) {
	initial := NewSnapshot("plan-a", testTasks(), nil)

	events := []event.Event{
		{ID: 1, Type: event.TypeTaskCompleted, Payload: map[string]any{"task_id": "9.9"}},
		{ID: 2, Type: event.Type("future.thing"), Payload: map[string]any{"task_id": "1.1"}},
	}

	snap := Replay(initial, events)
	if got := snap.Tasks["1.1"].Status; got != TaskPending {
		t.Errorf("1.1 status = %s, want pending", got)
	}
}

func TestReplayDoesNotMutateInitial(t *testing.T) {
	initial := NewSnapshot("plan-a", testTasks(), nil)
	events := []event.Event{
		{ID: 1, Type: event.TypeTaskCompleted, Timestamp: time.Now(), Payload: map[string]any{"task_id": "1.1"}},
	}

	Replay(initial, events)
	if initial.Tasks["1.1"].Status != TaskPending {
		t.Error("replay mutated the initial snapshot")
	}
}

// Replaying the durable event log produced by a live bus yields the same
// task statuses the store recorded through Mutate.
func TestReplayMatchesLiveStore(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)
	tasks := []plan.Task{
		{ID: "1.1", Description: "a"},
		{ID: "1.2", Description: "b", DependsOn: []string{"1.1"}},
	}
	if _, err := store.Init("plan-a", tasks, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}

	logPath := filepath.Join(dir, "events.jsonl")
	bus, err := event.NewBus(logPath, nil)
	if err != nil {
		t.Fatalf("NewBus: %v", err)
	}

	apply := func(e event.Event) {
		emitted := bus.Emit(e)
		if _, err := store.Mutate("plan-a", func(snap *Snapshot) error {
			applyEvent(snap, emitted)
			return nil
		}); err != nil {
			t.Fatalf("Mutate: %v", err)
		}
	}

	apply(event.NewRunStarted("run-1", "plan-a"))
	apply(event.NewTaskStarted("1.1", "run-1"))
	apply(event.NewTaskCompleted("1.1"))
	apply(event.NewTaskStarted("1.2", "run-1"))
	apply(event.NewTaskFailed("1.2", "boom", 3))
	apply(event.NewRunCompleted("run-1", 2, 1))
	if err := bus.Close(); err != nil {
		t.Fatalf("bus close: %v", err)
	}

	live, err := store.Load("plan-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	events, err := event.ReadLog(logPath)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	replayed := Replay(NewSnapshot("plan-a", tasks, nil), events)

	// Compare the JSON forms so pointer times compare by value.
	normalize := func(s *Snapshot) map[string]json.RawMessage {
		raw, err := json.Marshal(s.Tasks)
		if err != nil {
			t.Fatal(err)
		}
		var m map[string]json.RawMessage
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatal(err)
		}
		return m
	}
	if !reflect.DeepEqual(normalize(live), normalize(replayed)) {
		t.Errorf("replayed tasks diverge from live store\nlive: %+v\nreplayed: %+v", live.Tasks, replayed.Tasks)
	}
}
