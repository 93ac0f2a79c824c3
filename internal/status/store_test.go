package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Iron-Ham/orchard/internal/errors"
	"github.com/Iron-Ham/orchard/internal/plan"
)

func testTasks() []plan.Task {
	return []plan.Task{
		{ID: "1.1", Description: "scaffold"},
		{ID: "1.2", Description: "models", DependsOn: []string{"1.1"}},
		{ID: "2.1", Description: "api", DependsOn: []string{"1.2"}},
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(t.TempDir())
}

func mustInit(t *testing.T, s *Store, planID string) *Snapshot {
	t.Helper()
	snap, err := s.Init(planID, testTasks(), []string{"1", "2"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	return snap
}

func TestInitCreatesPendingSnapshot(t *testing.T) {
	s := newTestStore(t)
	snap := mustInit(t, s, "plan-a")

	if snap.PlanID != "plan-a" {
		t.Errorf("plan id = %q", snap.PlanID)
	}
	if snap.SchemaVersion != SchemaVersion {
		t.Errorf("schema version = %d", snap.SchemaVersion)
	}
	if len(snap.Tasks) != 3 {
		t.Fatalf("task count = %d", len(snap.Tasks))
	}
	for id, ts := range snap.Tasks {
		if ts.Status != TaskPending {
			t.Errorf("task %s status = %s, want pending", id, ts.Status)
		}
		if ts.RetryCount != 0 {
			t.Errorf("task %s retry count = %d", id, ts.RetryCount)
		}
	}

	if _, err := os.Stat(filepath.Join(s.PlanDir("plan-a"), "status.json")); err != nil {
		t.Errorf("snapshot file not written: %v", err)
	}
}

func TestInitRejectsExistingPlan(t *testing.T) {
	s := newTestStore(t)
	mustInit(t, s, "plan-a")

	if _, err := s.Init("plan-a", testTasks(), nil); err == nil {
		t.Error("expected error initializing an existing plan")
	}
}

func TestLoadMissingPlan(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Load("nope")
	if !errors.Is(err, errors.ErrPlanNotFound) {
		t.Errorf("expected ErrPlanNotFound, got %v", err)
	}
}

func TestMutatePersistsAcrossLoads(t *testing.T) {
	s := newTestStore(t)
	mustInit(t, s, "plan-a")

	now := time.Now().UTC()
	_, err := s.Mutate("plan-a", func(snap *Snapshot) error {
		ts := snap.Tasks["1.1"]
		ts.Status = TaskCompleted
		ts.CompletedAt = &now
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	loaded, err := s.Load("plan-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Tasks["1.1"].Status != TaskCompleted {
		t.Errorf("status = %s, want completed", loaded.Tasks["1.1"].Status)
	}
	if loaded.Tasks["1.2"].Status != TaskPending {
		t.Errorf("untouched task status = %s", loaded.Tasks["1.2"].Status)
	}
}

func TestMutateErrorLeavesSnapshotUntouched(t *testing.T) {
	s := newTestStore(t)
	mustInit(t, s, "plan-a")

	boom := errors.New("nope")
	_, err := s.Mutate("plan-a", func(snap *Snapshot) error {
		snap.Tasks["1.1"].Status = TaskCompleted
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Mutate error = %v", err)
	}

	loaded, err := s.Load("plan-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Tasks["1.1"].Status != TaskPending {
		t.Errorf("status = %s after failed mutation, want pending", loaded.Tasks["1.1"].Status)
	}
}

func TestMutateReturnsCopy(t *testing.T) {
	s := newTestStore(t)
	mustInit(t, s, "plan-a")

	snap, err := s.Mutate("plan-a", func(snap *Snapshot) error { return nil })
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	snap.Tasks["1.1"].Status = TaskFailed

	loaded, _ := s.Load("plan-a")
	if loaded.Tasks["1.1"].Status != TaskPending {
		t.Error("mutating the returned snapshot leaked into the store")
	}
}

// A task left in_progress by a crashed run heals to pending on the next
// load, with its retry count bumped.
func TestLoadHealsInterruptedTasks(t *testing.T) {
	s := newTestStore(t)
	mustInit(t, s, "plan-a")

	_, err := s.Mutate("plan-a", func(snap *Snapshot) error {
		now := time.Now().UTC()
		snap.Tasks["1.2"].Status = TaskInProgress
		snap.Tasks["1.2"].StartedAt = &now
		snap.Tasks["1.1"].Status = TaskCompleted
		return nil
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	loaded, err := s.Load("plan-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	healed := loaded.Tasks["1.2"]
	if healed.Status != TaskPending {
		t.Errorf("status = %s, want pending", healed.Status)
	}
	if healed.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", healed.RetryCount)
	}
	if healed.LastError == "" {
		t.Error("expected last error to note the interruption")
	}
	if loaded.Tasks["1.1"].Status != TaskCompleted {
		t.Errorf("completed task disturbed: %s", loaded.Tasks["1.1"].Status)
	}

	// Healing is persisted, not just applied in memory.
	again, _ := s.Load("plan-a")
	if again.Tasks["1.2"].RetryCount != 1 {
		t.Errorf("retry count after reload = %d, want 1", again.Tasks["1.2"].RetryCount)
	}
}

func TestLoadRejectsCorruptSnapshot(t *testing.T) {
	s := newTestStore(t)
	mustInit(t, s, "plan-a")

	path := filepath.Join(s.PlanDir("plan-a"), "status.json")
	if err := os.WriteFile(path, []byte(`{"plan_id": "plan-a", "tasks`), 0o644); err != nil {
		t.Fatal(err)
	}

	_, err := s.Load("plan-a")
	if !errors.Is(err, errors.ErrSnapshotCorrupted) {
		t.Errorf("expected ErrSnapshotCorrupted, got %v", err)
	}
}

func TestLoadRejectsNewerSchema(t *testing.T) {
	s := newTestStore(t)
	snap := mustInit(t, s, "plan-a")

	snap.SchemaVersion = SchemaVersion + 1
	raw, _ := json.Marshal(snap)
	path := filepath.Join(s.PlanDir("plan-a"), "status.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Load("plan-a"); err == nil {
		t.Error("expected error loading a newer schema version")
	}
}

func TestMutateLockTimeout(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, WithLockTimeout(100*time.Millisecond))
	mustInit(t, s, "plan-a")

	// Hold the exclusive lock from a second handle.
	holder := NewFileLock(filepath.Join(s.PlanDir("plan-a"), "status.lock"))
	if err := holder.Lock(time.Second); err != nil {
		t.Fatalf("holder lock: %v", err)
	}
	defer holder.Unlock()

	_, err := s.Mutate("plan-a", func(snap *Snapshot) error { return nil })
	if !errors.Is(err, errors.ErrLockTimeout) {
		t.Errorf("expected ErrLockTimeout, got %v", err)
	}
}

// Simulates a crash mid-write: the temp file exists but the rename never
// happened. The previous snapshot must still load cleanly.
func TestTornWriteLeavesPreviousSnapshot(t *testing.T) {
	s := newTestStore(t)
	mustInit(t, s, "plan-a")

	tmp := filepath.Join(s.PlanDir("plan-a"), "status.json.tmp")
	if err := os.WriteFile(tmp, []byte(`{"half":`), 0o644); err != nil {
		t.Fatal(err)
	}

	loaded, err := s.Load("plan-a")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(loaded.Tasks) != 3 {
		t.Errorf("task count = %d after torn write", len(loaded.Tasks))
	}
}

func TestSnapshotCounts(t *testing.T) {
	snap := NewSnapshot("plan-a", testTasks(), nil)
	snap.Tasks["1.1"].Status = TaskCompleted
	snap.Tasks["1.2"].Status = TaskFailed

	c := snap.Counts()
	if c.Completed != 1 || c.Failed != 1 || c.Pending != 1 {
		t.Errorf("counts = %+v", c)
	}
	if snap.IsComplete() {
		t.Error("snapshot with pending task reported complete")
	}

	snap.Tasks["2.1"].Status = TaskSkipped
	if !snap.IsComplete() {
		t.Error("all-terminal snapshot not reported complete")
	}
}

func TestOrderedTaskIDsNumeric(t *testing.T) {
	tasks := []plan.Task{
		{ID: "1.10", Description: "t"},
		{ID: "1.2", Description: "t"},
		{ID: "2.1", Description: "t"},
		{ID: "1.1", Description: "t"},
	}
	snap := NewSnapshot("plan-a", tasks, nil)
	got := snap.OrderedTaskIDs()
	want := []string{"1.1", "1.2", "1.10", "2.1"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ordered IDs = %v, want %v", got, want)
		}
	}
}
