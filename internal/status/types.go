// Package status owns the durable per-plan execution state. All mutation
// of task state goes through the Store's locked Mutate operation; nothing
// else in the engine writes snapshots.
package status

import (
	"time"

	"github.com/Iron-Ham/orchard/internal/plan"
)

// SchemaVersion identifies the snapshot wire format. Bump on incompatible
// changes to the persisted structure.
const SchemaVersion = 1

// TaskStatus represents the current state of a task within a plan run.
type TaskStatus string

const (
	// TaskPending indicates the task is waiting to be selected.
	TaskPending TaskStatus = "pending"

	// TaskInProgress indicates the task has been dispatched to the
	// agent runner and has not yet reported a result.
	TaskInProgress TaskStatus = "in_progress"

	// TaskCompleted indicates the task finished successfully.
	TaskCompleted TaskStatus = "completed"

	// TaskFailed indicates the task failed and exhausted all retries.
	TaskFailed TaskStatus = "failed"

	// TaskSkipped indicates an operator removed the task from the run.
	// Dependents treat skipped as satisfied.
	TaskSkipped TaskStatus = "skipped"
)

// String returns the string representation of the task status.
func (s TaskStatus) String() string {
	return string(s)
}

// IsTerminal returns true if this status represents a final state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskSkipped
}

// SatisfiesDependents returns true if a dependency in this status no
// longer blocks its dependents.
func (s TaskStatus) SatisfiesDependents() bool {
	return s == TaskCompleted || s == TaskSkipped
}

// TaskState is the mutable execution state of one task. The definition
// fields (dependencies, files, sequential group) are copied from the plan
// at init time so a snapshot is self-contained; only Status, RetryCount,
// LastError and the timestamps change afterwards.
type TaskState struct {
	ID              string     `json:"id"`
	Description     string     `json:"description"`
	Status          TaskStatus `json:"status"`
	DependsOn       []string   `json:"dependencies"`
	SequentialGroup string     `json:"sequential_group,omitempty"`
	Files           []string   `json:"file_references,omitempty"`
	RetryCount      int        `json:"retry_count"`
	LastError       string     `json:"last_error,omitempty"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`

	// ExpectedDurationSeconds carries the per-task stuck threshold
	// override from the plan, zero meaning the configured default.
	ExpectedDurationSeconds int `json:"expected_duration_seconds,omitempty"`
}

// RunRecord is the append-only history entry for one orchestration
// session. A record is never mutated after CompletedAt is set.
type RunRecord struct {
	RunID          string     `json:"run_id"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	TasksAttempted int        `json:"tasks_attempted"`
	TasksFailed    int        `json:"tasks_failed"`
}

// Snapshot is the full persisted state of one plan run. It is owned
// exclusively by the Store; callers receive copies and submit mutations
// through Store.Mutate.
type Snapshot struct {
	SchemaVersion int                   `json:"schema_version"`
	PlanID        string                `json:"plan_id"`
	Tasks         map[string]*TaskState `json:"tasks"`
	PhaseOrder    []string              `json:"phase_order"`
	Runs          []RunRecord           `json:"runs"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// NewSnapshot builds the initial snapshot for a plan from parser output.
// Every task starts pending with a zero retry count.
func NewSnapshot(planID string, tasks []plan.Task, phaseOrder []string) *Snapshot {
	states := make(map[string]*TaskState, len(tasks))
	for i := range tasks {
		t := &tasks[i]
		deps := t.DependsOn
		if deps == nil {
			deps = []string{}
		}
		states[t.ID] = &TaskState{
			ID:                      t.ID,
			Description:             t.Description,
			Status:                  TaskPending,
			DependsOn:               deps,
			SequentialGroup:         t.SequentialGroup,
			Files:                   t.Files,
			ExpectedDurationSeconds: t.ExpectedDurationSeconds,
		}
	}

	return &Snapshot{
		SchemaVersion: SchemaVersion,
		PlanID:        planID,
		Tasks:         states,
		PhaseOrder:    phaseOrder,
		Runs:          []RunRecord{},
		UpdatedAt:     time.Now(),
	}
}

// Task returns the state for the given task ID, or nil if not found.
func (s *Snapshot) Task(taskID string) *TaskState {
	return s.Tasks[taskID]
}

// OrderedTaskIDs returns all task IDs sorted by phase then index, the
// canonical reading order used by the scheduler and status displays.
func (s *Snapshot) OrderedTaskIDs() []string {
	ids := make([]string, 0, len(s.Tasks))
	for id := range s.Tasks {
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// sortIDs sorts task IDs in place by phase then index using insertion
// sort; snapshots hold at most a few hundred tasks.
func sortIDs(ids []string) {
	for i := 1; i < len(ids); i++ {
		key := ids[i]
		j := i - 1
		for j >= 0 && plan.Less(key, ids[j]) {
			ids[j+1] = ids[j]
			j--
		}
		ids[j+1] = key
	}
}

// Counts is a snapshot of per-status task totals.
type Counts struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
	Skipped    int `json:"skipped"`
}

// Counts tallies tasks by status.
func (s *Snapshot) Counts() Counts {
	var c Counts
	c.Total = len(s.Tasks)
	for _, t := range s.Tasks {
		switch t.Status {
		case TaskPending:
			c.Pending++
		case TaskInProgress:
			c.InProgress++
		case TaskCompleted:
			c.Completed++
		case TaskFailed:
			c.Failed++
		case TaskSkipped:
			c.Skipped++
		}
	}
	return c
}

// IsComplete returns true when no task is pending or in progress.
func (s *Snapshot) IsComplete() bool {
	for _, t := range s.Tasks {
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return len(s.Tasks) > 0
}

// PhaseComplete returns true when every task in the given phase is in a
// terminal state.
func (s *Snapshot) PhaseComplete(phase int) bool {
	found := false
	for id, t := range s.Tasks {
		p, _ := plan.SplitID(id)
		if p != phase {
			continue
		}
		found = true
		if !t.Status.IsTerminal() {
			return false
		}
	}
	return found
}

// CurrentRun returns the most recent run record, or nil when the plan has
// never been run.
func (s *Snapshot) CurrentRun() *RunRecord {
	if len(s.Runs) == 0 {
		return nil
	}
	return &s.Runs[len(s.Runs)-1]
}

// Clone returns a deep copy of the snapshot. The store hands out clones
// so readers never share task pointers with the locked copy.
func (s *Snapshot) Clone() *Snapshot {
	cp := &Snapshot{
		SchemaVersion: s.SchemaVersion,
		PlanID:        s.PlanID,
		Tasks:         make(map[string]*TaskState, len(s.Tasks)),
		PhaseOrder:    append([]string(nil), s.PhaseOrder...),
		Runs:          append([]RunRecord(nil), s.Runs...),
		UpdatedAt:     s.UpdatedAt,
	}
	for id, t := range s.Tasks {
		tc := *t
		tc.DependsOn = append([]string(nil), t.DependsOn...)
		tc.Files = append([]string(nil), t.Files...)
		if t.StartedAt != nil {
			st := *t.StartedAt
			tc.StartedAt = &st
		}
		if t.CompletedAt != nil {
			ct := *t.CompletedAt
			tc.CompletedAt = &ct
		}
		cp.Tasks[id] = &tc
	}
	return cp
}
