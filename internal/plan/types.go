// Package plan defines the task records produced by the external plan
// document parser and the dependency graph built from them.
//
// The parser contract: tasks arrive with dependencies already resolved to
// task IDs, file references extracted, and sequential-group IDs assigned.
// This package validates that contract and builds the acyclic dependency
// graph the scheduler operates on. It performs no text processing of plan
// documents itself.
package plan

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Task represents a single unit of work from a parsed plan.
//
// Task IDs use a dotted "phase.index" form ("2.3" is the third task of
// phase 2) and are unique within a plan. Only status-related fields of a
// task ever change after plan initialization, and those live in the status
// store, not here.
type Task struct {
	// ID uniquely identifies this task within the plan, e.g. "1.2".
	ID string `json:"id" yaml:"id"`

	// Description contains the instructions handed to the agent runner.
	Description string `json:"description" yaml:"description"`

	// DependsOn lists task IDs that must reach a terminal-complete state
	// (completed or skipped) before this task becomes ready.
	DependsOn []string `json:"depends_on" yaml:"depends_on"`

	// SequentialGroup optionally names a group whose members must run
	// one at a time in declared order.
	SequentialGroup string `json:"sequential_group,omitempty" yaml:"sequential_group,omitempty"`

	// Files lists paths this task is expected to modify. Used for
	// conflict filtering during scheduling and live conflict watching.
	Files []string `json:"files,omitempty" yaml:"files,omitempty"`

	// ExpectedDurationSeconds optionally overrides the configured
	// stuck-detection threshold for this task.
	ExpectedDurationSeconds int `json:"expected_duration_seconds,omitempty" yaml:"expected_duration_seconds,omitempty"`
}

// ExpectedDuration returns the per-task stuck threshold, or zero when the
// task uses the configured default.
func (t *Task) ExpectedDuration() time.Duration {
	return time.Duration(t.ExpectedDurationSeconds) * time.Second
}

// Phase returns the phase component of the task ID, or 0 if the ID is not
// in dotted form.
func (t *Task) Phase() int {
	p, _ := SplitID(t.ID)
	return p
}

// Index returns the index component of the task ID, or 0 if the ID is not
// in dotted form.
func (t *Task) Index() int {
	_, i := SplitID(t.ID)
	return i
}

// HasDependencies returns true if this task depends on other tasks.
func (t *Task) HasDependencies() bool {
	return len(t.DependsOn) > 0
}

// SplitID parses a dotted "phase.index" task ID into its numeric parts.
// Malformed IDs yield zeros, which sort before all well-formed IDs.
func SplitID(id string) (phase, index int) {
	head, tail, ok := strings.Cut(id, ".")
	if !ok {
		return 0, 0
	}
	phase, _ = strconv.Atoi(head)
	index, _ = strconv.Atoi(tail)
	return phase, index
}

// Less reports whether task ID a orders before b: lower phase first, then
// lower index, falling back to lexical comparison for malformed IDs.
// This is the canonical "natural reading order" used for every scheduling
// tie-break.
func Less(a, b string) bool {
	ap, ai := SplitID(a)
	bp, bi := SplitID(b)
	if ap != bp {
		return ap < bp
	}
	if ai != bi {
		return ai < bi
	}
	return a < b
}

// Spec is the complete parsed plan handed to the orchestration engine.
type Spec struct {
	// ID uniquely identifies this plan.
	ID string `json:"id" yaml:"id"`

	// Objective is the original goal that produced this plan.
	Objective string `json:"objective,omitempty" yaml:"objective,omitempty"`

	// Phases lists phase IDs in declared order. If empty, the order is
	// derived from the numeric phase components of the task IDs.
	Phases []string `json:"phases,omitempty" yaml:"phases,omitempty"`

	// Tasks contains all tasks in declared order. Declared order matters:
	// it defines the member order of sequential groups.
	Tasks []Task `json:"tasks" yaml:"tasks"`
}

// GetTask returns the task with the given ID, or nil if not found.
func (s *Spec) GetTask(taskID string) *Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == taskID {
			return &s.Tasks[i]
		}
	}
	return nil
}

// TaskCount returns the total number of tasks in the plan.
func (s *Spec) TaskCount() int {
	return len(s.Tasks)
}

// PhaseOrder returns the declared phase order, deriving it from task IDs
// when the spec does not list phases explicitly.
func (s *Spec) PhaseOrder() []string {
	if len(s.Phases) > 0 {
		return s.Phases
	}

	seen := make(map[int]bool)
	var phases []int
	for i := range s.Tasks {
		p := s.Tasks[i].Phase()
		if !seen[p] {
			seen[p] = true
			phases = append(phases, p)
		}
	}
	// Phases appear in natural numeric order regardless of task order.
	for i := 1; i < len(phases); i++ {
		for j := i; j > 0 && phases[j-1] > phases[j]; j-- {
			phases[j-1], phases[j] = phases[j], phases[j-1]
		}
	}

	out := make([]string, len(phases))
	for i, p := range phases {
		out[i] = strconv.Itoa(p)
	}
	return out
}

// SequentialGroups returns group ID -> member task IDs in declared order.
func (s *Spec) SequentialGroups() map[string][]string {
	groups := make(map[string][]string)
	for i := range s.Tasks {
		t := &s.Tasks[i]
		if t.SequentialGroup != "" {
			groups[t.SequentialGroup] = append(groups[t.SequentialGroup], t.ID)
		}
	}
	return groups
}

// String returns a short human-readable summary of the spec.
func (s *Spec) String() string {
	return fmt.Sprintf("plan %s: %d tasks across %d phases", s.ID, len(s.Tasks), len(s.PhaseOrder()))
}
