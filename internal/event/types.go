// Package event defines the engine's state-change notifications and the
// bus that carries them. Events decouple the orchestration loop from its
// observers: the IPC surface, the conflict watcher, log followers, and
// any number of external subscribers consume the same stream without the
// loop knowing they exist.
package event

import "time"

// Type identifies the kind of state change an event reports.
// The enumeration is fixed; payload fields vary per type.
type Type string

const (
	// TypeTaskStarted is emitted when a task is dispatched to the agent runner.
	TypeTaskStarted Type = "task.started"

	// TypeTaskCompleted is emitted when a task finishes successfully.
	TypeTaskCompleted Type = "task.completed"

	// TypeTaskFailed is emitted when a task fails terminally (retries exhausted).
	TypeTaskFailed Type = "task.failed"

	// TypeTaskRetrying is emitted when a failed task returns to pending for retry.
	TypeTaskRetrying Type = "task.retrying"

	// TypeTaskStuck is emitted when an in-progress task exceeds its expected duration.
	TypeTaskStuck Type = "task.stuck"

	// TypeTaskSkipped is emitted when an operator removes a task from the run.
	TypeTaskSkipped Type = "task.skipped"

	// TypePhaseCompleted is emitted once every task in a phase is terminal.
	TypePhaseCompleted Type = "phase.completed"

	// TypeRunStarted is emitted when an orchestration session begins.
	TypeRunStarted Type = "run.started"

	// TypeRunCompleted is emitted when an orchestration session ends.
	TypeRunCompleted Type = "run.completed"

	// TypeConstraintApplied is emitted when scheduling blocks or overrides
	// a task because of a sequential-group or file-conflict constraint.
	TypeConstraintApplied Type = "constraint.applied"

	// TypeCommitApplied is emitted when the serial commit queue lands a commit.
	TypeCommitApplied Type = "commit.applied"

	// TypeCommitFailed is emitted when the version control collaborator
	// rejects a queued commit.
	TypeCommitFailed Type = "commit.failed"

	// TypePolicyApplied is emitted when a start-time decision policy
	// (e.g. uncommitted-changes handling) resolves.
	TypePolicyApplied Type = "policy.applied"
)

// String returns the string representation of the event type.
func (t Type) String() string {
	return string(t)
}

// Event is an immutable record of a state transition. IDs are assigned
// monotonically by the bus at emission; an event is never mutated or
// deleted afterwards, only rotated out of the in-memory ring buffer.
type Event struct {
	ID        uint64         `json:"id"`
	Type      Type           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// TaskID returns the task_id payload field, or "" when absent.
func (e Event) TaskID() string {
	s, _ := e.Payload["task_id"].(string)
	return s
}

// PayloadString returns a string payload field, or "" when absent.
func (e Event) PayloadString(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadInt returns a numeric payload field. JSON round-trips numbers
// as float64, so both int and float64 representations are accepted.
func (e Event) PayloadInt(key string) int {
	switch v := e.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// -----------------------------------------------------------------------------
// Constructors
// -----------------------------------------------------------------------------

func newEvent(t Type, payload map[string]any) Event {
	return Event{Type: t, Payload: payload}
}

// NewTaskStarted creates a task.started event.
func NewTaskStarted(taskID, runID string) Event {
	return newEvent(TypeTaskStarted, map[string]any{
		"task_id": taskID,
		"run_id":  runID,
	})
}

// NewTaskCompleted creates a task.completed event.
func NewTaskCompleted(taskID string) Event {
	return newEvent(TypeTaskCompleted, map[string]any{
		"task_id": taskID,
	})
}

// NewTaskFailed creates a terminal task.failed event.
func NewTaskFailed(taskID, reason string, retryCount int) Event {
	return newEvent(TypeTaskFailed, map[string]any{
		"task_id":     taskID,
		"error":       reason,
		"retry_count": retryCount,
	})
}

// NewTaskRetrying creates a task.retrying event.
func NewTaskRetrying(taskID, reason string, retryCount int) Event {
	return newEvent(TypeTaskRetrying, map[string]any{
		"task_id":     taskID,
		"error":       reason,
		"retry_count": retryCount,
	})
}

// NewTaskStuck creates a task.stuck warning event.
func NewTaskStuck(taskID string, runningFor time.Duration) Event {
	return newEvent(TypeTaskStuck, map[string]any{
		"task_id":     taskID,
		"running_for": runningFor.String(),
	})
}

// NewTaskSkipped creates a task.skipped event.
func NewTaskSkipped(taskID, reason string) Event {
	return newEvent(TypeTaskSkipped, map[string]any{
		"task_id": taskID,
		"reason":  reason,
	})
}

// NewPhaseCompleted creates a phase.completed event.
func NewPhaseCompleted(phase int) Event {
	return newEvent(TypePhaseCompleted, map[string]any{
		"phase": phase,
	})
}

// NewRunStarted creates a run.started event.
func NewRunStarted(runID, planID string) Event {
	return newEvent(TypeRunStarted, map[string]any{
		"run_id":  runID,
		"plan_id": planID,
	})
}

// NewRunCompleted creates a run.completed event.
func NewRunCompleted(runID string, attempted, failed int) Event {
	return newEvent(TypeRunCompleted, map[string]any{
		"run_id":    runID,
		"attempted": attempted,
		"failed":    failed,
	})
}

// NewConstraintApplied creates a constraint.applied event. kind is
// "sequential", "fileConflict", or "override"; detail carries the blocked
// reason or the operator override description.
func NewConstraintApplied(kind, taskID, detail string) Event {
	return newEvent(TypeConstraintApplied, map[string]any{
		"kind":    kind,
		"task_id": taskID,
		"detail":  detail,
	})
}

// NewCommitApplied creates a commit.applied event.
func NewCommitApplied(entryID, commitID string) Event {
	return newEvent(TypeCommitApplied, map[string]any{
		"entry_id":  entryID,
		"commit_id": commitID,
	})
}

// NewCommitFailed creates a commit.failed event.
func NewCommitFailed(entryID, reason string) Event {
	return newEvent(TypeCommitFailed, map[string]any{
		"entry_id": entryID,
		"error":    reason,
	})
}

// NewPolicyApplied creates a policy.applied event.
func NewPolicyApplied(policy, action string) Event {
	return newEvent(TypePolicyApplied, map[string]any{
		"policy": policy,
		"action": action,
	})
}
