package status

import (
	"time"

	"github.com/Iron-Ham/orchard/internal/event"
)

// Replay folds an event stream onto an initial snapshot and returns the
// reconstructed state. The initial snapshot is typically NewSnapshot
// output for the same plan; replaying the full event log against it
// yields the same task statuses and run history the live store recorded.
// Unknown event types and events for unknown tasks are ignored.
func Replay(initial *Snapshot, events []event.Event) *Snapshot {
	snap := initial.Clone()
	for _, e := range events {
		applyEvent(snap, e)
	}
	return snap
}

func applyEvent(snap *Snapshot, e event.Event) {
	switch e.Type {
	case event.TypeRunStarted:
		snap.Runs = append(snap.Runs, RunRecord{
			RunID:     e.PayloadString("run_id"),
			StartedAt: e.Timestamp,
		})

	case event.TypeRunCompleted:
		runID := e.PayloadString("run_id")
		for i := len(snap.Runs) - 1; i >= 0; i-- {
			if snap.Runs[i].RunID != runID {
				continue
			}
			when := e.Timestamp
			snap.Runs[i].CompletedAt = &when
			snap.Runs[i].TasksAttempted = e.PayloadInt("attempted")
			snap.Runs[i].TasksFailed = e.PayloadInt("failed")
			break
		}

	case event.TypeTaskStarted:
		if ts := snap.Tasks[e.TaskID()]; ts != nil {
			ts.Status = TaskInProgress
			ts.StartedAt = timePtr(e.Timestamp)
			ts.CompletedAt = nil
		}

	case event.TypeTaskCompleted:
		if ts := snap.Tasks[e.TaskID()]; ts != nil {
			ts.Status = TaskCompleted
			ts.CompletedAt = timePtr(e.Timestamp)
			ts.LastError = ""
		}

	case event.TypeTaskFailed:
		if ts := snap.Tasks[e.TaskID()]; ts != nil {
			ts.Status = TaskFailed
			ts.CompletedAt = timePtr(e.Timestamp)
			ts.LastError = e.PayloadString("error")
			ts.RetryCount = e.PayloadInt("retry_count")
		}

	case event.TypeTaskRetrying:
		if ts := snap.Tasks[e.TaskID()]; ts != nil {
			ts.Status = TaskPending
			ts.LastError = e.PayloadString("error")
			ts.RetryCount = e.PayloadInt("retry_count")
			ts.StartedAt = nil
			ts.CompletedAt = nil
		}

	case event.TypeTaskSkipped:
		if ts := snap.Tasks[e.TaskID()]; ts != nil {
			ts.Status = TaskSkipped
			ts.CompletedAt = timePtr(e.Timestamp)
		}
	}

	if e.Timestamp.After(snap.UpdatedAt) {
		snap.UpdatedAt = e.Timestamp
	}
}

func timePtr(t time.Time) *time.Time {
	return &t
}
