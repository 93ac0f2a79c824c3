package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/Iron-Ham/orchard/internal/agent"
	"github.com/Iron-Ham/orchard/internal/event"
	"github.com/Iron-Ham/orchard/internal/logging"
	"github.com/Iron-Ham/orchard/internal/plan"
	"github.com/Iron-Ham/orchard/internal/scheduler"
	"github.com/Iron-Ham/orchard/internal/status"
)

// pendingAction records a stuck-timeout decision for a task whose
// subprocess was cancelled; handleResult consumes it.
type pendingAction string

const (
	actionSkip  pendingAction = "skip"
	actionRetry pendingAction = "retry"
)

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.stopped)

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	for {
		o.checkStuck()

		if done := o.tick(ctx); done {
			return
		}

		select {
		case <-ticker.C:
		case <-o.wake:
		case <-ctx.Done():
			o.finalize()
			return
		}
	}
}

// tick dispatches ready tasks when the run is active and decides whether
// the run is over. Returns true once the loop should exit.
func (o *Orchestrator) tick(ctx context.Context) bool {
	o.mu.Lock()
	state := o.state
	capacity := o.cfg.BatchSize - len(o.inflight)
	inflight := len(o.inflight)
	o.mu.Unlock()

	switch state {
	case StateCancelling:
		if inflight == 0 {
			o.finalize()
			return true
		}
		return false
	case StatePausing:
		if inflight == 0 {
			o.mu.Lock()
			if o.state == StatePausing {
				o.state = StatePaused
				o.logger.Info("paused")
			}
			o.mu.Unlock()
		}
		return false
	case StatePaused, StateStopped, StateIdle:
		return state == StateStopped
	}

	if capacity <= 0 {
		return false
	}

	var selected []status.TaskState
	snap, err := o.store.Mutate(o.planID, func(snap *status.Snapshot) error {
		o.mu.Lock()
		opts := scheduler.Options{
			MaxCount:         capacity,
			IgnoreSequential: o.overrideSequential,
			Groups:           o.groups,
		}
		o.mu.Unlock()

		res := scheduler.ReadyTasks(snap, opts)
		o.noteBlocked(res.Blocked)

		now := time.Now().UTC()
		for _, id := range res.Ready {
			ts := snap.Tasks[id]
			ts.Status = status.TaskInProgress
			ts.StartedAt = &now
			selected = append(selected, *ts)
		}
		return nil
	})
	if err != nil {
		o.logger.Error("tick mutation failed", "error", err)
		return false
	}

	for i := range selected {
		o.dispatch(ctx, &selected[i])
	}

	// No dispatch, nothing running: the plan is either complete or every
	// remaining pending task sits behind a failed dependency. Both end
	// the run.
	if len(selected) == 0 && inflight == 0 {
		if snap.Counts().InProgress == 0 {
			o.mu.Lock()
			stillIdle := len(o.inflight) == 0 && o.state == StateRunning
			o.mu.Unlock()
			if stillIdle {
				o.finalize()
				return true
			}
		}
	}
	return false
}

func (o *Orchestrator) dispatch(ctx context.Context, ts *status.TaskState) {
	expected := o.cfg.ExpectedTaskDuration
	if ts.ExpectedDurationSeconds > 0 {
		expected = time.Duration(ts.ExpectedDurationSeconds) * time.Second
	}

	taskCtx, cancel := context.WithCancel(ctx)
	now := time.Now()

	o.mu.Lock()
	o.attempted++
	o.inflight[ts.ID] = &inflightTask{
		startedAt: now,
		deadline:  now.Add(expected),
		cancel:    cancel,
	}
	runID := o.runID
	o.mu.Unlock()

	if o.tracker != nil {
		o.tracker.Track(ts.ID, ts.Files)
	}
	o.bus.Emit(event.NewTaskStarted(ts.ID, runID))
	o.logger.WithTask(ts.ID).Info("task dispatched")

	go func(id, description string, files []string) {
		res, err := o.runner.Run(taskCtx, id, description)
		cancel()
		o.handleResult(id, description, files, res, err)
	}(ts.ID, ts.Description, ts.Files)
}

func (o *Orchestrator) handleResult(taskID, description string, files []string, res *agent.Result, runErr error) {
	o.mu.Lock()
	action := o.actions[taskID]
	delete(o.actions, taskID)
	delete(o.inflight, taskID)
	o.mu.Unlock()

	if o.tracker != nil {
		o.tracker.Untrack(taskID)
	}

	log := o.logger.WithTask(taskID)
	now := time.Now().UTC()

	switch {
	case action == actionSkip:
		snap, err := o.store.Mutate(o.planID, func(snap *status.Snapshot) error {
			ts := snap.Tasks[taskID]
			ts.Status = status.TaskSkipped
			ts.CompletedAt = &now
			ts.LastError = "stuck timeout: skipped by policy"
			return nil
		})
		if err != nil {
			log.Error("record skip failed", "error", err)
			break
		}
		o.bus.Emit(event.NewTaskSkipped(taskID, "stuck timeout"))
		log.Warn("task skipped after stuck timeout")
		o.notePhaseProgress(snap, taskID)

	case action == actionRetry:
		o.recordFailure(taskID, "stuck timeout: cancelled for retry", log)

	case runErr == nil && res != nil && res.Success:
		snap, err := o.store.Mutate(o.planID, func(snap *status.Snapshot) error {
			ts := snap.Tasks[taskID]
			ts.Status = status.TaskCompleted
			ts.CompletedAt = &now
			ts.LastError = ""
			return nil
		})
		if err != nil {
			log.Error("record completion failed", "error", err)
			break
		}
		o.bus.Emit(event.NewTaskCompleted(taskID))
		log.Info("task completed")
		o.notePhaseProgress(snap, taskID)
		o.enqueueCommit(taskID, description, files, res.Artifacts)

	default:
		reason := "agent reported failure"
		if runErr != nil {
			reason = runErr.Error()
		} else if res != nil && res.Error != "" {
			reason = res.Error
		}
		o.recordFailure(taskID, reason, log)
	}

	o.mu.Lock()
	if len(o.inflight) == 0 && o.state == StatePausing {
		o.state = StatePaused
		o.logger.Info("paused")
	}
	o.mu.Unlock()
	o.signal()
}

// recordFailure bumps the retry count and either requeues the task or
// fails it terminally once the budget is spent.
func (o *Orchestrator) recordFailure(taskID, reason string, log *logging.Logger) {
	now := time.Now().UTC()
	var terminal bool
	var retries int
	snap, err := o.store.Mutate(o.planID, func(snap *status.Snapshot) error {
		ts := snap.Tasks[taskID]
		ts.RetryCount++
		ts.LastError = reason
		retries = ts.RetryCount
		if ts.RetryCount >= o.maxRetries() {
			ts.Status = status.TaskFailed
			ts.CompletedAt = &now
			terminal = true
		} else {
			ts.Status = status.TaskPending
			ts.StartedAt = nil
		}
		return nil
	})
	if err != nil {
		log.Error("record failure failed", "error", err)
		return
	}

	if terminal {
		o.mu.Lock()
		o.failedSet[taskID] = true
		o.mu.Unlock()
		o.bus.Emit(event.NewTaskFailed(taskID, reason, retries))
		log.Error("task failed terminally", "retries", retries, "error", reason)
		o.notePhaseProgress(snap, taskID)
	} else {
		o.bus.Emit(event.NewTaskRetrying(taskID, reason, retries))
		log.Warn("task will retry", "retries", retries, "error", reason)
	}
}

func (o *Orchestrator) maxRetries() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cfg.MaxRetries
}

func (o *Orchestrator) enqueueCommit(taskID, description string, files, artifacts []string) {
	o.mu.Lock()
	commitOn := o.cfg.CommitOnSuccess
	o.mu.Unlock()
	if !commitOn || o.commits == nil {
		return
	}
	paths := files
	if len(artifacts) > 0 {
		paths = artifacts
	}
	message := "task " + taskID + ": " + description
	if _, err := o.commits.Enqueue(message, paths); err != nil {
		o.logger.WithTask(taskID).Error("commit enqueue failed", "error", err)
	}
}

// checkStuck flags tasks past their expected duration and applies the
// configured action once the grace period lapses. The flag itself never
// changes task status.
func (o *Orchestrator) checkStuck() {
	now := time.Now()

	o.mu.Lock()
	var flagged []string
	var expired []string
	for id, t := range o.inflight {
		if !t.flagged && now.After(t.deadline) {
			t.flagged = true
			t.stuckSince = now
			flagged = append(flagged, id)
			continue
		}
		if t.flagged && now.After(t.stuckSince.Add(o.cfg.GracePeriod)) {
			expired = append(expired, id)
		}
	}
	action := o.cfg.OnStuck
	for _, id := range expired {
		t := o.inflight[id]
		switch action {
		case StuckExtend:
			t.deadline = now.Add(o.cfg.ExpectedTaskDuration)
			t.flagged = false
		case StuckSkip:
			o.actions[id] = actionSkip
			t.cancel()
		case StuckRetry:
			o.actions[id] = actionRetry
			t.cancel()
		}
	}
	durations := make(map[string]time.Duration, len(flagged))
	for _, id := range flagged {
		durations[id] = now.Sub(o.inflight[id].startedAt)
	}
	o.mu.Unlock()

	for _, id := range flagged {
		o.bus.Emit(event.NewTaskStuck(id, durations[id].Round(time.Second)))
		o.logger.WithTask(id).Warn("task exceeded expected duration",
			"running_for", durations[id].Round(time.Second))
	}
	for _, id := range expired {
		o.logger.WithTask(id).Warn("stuck grace period expired", "action", action)
	}
}

// noteBlocked emits constraint.applied when a candidate's blocked reason
// appears or changes, not on every tick.
func (o *Orchestrator) noteBlocked(blocked map[string]string) {
	o.mu.Lock()
	changed := make(map[string]string)
	for id, reason := range blocked {
		if o.lastBlocked[id] != reason {
			changed[id] = reason
		}
	}
	o.lastBlocked = blocked
	o.mu.Unlock()

	for id, reason := range changed {
		kind := "sequential"
		if strings.HasPrefix(reason, "fileConflict") {
			kind = "fileConflict"
		}
		o.bus.Emit(event.NewConstraintApplied(kind, id, reason))
	}
}

// notePhaseProgress emits phase.completed the first time every task in
// the terminal task's phase is done.
func (o *Orchestrator) notePhaseProgress(snap *status.Snapshot, taskID string) {
	phase, _ := plan.SplitID(taskID)

	o.mu.Lock()
	if o.phasesDone[phase] || !snap.PhaseComplete(phase) {
		o.mu.Unlock()
		return
	}
	o.phasesDone[phase] = true
	o.mu.Unlock()

	o.bus.Emit(event.NewPhaseCompleted(phase))
	o.logger.Info("phase completed", "phase", phase)
}

// finalize closes out the run record and stops the loop.
func (o *Orchestrator) finalize() {
	o.mu.Lock()
	if o.state == StateStopped {
		o.mu.Unlock()
		return
	}
	o.state = StateStopped
	runID := o.runID
	attempted := o.attempted
	failed := len(o.failedSet)
	cancel := o.cancel
	o.mu.Unlock()

	now := time.Now().UTC()
	if _, err := o.store.Mutate(o.planID, func(snap *status.Snapshot) error {
		for i := len(snap.Runs) - 1; i >= 0; i-- {
			if snap.Runs[i].RunID == runID {
				snap.Runs[i].CompletedAt = &now
				snap.Runs[i].TasksAttempted = attempted
				snap.Runs[i].TasksFailed = failed
				break
			}
		}
		return nil
	}); err != nil {
		o.logger.Error("finalize run record failed", "error", err)
	}

	o.bus.Emit(event.NewRunCompleted(runID, attempted, failed))
	o.logger.Info("run completed", "attempted", attempted, "failed", failed)
	if cancel != nil {
		cancel()
	}
}
