// Package orchestrator drives a plan to completion. It owns the run
// lifecycle: selecting ready tasks, dispatching them to the agent
// runner, recording outcomes through the status store, and emitting
// every state change on the event bus.
package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Iron-Ham/orchard/internal/agent"
	"github.com/Iron-Ham/orchard/internal/commitqueue"
	"github.com/Iron-Ham/orchard/internal/errors"
	"github.com/Iron-Ham/orchard/internal/event"
	"github.com/Iron-Ham/orchard/internal/logging"
	"github.com/Iron-Ham/orchard/internal/plan"
	"github.com/Iron-Ham/orchard/internal/status"
)

// State is the run lifecycle state.
type State string

const (
	// StateIdle means no run has started.
	StateIdle State = "idle"

	// StateRunning means the loop is dispatching ready tasks.
	StateRunning State = "running"

	// StatePausing means no new dispatch occurs; in-flight tasks are
	// draining toward StatePaused.
	StatePausing State = "pausing"

	// StatePaused means the loop is idle until Resume.
	StatePaused State = "paused"

	// StateCancelling means the run is draining toward StateStopped.
	StateCancelling State = "cancelling"

	// StateStopped is terminal for this orchestrator instance.
	StateStopped State = "stopped"
)

// String returns the string representation of the state.
func (s State) String() string {
	return string(s)
}

// StuckAction is what the loop does once a stuck task exhausts its
// grace period.
type StuckAction string

const (
	// StuckExtend grants the task another expected-duration window.
	StuckExtend StuckAction = "extend"

	// StuckSkip cancels the task and marks it skipped.
	StuckSkip StuckAction = "skip"

	// StuckRetry cancels the task and returns it to pending.
	StuckRetry StuckAction = "retry"
)

// UncommittedPolicy decides what Start does with a dirty working tree.
type UncommittedPolicy string

const (
	// PolicyAutoStash stashes uncommitted changes and proceeds.
	PolicyAutoStash UncommittedPolicy = "autoStash"

	// PolicyAbort refuses to start on a dirty tree.
	PolicyAbort UncommittedPolicy = "abort"
)

// Config tunes one orchestration run.
type Config struct {
	// BatchSize caps concurrently running tasks.
	BatchSize int

	// MaxRetries is the attempt budget per task. A task whose retry
	// count reaches this value fails terminally.
	MaxRetries int

	// TickInterval is how often the loop re-evaluates readiness.
	TickInterval time.Duration

	// ExpectedTaskDuration flags a task stuck after this long in
	// progress, unless the task declares its own expectation.
	ExpectedTaskDuration time.Duration

	// GracePeriod is how long after the stuck flag the loop waits
	// before applying OnStuck.
	GracePeriod time.Duration

	// OnStuck is applied when the grace period lapses.
	OnStuck StuckAction

	// OnUncommittedChanges governs Start on a dirty tree.
	OnUncommittedChanges UncommittedPolicy

	// CommitOnSuccess enqueues a commit for each completed task.
	CommitOnSuccess bool
}

// DefaultConfig returns the standard run configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:            3,
		MaxRetries:           3,
		TickInterval:         time.Second,
		ExpectedTaskDuration: 10 * time.Minute,
		GracePeriod:          2 * time.Minute,
		OnStuck:              StuckExtend,
		OnUncommittedChanges: PolicyAutoStash,
		CommitOnSuccess:      true,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.ExpectedTaskDuration <= 0 {
		c.ExpectedTaskDuration = d.ExpectedTaskDuration
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = d.GracePeriod
	}
	if c.OnStuck == "" {
		c.OnStuck = d.OnStuck
	}
	if c.OnUncommittedChanges == "" {
		c.OnUncommittedChanges = d.OnUncommittedChanges
	}
	return c
}

// WorkingTree is the subset of version control the orchestrator needs at
// start time. *vcs.Git satisfies it.
type WorkingTree interface {
	HasUncommittedChanges(ctx context.Context) (bool, error)
	Stash(ctx context.Context, label string) error
}

// CommitEnqueuer accepts commit requests for completed tasks.
// *commitqueue.Queue satisfies it.
type CommitEnqueuer interface {
	Enqueue(message string, files []string) (<-chan commitqueue.Result, error)
}

// ClaimTracker mirrors dispatched tasks' file claims into the conflict
// watcher. *conflict.Watcher satisfies it.
type ClaimTracker interface {
	Track(taskID string, files []string)
	Untrack(taskID string)
}

// Orchestrator runs one plan. Construct with New, drive with Start, and
// control with Pause/Resume/Cancel; a stopped orchestrator is not
// reusable.
type Orchestrator struct {
	store   *status.Store
	bus     *event.Bus
	runner  agent.Runner
	commits CommitEnqueuer
	tree    WorkingTree
	tracker ClaimTracker
	logger  *logging.Logger

	planID string
	spec   *plan.Spec
	groups map[string][]string

	mu                 sync.Mutex
	cfg                Config
	state              State
	runID              string
	inflight           map[string]*inflightTask
	attempted          int
	failedSet          map[string]bool
	phasesDone         map[int]bool
	actions            map[string]pendingAction
	lastBlocked        map[string]string
	overrideSequential bool

	wake    chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc
}

type inflightTask struct {
	startedAt  time.Time
	deadline   time.Time
	stuckSince time.Time
	flagged    bool
	cancel     context.CancelFunc
}

// New wires an orchestrator for one plan. tree, commits, and tracker may
// be nil, disabling the start policy, per-task commits, and live
// conflict tracking respectively.
func New(store *status.Store, bus *event.Bus, runner agent.Runner, spec *plan.Spec, cfg Config, logger *logging.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Orchestrator{
		store:       store,
		bus:         bus,
		runner:      runner,
		planID:      spec.ID,
		spec:        spec,
		groups:      spec.SequentialGroups(),
		cfg:         cfg.normalized(),
		state:       StateIdle,
		inflight:    make(map[string]*inflightTask),
		failedSet:   make(map[string]bool),
		phasesDone:  make(map[int]bool),
		actions:     make(map[string]pendingAction),
		lastBlocked: make(map[string]string),
		wake:        make(chan struct{}, 1),
		stopped:     make(chan struct{}),
		logger:      logger.WithComponent("orchestrator").WithPlan(spec.ID),
	}
}

// WithWorkingTree attaches the version control collaborator used for the
// uncommitted-changes start policy.
func (o *Orchestrator) WithWorkingTree(tree WorkingTree) *Orchestrator {
	o.tree = tree
	return o
}

// WithCommitQueue attaches the serial commit queue.
func (o *Orchestrator) WithCommitQueue(commits CommitEnqueuer) *Orchestrator {
	o.commits = commits
	return o
}

// WithClaimTracker attaches the live conflict watcher.
func (o *Orchestrator) WithClaimTracker(tracker ClaimTracker) *Orchestrator {
	o.tracker = tracker
	return o
}

// Start applies the uncommitted-changes policy, records a new run, and
// launches the loop. It returns once the loop is running; Wait blocks
// until it stops.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.state != StateIdle {
		stopped := o.state == StateStopped
		o.mu.Unlock()
		if stopped {
			return errors.ErrNotRunning
		}
		return errors.ErrAlreadyRunning
	}
	o.state = StateRunning
	o.runID = uuid.NewString()
	runID := o.runID
	o.mu.Unlock()

	if err := o.applyStartPolicy(ctx); err != nil {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		return err
	}

	now := time.Now().UTC()
	if _, err := o.store.Mutate(o.planID, func(snap *status.Snapshot) error {
		snap.Runs = append(snap.Runs, status.RunRecord{RunID: runID, StartedAt: now})
		return nil
	}); err != nil {
		o.mu.Lock()
		o.state = StateIdle
		o.mu.Unlock()
		return err
	}

	o.bus.Emit(event.NewRunStarted(runID, o.planID))
	o.logger.Info("run started", "run_id", runID)

	loopCtx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	go o.loop(loopCtx)
	return nil
}

func (o *Orchestrator) applyStartPolicy(ctx context.Context) error {
	if o.tree == nil {
		return nil
	}
	dirty, err := o.tree.HasUncommittedChanges(ctx)
	if err != nil {
		return err
	}
	if !dirty {
		return nil
	}

	switch o.cfg.OnUncommittedChanges {
	case PolicyAbort:
		o.bus.Emit(event.NewPolicyApplied("uncommittedChanges", "abort"))
		return errors.NewValidationError("working tree has uncommitted changes")
	default:
		if err := o.tree.Stash(ctx, "orchard auto-stash before run"); err != nil {
			return err
		}
		o.bus.Emit(event.NewPolicyApplied("uncommittedChanges", "autoStash"))
		o.logger.Info("uncommitted changes stashed")
		return nil
	}
}

// Wait blocks until the run stops.
func (o *Orchestrator) Wait() {
	<-o.stopped
}

// Pause stops new dispatch. In-flight tasks run to completion; the state
// reaches paused once the last one reports.
func (o *Orchestrator) Pause() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateRunning:
		if len(o.inflight) == 0 {
			o.state = StatePaused
		} else {
			o.state = StatePausing
		}
		o.logger.Info("pause requested", "state", o.state, "inflight", len(o.inflight))
		return nil
	case StatePausing, StatePaused:
		return nil
	default:
		return errors.ErrNotRunning
	}
}

// Resume restarts dispatch after a pause.
func (o *Orchestrator) Resume() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StatePaused, StatePausing:
		o.state = StateRunning
		o.signal()
		o.logger.Info("resumed")
		return nil
	case StateRunning:
		return nil
	default:
		return errors.ErrNotRunning
	}
}

// Cancel ends the run cooperatively: no new dispatch, in-flight tasks
// finish and record their outcomes, then the loop stops.
func (o *Orchestrator) Cancel() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch o.state {
	case StateRunning, StatePausing, StatePaused:
		o.state = StateCancelling
		o.signal()
		o.logger.Info("cancel requested", "inflight", len(o.inflight))
		return nil
	case StateCancelling:
		return nil
	default:
		return errors.ErrNotRunning
	}
}

// SetBatchSize changes the dispatch cap for subsequent ticks.
func (o *Orchestrator) SetBatchSize(n int) error {
	if n <= 0 {
		return errors.NewValidationError("batch size must be positive").WithField("batchSize")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cfg.BatchSize = n
	o.signal()
	return nil
}

// SetIgnoreSequential toggles the operator override that disables
// sequential-group filtering. Each application is recorded as a
// constraint event.
func (o *Orchestrator) SetIgnoreSequential(ignore bool) {
	o.mu.Lock()
	o.overrideSequential = ignore
	o.signal()
	o.mu.Unlock()
	if ignore {
		o.bus.Emit(event.NewConstraintApplied("override", "", "sequential-group filtering disabled"))
	}
}

// RetryTask returns a terminally failed task to pending.
func (o *Orchestrator) RetryTask(taskID string) error {
	var retries int
	_, err := o.store.Mutate(o.planID, func(snap *status.Snapshot) error {
		ts := snap.Tasks[taskID]
		if ts == nil {
			return errors.NewNotFoundError("task", taskID)
		}
		if ts.Status != status.TaskFailed {
			return errors.NewValidationError(
				fmt.Sprintf("task is %s, only failed tasks can be retried", ts.Status)).WithTask(taskID)
		}
		ts.Status = status.TaskPending
		ts.StartedAt = nil
		ts.CompletedAt = nil
		retries = ts.RetryCount
		return nil
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.failedSet, taskID)
	o.signal()
	o.mu.Unlock()
	o.bus.Emit(event.NewTaskRetrying(taskID, "operator retry", retries))
	return nil
}

// SkipTask marks a pending or failed task skipped. Dependents treat the
// skip as satisfaction.
func (o *Orchestrator) SkipTask(taskID, reason string) error {
	now := time.Now().UTC()
	snap, err := o.store.Mutate(o.planID, func(snap *status.Snapshot) error {
		ts := snap.Tasks[taskID]
		if ts == nil {
			return errors.NewNotFoundError("task", taskID)
		}
		if ts.Status != status.TaskPending && ts.Status != status.TaskFailed {
			return errors.NewValidationError(
				fmt.Sprintf("task is %s and cannot be skipped", ts.Status)).WithTask(taskID)
		}
		ts.Status = status.TaskSkipped
		ts.CompletedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	o.mu.Lock()
	delete(o.failedSet, taskID)
	o.mu.Unlock()
	o.bus.Emit(event.NewTaskSkipped(taskID, reason))
	o.notePhaseProgress(snap, taskID)
	o.signal()
	return nil
}

// RunStatus is the control-surface view of the run.
type RunStatus struct {
	State     State         `json:"state"`
	PlanID    string        `json:"plan_id"`
	RunID     string        `json:"run_id,omitempty"`
	Counts    status.Counts `json:"counts"`
	InFlight  []string      `json:"in_flight,omitempty"`
	BatchSize int           `json:"batch_size"`
}

// Status reports the current run state and task counts.
func (o *Orchestrator) Status() (RunStatus, error) {
	snap, err := o.store.Load(o.planID)
	if err != nil {
		return RunStatus{}, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	rs := RunStatus{
		State:     o.state,
		PlanID:    o.planID,
		RunID:     o.runID,
		Counts:    snap.Counts(),
		BatchSize: o.cfg.BatchSize,
	}
	for id := range o.inflight {
		rs.InFlight = append(rs.InFlight, id)
	}
	sort.Slice(rs.InFlight, func(i, j int) bool {
		return plan.Less(rs.InFlight[i], rs.InFlight[j])
	})
	return rs, nil
}

// State returns the current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}
