package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iron-Ham/orchard/internal/agent"
	"github.com/Iron-Ham/orchard/internal/commitqueue"
	"github.com/Iron-Ham/orchard/internal/config"
	"github.com/Iron-Ham/orchard/internal/conflict"
	"github.com/Iron-Ham/orchard/internal/errors"
	"github.com/Iron-Ham/orchard/internal/event"
	"github.com/Iron-Ham/orchard/internal/ipc"
	"github.com/Iron-Ham/orchard/internal/logging"
	"github.com/Iron-Ham/orchard/internal/orchestrator"
	"github.com/Iron-Ham/orchard/internal/plan"
	"github.com/Iron-Ham/orchard/internal/status"
	"github.com/Iron-Ham/orchard/internal/vcs"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run <plan-file>",
	Short: "Execute a plan against the current working copy",
	Long: `Run loads a plan file, validates its dependency graph, and executes
the tasks with the configured agent command. Progress persists under the
state directory, so an interrupted run can be resumed by running the same
plan again. A control socket is opened for the duration of the run; use
the status, pause, resume, cancel, retry and skip commands against it.`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

var (
	runBatchSize    int
	runAgentCommand string
	runNoWatch      bool
)

func init() {
	runCmd.Flags().IntVar(&runBatchSize, "batch-size", 0, "override orchestrator.batch_size")
	runCmd.Flags().StringVar(&runAgentCommand, "agent", "", "agent command invoked per task (overrides agent.command)")
	runCmd.Flags().BoolVar(&runNoWatch, "no-watch", false, "disable the filesystem conflict watcher")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	spec, err := plan.LoadSpec(args[0])
	if err != nil {
		return err
	}
	if _, err := plan.BuildGraph(spec.Tasks); err != nil {
		return err
	}

	agentCommand := cfg.Agent.Command
	if runAgentCommand != "" {
		agentCommand = runAgentCommand
	}
	if agentCommand == "" {
		return errors.NewValidationError("no agent command configured; set agent.command or pass --agent")
	}

	stateDir := cfg.Paths.ResolveStateDir(cwd)
	store := status.NewStore(stateDir)
	planDir := store.PlanDir(spec.ID)
	if err := os.MkdirAll(planDir, 0o755); err != nil {
		return err
	}

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(planDir, cfg.Logging.Level)
		if err != nil {
			return err
		}
		defer logger.Close()
	}

	// Fresh plans start pending; an existing snapshot means we resume.
	if store.Exists(spec.ID) {
		if _, err := store.Load(spec.ID); err != nil {
			return err
		}
		fmt.Printf("Resuming plan %s\n", spec.ID)
	} else {
		if _, err := store.Init(spec.ID, spec.Tasks, spec.PhaseOrder()); err != nil {
			return err
		}
	}

	bus, err := event.NewBus(filepath.Join(planDir, "events.jsonl"), logger)
	if err != nil {
		return err
	}
	defer bus.Close()

	git := vcs.NewGit(cwd)
	queue, err := commitqueue.New(planDir, git, bus, logger)
	if err != nil {
		return err
	}
	if err := queue.Resume(cmd.Context()); err != nil {
		return err
	}
	queue.Start()
	defer queue.Close()

	runner := agent.NewExecRunner(agentCommand, cfg.Agent.Args, cwd, logger)

	orch := orchestrator.New(store, bus, runner, spec, orchestratorConfig(cfg), logger).
		WithWorkingTree(git).
		WithCommitQueue(queue)

	if !runNoWatch && cfg.Watcher.Enabled {
		watcher, err := conflict.New(cwd, bus, logger, cfg.Watcher.IgnorePatterns)
		if err != nil {
			return err
		}
		watcher.Start()
		defer watcher.Stop()
		orch = orch.WithClaimTracker(watcher)
	}

	server, err := ipc.NewServer(cfg.Paths.ResolveSocket(cwd), orch, logger)
	if err != nil {
		return err
	}
	server.Start()
	defer server.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		_ = orch.Cancel()
	}()

	if err := orch.Start(context.Background()); err != nil {
		return err
	}
	orch.Wait()

	// Commits trail task completion; give the queue a chance to land
	// them before exiting. Anything left persists and is resumed by the
	// next run.
	drainDeadline := time.Now().Add(30 * time.Second)
	for unfinishedCommits(queue) > 0 && time.Now().Before(drainDeadline) {
		time.Sleep(100 * time.Millisecond)
	}
	if n := unfinishedCommits(queue); n > 0 {
		fmt.Printf("Warning: %d commit(s) still queued; they will be resumed on the next run\n", n)
	}

	return printRunSummary(orch)
}

func orchestratorConfig(cfg *config.Config) orchestrator.Config {
	oc := orchestrator.Config{
		BatchSize:            cfg.Orchestrator.BatchSize,
		MaxRetries:           cfg.Orchestrator.MaxRetries,
		TickInterval:         cfg.Orchestrator.TickInterval(),
		ExpectedTaskDuration: cfg.Orchestrator.ExpectedTaskDuration(),
		GracePeriod:          cfg.Orchestrator.GracePeriod(),
		OnStuck:              orchestrator.StuckAction(cfg.Orchestrator.OnStuck),
		OnUncommittedChanges: orchestrator.UncommittedPolicy(cfg.Orchestrator.OnUncommittedChanges),
		CommitOnSuccess:      cfg.Commit.OnSuccess,
	}
	if runBatchSize > 0 {
		oc.BatchSize = runBatchSize
	}
	return oc
}

// unfinishedCommits counts queue entries still pending or committing;
// failed entries stay persisted for inspection and do not hold up exit.
func unfinishedCommits(queue *commitqueue.Queue) int {
	n := 0
	for _, e := range queue.Entries() {
		if e.Status != commitqueue.EntryFailed {
			n++
		}
	}
	return n
}

func printRunSummary(orch *orchestrator.Orchestrator) error {
	st, err := orch.Status()
	if err != nil {
		return err
	}

	fmt.Printf("\nPlan %s finished: %d completed, %d failed, %d skipped, %d pending\n",
		st.PlanID, st.Counts.Completed, st.Counts.Failed, st.Counts.Skipped, st.Counts.Pending)

	if st.Counts.Failed > 0 {
		return fmt.Errorf("%d task(s) failed", st.Counts.Failed)
	}
	if st.Counts.Pending > 0 {
		return fmt.Errorf("%d task(s) could not run; check their dependencies", st.Counts.Pending)
	}
	return nil
}

// controlTimeout bounds client-side control calls.
const controlTimeout = 10 * time.Second
