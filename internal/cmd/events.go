package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/orchard/internal/config"
	"github.com/Iron-Ham/orchard/internal/event"
	"github.com/Iron-Ham/orchard/internal/plan"
	"github.com/Iron-Ham/orchard/internal/status"
	"github.com/Iron-Ham/orchard/internal/util"
	"github.com/spf13/cobra"
)

var eventsCmd = &cobra.Command{
	Use:   "events <plan-id>",
	Short: "Show the durable event log for a plan",
	Args:  cobra.ExactArgs(1),
	RunE:  runEvents,
}

var (
	eventsType  string
	eventsAfter uint64
	eventsTail  int
)

func init() {
	eventsCmd.Flags().StringVar(&eventsType, "type", "", "only show events of this type (e.g. task.failed)")
	eventsCmd.Flags().Uint64Var(&eventsAfter, "after", 0, "only show events with an ID greater than this")
	eventsCmd.Flags().IntVar(&eventsTail, "tail", 0, "only show the last N events")
	rootCmd.AddCommand(eventsCmd, replayCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	store := status.NewStore(cfg.Paths.ResolveStateDir(cwd))
	events, err := event.ReadLog(filepath.Join(store.PlanDir(args[0]), "events.jsonl"))
	if err != nil {
		return err
	}

	if eventsAfter > 0 {
		events = event.FilterAfter(events, eventsAfter)
	}
	if eventsType != "" {
		events = event.FilterByType(events, event.Type(eventsType))
	}
	if eventsTail > 0 && len(events) > eventsTail {
		events = events[len(events)-eventsTail:]
	}

	for _, e := range events {
		line := fmt.Sprintf("%6d  %s  %-18s", e.ID, e.Timestamp.Format("15:04:05"), e.Type)
		if taskID := e.TaskID(); taskID != "" {
			line += "  " + taskID
		}
		if reason := e.PayloadString("reason"); reason != "" {
			line += "  " + reason
		}
		fmt.Println(line)
	}
	return nil
}

var replayCmd = &cobra.Command{
	Use:   "replay <plan-file>",
	Short: "Reconstruct plan state from the event log",
	Long: `Replay builds a fresh snapshot from the plan file and folds the
durable event log over it, then prints the reconstructed task states.
Useful for auditing a run or recovering from a damaged snapshot.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	spec, err := plan.LoadSpec(args[0])
	if err != nil {
		return err
	}

	store := status.NewStore(cfg.Paths.ResolveStateDir(cwd))
	events, err := event.ReadLog(filepath.Join(store.PlanDir(spec.ID), "events.jsonl"))
	if err != nil {
		return err
	}

	initial := status.NewSnapshot(spec.ID, spec.Tasks, spec.PhaseOrder())
	snap := status.Replay(initial, events)

	counts := snap.Counts()
	fmt.Printf("Plan %s reconstructed from %d events\n", snap.PlanID, len(events))
	fmt.Printf("Tasks: %d total, %d completed, %d in progress, %d pending, %d failed, %d skipped\n",
		counts.Total, counts.Completed, counts.InProgress,
		counts.Pending, counts.Failed, counts.Skipped)

	for _, id := range snap.OrderedTaskIDs() {
		ts := snap.Tasks[id]
		fmt.Printf("  [%s] %-12s %s\n", id, ts.Status, util.TruncateString(ts.Description, 72))
	}
	return nil
}
