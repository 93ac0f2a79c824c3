package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/Iron-Ham/orchard/internal/config"
	"github.com/Iron-Ham/orchard/internal/ipc"
	"github.com/Iron-Ham/orchard/internal/status"
	"github.com/Iron-Ham/orchard/internal/util"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status [plan-id]",
	Short: "Show run status",
	Long: `Status asks a live run over its control socket. If no run is active
and a plan ID is given, the last persisted snapshot is shown instead.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	client, err := ipc.Dial(cfg.Paths.ResolveSocket(cwd))
	if err == nil {
		defer client.Close()
		ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
		defer cancel()

		st, err := client.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Plan: %s\n", st.PlanID)
		fmt.Printf("State: %s\n", st.State)
		fmt.Printf("Batch size: %d\n", st.BatchSize)
		fmt.Printf("Tasks: %d total, %d completed, %d in progress, %d pending, %d failed, %d skipped\n",
			st.Counts.Total, st.Counts.Completed, st.Counts.InProgress,
			st.Counts.Pending, st.Counts.Failed, st.Counts.Skipped)
		if len(st.InFlight) > 0 {
			fmt.Printf("In flight: %s\n", strings.Join(st.InFlight, ", "))
		}
		return nil
	}

	if len(args) == 0 {
		fmt.Println("No active run")
		return nil
	}
	return printSnapshot(cfg, cwd, args[0])
}

func printSnapshot(cfg *config.Config, cwd, planID string) error {
	store := status.NewStore(cfg.Paths.ResolveStateDir(cwd))
	snap, err := store.Load(planID)
	if err != nil {
		return err
	}

	counts := snap.Counts()
	fmt.Printf("Plan: %s (no active run)\n", snap.PlanID)
	fmt.Printf("Tasks: %d total, %d completed, %d in progress, %d pending, %d failed, %d skipped\n",
		counts.Total, counts.Completed, counts.InProgress,
		counts.Pending, counts.Failed, counts.Skipped)

	for _, id := range snap.OrderedTaskIDs() {
		ts := snap.Tasks[id]
		line := fmt.Sprintf("  [%s] %-12s %s", id, ts.Status, util.TruncateString(ts.Description, 72))
		if ts.RetryCount > 0 {
			line += fmt.Sprintf(" (retries: %d)", ts.RetryCount)
		}
		fmt.Println(line)
	}
	return nil
}
