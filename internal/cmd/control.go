package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/Iron-Ham/orchard/internal/config"
	"github.com/Iron-Ham/orchard/internal/ipc"
	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Pause the active run",
	Long: `Pause stops dispatching new tasks. Tasks already in flight run to
completion; the run then sits paused until resumed.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			if err := c.Pause(ctx); err != nil {
				return err
			}
			fmt.Println("Run pausing; in-flight tasks will drain")
			return nil
		})
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume a paused run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			if err := c.Resume(ctx); err != nil {
				return err
			}
			fmt.Println("Run resumed")
			return nil
		})
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel the active run",
	Long: `Cancel stops dispatching and waits for in-flight tasks to finish,
then ends the run. Completed work is kept; unfinished tasks stay pending.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			if err := c.Cancel(ctx); err != nil {
				return err
			}
			fmt.Println("Run cancelling")
			return nil
		})
	},
}

var batchCmd = &cobra.Command{
	Use:   "batch <size>",
	Short: "Change the batch size of the active run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid batch size %q", args[0])
		}
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			if err := c.SetBatchSize(ctx, n); err != nil {
				return err
			}
			fmt.Printf("Batch size set to %d\n", n)
			return nil
		})
	},
}

var retryCmd = &cobra.Command{
	Use:   "retry <task-id>",
	Short: "Return a failed task to pending",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			if err := c.RetryTask(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Task %s queued for retry\n", args[0])
			return nil
		})
	},
}

var skipReason string

var skipCmd = &cobra.Command{
	Use:   "skip <task-id>",
	Short: "Skip a pending or failed task",
	Long: `Skip marks a task skipped. Skipped tasks satisfy their dependents,
so skipping a failed task unblocks everything behind it.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(cmd, func(ctx context.Context, c *ipc.Client) error {
			if err := c.SkipTask(ctx, args[0], skipReason); err != nil {
				return err
			}
			fmt.Printf("Task %s skipped\n", args[0])
			return nil
		})
	},
}

func init() {
	skipCmd.Flags().StringVar(&skipReason, "reason", "operator skip", "reason recorded with the skip")
	rootCmd.AddCommand(pauseCmd, resumeCmd, cancelCmd, batchCmd, retryCmd, skipCmd)
}

// withClient dials the control socket of the active run and invokes fn
// with a bounded context.
func withClient(cmd *cobra.Command, fn func(context.Context, *ipc.Client) error) error {
	cfg := config.Get()
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	client, err := ipc.Dial(cfg.Paths.ResolveSocket(cwd))
	if err != nil {
		return fmt.Errorf("no active run (cannot reach control socket): %w", err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), controlTimeout)
	defer cancel()
	return fn(ctx, client)
}
