package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/orchard/internal/config"
	"github.com/spf13/cobra"
)

const starterConfig = `# Orchard configuration. All values shown are the defaults.

orchestrator:
  batch_size: 3
  max_retries: 3
  tick_interval_ms: 1000
  expected_task_duration_minutes: 10
  grace_period_minutes: 2
  # What to do with a task that exceeds its grace period: extend, skip, retry
  on_stuck: extend
  # What to do when a run starts over a dirty tree: autoStash, abort
  on_uncommitted_changes: autoStash

commit:
  on_success: true

agent:
  # Executable invoked per task; the task ID and description are appended
  # as the final two arguments.
  command: ""
  args: []

watcher:
  enabled: true
  ignore_patterns: []

logging:
  enabled: true
  level: info
  max_size_mb: 10
  max_backups: 3

paths:
  state_dir: ""
  socket: ""
`

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Orchard in the current working copy",
	Long: `Initialize Orchard in the current working copy.
This creates the state directory and writes a starter config file with
the default settings, ready to edit.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	cfg := config.Get()
	stateDir := cfg.Paths.ResolveStateDir(cwd)
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	cfgPath := filepath.Join(stateDir, "config.yaml")
	if _, err := os.Stat(cfgPath); err == nil {
		fmt.Printf("Config already exists at %s\n", cfgPath)
		return nil
	}

	if err := os.WriteFile(cfgPath, []byte(starterConfig), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Println("Orchard initialized successfully!")
	fmt.Printf("State directory: %s\n", stateDir)
	fmt.Printf("Config file: %s\n", cfgPath)
	return nil
}
