package cmd

import (
	"fmt"
	"strings"

	"github.com/Iron-Ham/orchard/internal/plan"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate <plan-file>",
	Short: "Validate a plan file and show its execution groups",
	Long: `Validate parses a plan file, checks task references and dependency
acyclicity, and prints the waves of tasks that could run concurrently.`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	spec, err := plan.LoadSpec(args[0])
	if err != nil {
		return err
	}

	graph, err := plan.BuildGraph(spec.Tasks)
	if err != nil {
		return err
	}

	fmt.Printf("Plan %s: %d tasks, %d phases\n", spec.ID, spec.TaskCount(), len(spec.PhaseOrder()))
	if spec.Objective != "" {
		fmt.Printf("Objective: %s\n", spec.Objective)
	}

	for i, group := range graph.ExecutionGroups() {
		fmt.Printf("  wave %d: %s\n", i+1, strings.Join(group, ", "))
	}

	if seq := spec.SequentialGroups(); len(seq) > 0 {
		fmt.Println("Sequential groups:")
		for name, members := range seq {
			fmt.Printf("  %s: %s\n", name, strings.Join(members, ", "))
		}
	}

	fmt.Println("Plan is valid")
	return nil
}
