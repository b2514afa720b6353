package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/job"
)

var checkCmd = &cobra.Command{
	Use:   "check <job.yaml>",
	Short: "Validate a job file without running it",
	Long: `Check parses a YAML job file, validates its dependency graph, and
prints the dependency-respecting dispatch order without running
anything.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	j, err := loadJobFile(args[0])
	if err != nil {
		return err
	}
	if err := job.Validate(j); err != nil {
		return fmt.Errorf("invalid job: %w", err)
	}

	order := job.DependencyOrder(j)
	fmt.Printf("Job %s: %d subtasks, valid\n", j.ID, len(j.SubTasks))
	fmt.Printf("  dependency order: %s\n", strings.Join(order, " -> "))
	return nil
}
