package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/swamp-dev/agentboard/internal/taskdb"
	"github.com/swamp-dev/agentboard/internal/workflow"
)

var (
	planJSON       bool
	runMode        string
	runConcurrency int
)

var planCmd = &cobra.Command{
	Use:   "plan [task-id...]",
	Short: "Show the execution plan for tasks and their dependencies",
	Long: `Plan orders the given tasks (or every unfinished task) and their
unfinished dependencies into levels. Tasks on the same level may run in
parallel. Dependency cycles and unknown dependencies are reported.

Examples:
  agentboard plan
  agentboard plan deploy-api --json`,
	RunE: runPlan,
}

var runCmd = &cobra.Command{
	Use:   "run [task-id...]",
	Short: "Run tasks and their dependencies as a workflow",
	Long: `Run executes the given tasks (or every unfinished task) in dependency
order, in batches, through the same risk and breaker gates as the dispatch
loop. A failed task blocks its dependents.

Examples:
  agentboard run
  agentboard run build test --mode sequential
  agentboard run --concurrency 5`,
	RunE: runRun,
}

func init() {
	planCmd.Flags().BoolVar(&planJSON, "json", false, "output in JSON format")

	runCmd.Flags().StringVar(&runMode, "mode", "", "execution mode: parallel or sequential (default from config)")
	runCmd.Flags().IntVar(&runConcurrency, "concurrency", 0, "tasks per batch (default from config)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	sup, err := openSupervisor()
	if err != nil {
		return err
	}
	defer sup.Close(context.Background())

	plan, err := sup.PlanWorkflow(context.Background(), args)
	if err != nil {
		return err
	}

	if planJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(plan)
	}
	printPlan(plan)
	return nil
}

func printPlan(plan workflow.Summary) {
	if len(plan.Steps) == 0 && len(plan.Issues) == 0 {
		fmt.Println("Nothing to run.")
		return
	}

	fmt.Printf("Execution plan (%s, %d tasks)\n\n", plan.Mode, len(plan.Steps))
	for i, level := range plan.Levels {
		fmt.Printf("Level %d: %s\n", i, strings.Join(level, ", "))
	}
	fmt.Println()
	for _, s := range plan.Steps {
		deps := ""
		if len(s.Dependencies) > 0 {
			deps = " ← " + strings.Join(s.Dependencies, ", ")
		}
		fmt.Printf("  %2d. %s%s\n", s.Order, s.TaskID, deps)
	}
	if len(plan.Issues) > 0 {
		fmt.Println("\nIssues:")
		for _, issue := range plan.Issues {
			fmt.Printf("  ⚠ %s\n", issue)
		}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	mode := taskdb.ExecutionMode(runMode)
	switch mode {
	case "", taskdb.ModeParallel, taskdb.ModeSequential:
	default:
		return fmt.Errorf("invalid mode %q (must be parallel or sequential)", runMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup, err := openSupervisor()
	if err != nil {
		return err
	}
	defer sup.Close(context.Background())

	res, err := sup.RunWorkflow(ctx, workflow.Request{
		TaskIDs:     args,
		Mode:        mode,
		Concurrency: runConcurrency,
	})
	if res != nil {
		printBatchResult(res)
	}
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("workflow did not complete")
	}
	return nil
}

func printBatchResult(res *workflow.BatchResult) {
	fmt.Printf("\nWorkflow finished in %d batches\n", res.Batches)
	for _, id := range res.Completed {
		fmt.Printf("  ✓ %s\n", id)
	}
	failed := make([]string, 0, len(res.Failed))
	for id := range res.Failed {
		failed = append(failed, id)
	}
	sort.Strings(failed)
	for _, id := range failed {
		fmt.Printf("  ✗ %s: %s\n", id, truncate(res.Failed[id], 60))
	}
	for _, id := range res.Blocked {
		fmt.Printf("  ⊘ %s (blocked)\n", id)
	}
}
