package cli

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/swamp-dev/agentboard/internal/risk"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

var tasksStatus string

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Manage the task board",
	Long: `Tasks provides commands for loading and inspecting the task board.

Subcommands:
  import - Import tasks from a YAML or JSON file
  list   - List tasks on the board`,
}

var tasksImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import tasks from a YAML or JSON file",
	Long: `Import upserts every task in the file. The import is rejected when
the resulting board would contain a dependency cycle.

Examples:
  agentboard tasks import tasks.yaml
  agentboard tasks import backlog.json`,
	Args: cobra.ExactArgs(1),
	RunE: runTasksImport,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks on the board",
	RunE:  runTasksList,
}

func init() {
	tasksListCmd.Flags().StringVar(&tasksStatus, "status", "", "only show tasks with this status")

	tasksCmd.AddCommand(tasksImportCmd)
	tasksCmd.AddCommand(tasksListCmd)
}

func runTasksImport(cmd *cobra.Command, args []string) error {
	sup, err := openSupervisor()
	if err != nil {
		return err
	}
	defer sup.Close(context.Background())

	tasks, err := taskdb.LoadFile(args[0])
	if err != nil {
		return err
	}
	if err := sup.ImportTasks(context.Background(), tasks); err != nil {
		return err
	}
	fmt.Printf("✓ Imported %d tasks from %s\n", len(tasks), args[0])
	return nil
}

func runTasksList(cmd *cobra.Command, args []string) error {
	if tasksStatus != "" && !taskdb.TaskStatus(tasksStatus).Valid() {
		return fmt.Errorf("invalid status %q", tasksStatus)
	}

	sup, err := openSupervisor()
	if err != nil {
		return err
	}
	defer sup.Close(context.Background())

	tasks, err := sup.Tasks(context.Background())
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return errNoTasks
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tRISK\tAGENT\tDEPENDS ON\tNAME")
	for _, t := range tasks {
		if tasksStatus != "" && string(t.Status) != tasksStatus {
			continue
		}
		fmt.Fprintf(w, "%s\t%s %s\t%d\t%s\t%s\t%s\t%s\n",
			t.ID, statusIcon(t.Status), t.Status, t.EffectivePriority(), risk.Classify(t),
			t.Agent, strings.Join(t.DependsOn, ","), truncate(t.Name, 48))
	}
	return w.Flush()
}
