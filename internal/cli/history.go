package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/swamp-dev/agentboard/internal/journal"
)

var (
	historyLimit  int
	historyExport string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show finished task executions",
	Long: `History lists finished executions, newest first, including tasks
held for review.

Examples:
  agentboard history
  agentboard history --limit 50
  agentboard history --export HISTORY.md`,
	RunE: runHistory,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of entries")
	historyCmd.Flags().StringVar(&historyExport, "export", "", "write the history as markdown to this file")
}

func runHistory(cmd *cobra.Command, args []string) error {
	if historyLimit <= 0 {
		return fmt.Errorf("--limit must be positive")
	}

	sup, err := openSupervisor()
	if err != nil {
		return err
	}
	defer sup.Close(context.Background())

	entries, err := sup.History(context.Background(), historyLimit)
	if err != nil {
		return err
	}

	if historyExport != "" {
		doc := journal.ExportMarkdown(entries)
		if err := renameio.WriteFile(historyExport, []byte(doc), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", historyExport, err)
		}
		fmt.Printf("✓ Exported %d entries to %s\n", len(entries), historyExport)
		return nil
	}

	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "No executions recorded.")
		return nil
	}
	for _, e := range entries {
		fmt.Println(journal.RenderEntry(e))
	}
	return nil
}
