package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/swamp-dev/agentboard/internal/dispatch"
	"github.com/swamp-dev/agentboard/internal/governance"
	"github.com/swamp-dev/agentboard/internal/supervisor"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show board, loop and governance state",
	Long: `Status reads the persisted board and governance state. It does not
start the dispatch loop.

It shows:
- Task counts by status and overall completion
- The persisted loop state (running, dispatch mode, intervals)
- Circuit breaker state and per-agent trust scores

Examples:
  agentboard status
  agentboard status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output in JSON format")
}

// statusReport is the JSON form of the status command.
type statusReport struct {
	Project  string                    `json:"project"`
	Progress float64                   `json:"progress"`
	Tasks    map[taskdb.TaskStatus]int `json:"tasks"`
	Total    int                       `json:"total"`
	Loop     *dispatch.DiskState       `json:"loop,omitempty"`
	Breaker  governance.Snapshot       `json:"breaker"`
	Trust    []governance.TrustProfile `json:"trust"`
	Next     *taskdb.Task              `json:"next,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	sup, err := openSupervisor()
	if err != nil {
		return err
	}
	defer sup.Close(context.Background())

	report, err := buildStatus(cmd.Context(), sup)
	if err != nil {
		return err
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printStatusText(report)
	return nil
}

func buildStatus(ctx context.Context, sup *supervisor.Supervisor) (*statusReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := sup.Config()
	stats, err := sup.Board().TaskStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading task stats: %w", err)
	}
	r := &statusReport{
		Project: cfg.Project.Name,
		Tasks:   stats,
		Breaker: sup.Dispatcher().Breaker().Snapshot(),
		Trust:   sup.Dispatcher().Trust().Profiles(),
	}
	for _, n := range stats {
		r.Total += n
	}
	if r.Total > 0 {
		r.Progress = float64(stats[taskdb.StatusDone]) / float64(r.Total) * 100
	}

	if cfg.Dispatch.StateFile != "" {
		path := cfg.Dispatch.StateFile
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.Project.Path, path)
		}
		state, ok, err := dispatch.LoadState(path)
		if err != nil {
			logger.Warn("could not read dispatch state", "error", err)
		} else if ok {
			r.Loop = &state
		}
	}

	ready, err := sup.Board().FetchReadyTasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading ready tasks: %w", err)
	}
	taskdb.SortByPriority(ready)
	if len(ready) > 0 {
		r.Next = ready[0]
	}
	return r, nil
}

func printStatusText(r *statusReport) {
	fmt.Printf("╔══════════════════════════════════════════════════════════════╗\n")
	fmt.Printf("║  AGENTBOARD STATUS                                           ║\n")
	fmt.Printf("╠══════════════════════════════════════════════════════════════╣\n")
	fmt.Printf("║  Project: %-51s ║\n", truncate(r.Project, 51))
	fmt.Printf("╠══════════════════════════════════════════════════════════════╣\n")

	fmt.Printf("║  Progress: %s %5.1f%% ║\n", renderProgressBar(r.Progress, 40), r.Progress)
	fmt.Printf("║                                                              ║\n")
	fmt.Printf("║  Tasks:                                                      ║\n")
	for _, s := range boardStatuses {
		label := fmt.Sprintf("%s %-12s %3d", statusIcon(s), string(s)+":", r.Tasks[s])
		fmt.Printf("║    %-58s ║\n", label)
	}
	fmt.Printf("║    ─────────────────                                         ║\n")
	fmt.Printf("║    Total:         %3d                                        ║\n", r.Total)
	fmt.Printf("╠══════════════════════════════════════════════════════════════╣\n")

	if r.Loop != nil {
		state := "stopped"
		if r.Loop.Enabled {
			state = "running"
		}
		mode := "off"
		if r.Loop.DispatchMode {
			mode = "on"
		}
		fmt.Printf("║  Loop: %-54s ║\n", fmt.Sprintf("%s, poll %s, %d/min, dispatch mode %s", state,
			time.Duration(r.Loop.PollIntervalMs)*time.Millisecond, r.Loop.MaxTasksPerMinute, mode))
	} else {
		fmt.Printf("║  Loop: %-54s ║\n", "never started")
	}
	fmt.Printf("║  Breaker: %-51s ║\n", fmt.Sprintf("%s (%d consecutive failures, %d trips)",
		r.Breaker.State, r.Breaker.ConsecutiveFailures, r.Breaker.TotalTrips))
	for _, p := range r.Trust {
		fmt.Printf("║    %-58s ║\n", fmt.Sprintf("%-8s trust %3d  %d ok / %d failed",
			p.AgentID, p.TrustScore, p.SuccessCount, p.FailureCount))
	}
	fmt.Printf("╠══════════════════════════════════════════════════════════════╣\n")

	switch {
	case r.Next != nil:
		fmt.Printf("║  Next Task:                                                  ║\n")
		fmt.Printf("║    ID: %-54s ║\n", truncate(r.Next.ID, 54))
		fmt.Printf("║    Name: %-52s ║\n", truncate(r.Next.Name, 52))
	case r.Total > 0 && r.Tasks[taskdb.StatusDone] == r.Total:
		fmt.Printf("║  ✓ All tasks completed!                                      ║\n")
	case r.Total == 0:
		fmt.Printf("║  No tasks yet. Run 'agentboard tasks import <file>'.         ║\n")
	default:
		fmt.Printf("║  ⚠ No ready tasks                                            ║\n")
	}
	fmt.Printf("╚══════════════════════════════════════════════════════════════╝\n")
}

func renderProgressBar(percent float64, width int) string {
	filled := int(percent / 100.0 * float64(width))
	if filled > width {
		filled = width
	}
	if filled < 0 {
		filled = 0
	}

	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return "[" + bar + "]"
}

var boardStatuses = []taskdb.TaskStatus{
	taskdb.StatusDone,
	taskdb.StatusInProgress,
	taskdb.StatusRunning,
	taskdb.StatusReview,
	taskdb.StatusReady,
	taskdb.StatusBlocked,
	taskdb.StatusDraft,
}

func statusIcon(status taskdb.TaskStatus) string {
	switch status {
	case taskdb.StatusDone:
		return "✓"
	case taskdb.StatusInProgress, taskdb.StatusRunning:
		return "▶"
	case taskdb.StatusReview:
		return "⏸"
	case taskdb.StatusBlocked:
		return "✗"
	case taskdb.StatusDraft:
		return "…"
	default:
		return "○"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
