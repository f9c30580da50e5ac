package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/swamp-dev/agentboard/internal/config"
	"github.com/swamp-dev/agentboard/internal/taskdb"
)

const exampleTaskFile = "tasks.yaml"

var (
	initName    string
	initSandbox string
	initAgent   string
	initForce   bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize a project with an agentboard config and example tasks",
	Long: `Initialize creates the files needed to run agentboard in a project:

- agentboard.yaml - configuration file
- tasks.yaml      - example task board to import

Examples:
  agentboard init
  agentboard init --sandbox docker --agent aider
  agentboard init --name my-project --force`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVarP(&initName, "name", "n", "", "project name (defaults to directory name)")
	initCmd.Flags().StringVar(&initSandbox, "sandbox", "local", "agent sandbox (local, docker, dry-run)")
	initCmd.Flags().StringVar(&initAgent, "agent", "claude", "default agent (claude, amp, aider)")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "overwrite existing files")
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("getting current directory: %w", err)
	}
	if initName == "" {
		initName = filepath.Base(cwd)
	}

	logger.Info("initializing agentboard project", "name", initName, "sandbox", initSandbox)

	if err := createConfigFile(cwd); err != nil {
		return err
	}
	if err := createTaskFile(cwd); err != nil {
		return err
	}

	fmt.Printf("\n✓ Initialized agentboard project: %s\n", initName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit tasks.yaml to describe your work")
	fmt.Println("  2. Run 'agentboard tasks import tasks.yaml'")
	fmt.Println("  3. Run 'agentboard plan' to check the order")
	fmt.Println("  4. Run 'agentboard serve --start' to begin dispatching")
	return nil
}

func skipExisting(path string) bool {
	if initForce {
		return false
	}
	if _, err := os.Stat(path); err == nil {
		logger.Info("file already exists, skipping", "path", filepath.Base(path))
		return true
	}
	return false
}

func createConfigFile(dir string) error {
	path := filepath.Join(dir, config.FileName)
	if skipExisting(path) {
		return nil
	}

	cfg := config.DefaultConfig()
	cfg.Project.Name = initName
	cfg.Agent.Sandbox = initSandbox
	cfg.Agent.Default = initAgent
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.Save(path); err != nil {
		return fmt.Errorf("creating config file: %w", err)
	}
	logger.Info("created " + config.FileName)
	return nil
}

func createTaskFile(dir string) error {
	path := filepath.Join(dir, exampleTaskFile)
	if skipExisting(path) {
		return nil
	}
	if err := taskdb.SaveFile(path, exampleTasks()); err != nil {
		return err
	}
	logger.Info("created " + exampleTaskFile)
	return nil
}

func exampleTasks() []*taskdb.Task {
	return []*taskdb.Task{
		{
			ID:                 "setup",
			Name:               "Set up project structure",
			Description:        "Create the initial directory layout and a README.",
			Status:             taskdb.StatusReady,
			Priority:           1,
			AcceptanceCriteria: []string{"file:README.md"},
		},
		{
			ID:                 "tests",
			Name:               "Add a test harness",
			Description:        "Add a test runner and one passing test.",
			Status:             taskdb.StatusReady,
			Priority:           2,
			DependsOn:          []string{"setup"},
			AcceptanceCriteria: []string{"cmd:npm test"},
		},
		{
			ID:           "docs",
			Name:         "Document the API",
			Description:  "Describe the public API in docs/api.md.",
			Status:       taskdb.StatusDraft,
			DependsOn:    []string{"setup"},
			RollbackPlan: "git checkout -- docs",
		},
	}
}
