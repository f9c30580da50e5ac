// Package agent adapts coding-agent CLIs to a common interface and executes
// tasks through them.
package agent

import (
	"fmt"
	"os"
	"strings"
)

// Agent defines the interface that all coding agent adapters implement.
type Agent interface {
	// Name returns the agent identifier.
	Name() string

	// Command returns the argv that runs the agent with a prompt. An empty
	// model leaves the agent's own default in place.
	Command(prompt, model string) []string

	// Environment returns the environment variables needed inside a sandbox.
	Environment() []string

	// Models returns the agent's model chain, primary first.
	Models() []string

	// ParseOutput extracts structured information from agent output.
	ParseOutput(output string) *Output
}

// Output contains parsed information from an agent's execution.
type Output struct {
	Success   bool
	Completed bool
	Message   string
	Files     []string
}

// StopSignal is printed by an agent when it considers the task done.
const StopSignal = "<promise>COMPLETE</promise>"

// Auto asks the Selector to pick an agent.
const Auto = "auto"

// Names lists the supported agents.
var Names = []string{"claude", "amp", "aider"}

// New creates an agent adapter by name.
func New(name string) (Agent, error) {
	switch strings.ToLower(name) {
	case "claude":
		return NewClaudeAgent(), nil
	case "amp":
		return NewAmpAgent(), nil
	case "aider":
		return NewAiderAgent(), nil
	default:
		return nil, fmt.Errorf("unknown agent: %s", name)
	}
}

// GetAPIKey retrieves the API key for an agent from environment variables.
func GetAPIKey(agent string) string {
	switch agent {
	case "claude":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "amp":
		return os.Getenv("AMP_API_KEY")
	case "aider":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return key
	default:
		return ""
	}
}

// ValidateAPIKey checks that the credentials an agent needs are available.
func ValidateAPIKey(agent string) error {
	if GetAPIKey(agent) != "" {
		return nil
	}
	switch agent {
	case "claude":
		return fmt.Errorf("ANTHROPIC_API_KEY environment variable is required for Claude agent")
	case "amp":
		return fmt.Errorf("AMP_API_KEY environment variable is required for Amp agent")
	case "aider":
		return fmt.Errorf("OPENAI_API_KEY or ANTHROPIC_API_KEY environment variable is required for Aider agent")
	}
	return fmt.Errorf("unknown agent: %s", agent)
}

// parseOutput is shared by the adapters: the stop signal marks completion and
// an error line marks failure.
func parseOutput(output string) *Output {
	return &Output{
		Success:   !strings.Contains(output, "Error:") && !strings.Contains(output, "error:"),
		Completed: strings.Contains(output, StopSignal),
		Message:   output,
		Files:     extractFilePaths(output),
	}
}

// extractFilePaths attempts to find file paths mentioned in the output.
func extractFilePaths(output string) []string {
	var files []string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)

		if strings.HasPrefix(line, "Created ") || strings.HasPrefix(line, "Modified ") ||
			strings.HasPrefix(line, "Edited ") || strings.HasPrefix(line, "Wrote ") {
			parts := strings.Fields(line)
			if len(parts) >= 2 {
				path := strings.Trim(parts[1], "`'\"")
				if path != "" {
					files = append(files, path)
				}
			}
		}
	}
	return files
}

// sandboxEnv is appended to every adapter's environment inside a container.
func sandboxEnv(env []string) []string {
	return append(env, "HOME=/home/agent", "USER=agent")
}
