package agent

import "os"

// ClaudeAgent runs Claude Code in print mode.
type ClaudeAgent struct{}

// NewClaudeAgent creates a new Claude Code agent adapter.
func NewClaudeAgent() *ClaudeAgent {
	return &ClaudeAgent{}
}

// Name returns the agent identifier.
func (a *ClaudeAgent) Name() string {
	return "claude"
}

// Command returns the command to run Claude Code with a prompt. Permissions
// are skipped because runs are unattended.
func (a *ClaudeAgent) Command(prompt, model string) []string {
	args := []string{"claude", "--dangerously-skip-permissions"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if prompt != "" {
		args = append(args, "-p", prompt)
	}
	return args
}

// Environment returns the environment variables needed by Claude Code.
func (a *ClaudeAgent) Environment() []string {
	var env []string
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		env = append(env, "ANTHROPIC_API_KEY="+key)
	}
	env = append(env, "CLAUDE_CODE_SKIP_INTRO=1")
	return sandboxEnv(env)
}

// Models returns the Claude model chain.
func (a *ClaudeAgent) Models() []string {
	return []string{"sonnet", "opus", "haiku"}
}

// ParseOutput extracts structured information from Claude's output.
func (a *ClaudeAgent) ParseOutput(output string) *Output {
	return parseOutput(output)
}
