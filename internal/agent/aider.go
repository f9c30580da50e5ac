package agent

import "os"

// AiderAgent runs Aider non-interactively.
type AiderAgent struct{}

// NewAiderAgent creates a new Aider agent adapter.
func NewAiderAgent() *AiderAgent {
	return &AiderAgent{}
}

// Name returns the agent identifier.
func (a *AiderAgent) Name() string {
	return "aider"
}

// Command returns the command to run Aider with a prompt.
func (a *AiderAgent) Command(prompt, model string) []string {
	args := []string{"aider", "--yes", "--no-git"}
	if model != "" {
		args = append(args, "--model", model)
	}
	if prompt != "" {
		args = append(args, "--message", prompt)
	}
	return args
}

// Environment returns the environment variables needed by Aider.
func (a *AiderAgent) Environment() []string {
	var env []string
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		env = append(env, "OPENAI_API_KEY="+key)
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		env = append(env, "ANTHROPIC_API_KEY="+key)
	}
	return sandboxEnv(env)
}

// Models returns the Aider model chain.
func (a *AiderAgent) Models() []string {
	return []string{"sonnet", "gpt-4o", "deepseek"}
}

// ParseOutput extracts structured information from Aider's output.
func (a *AiderAgent) ParseOutput(output string) *Output {
	return parseOutput(output)
}
