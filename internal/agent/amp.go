package agent

import "os"

// AmpAgent runs Amp in execute mode.
type AmpAgent struct{}

// NewAmpAgent creates a new Amp agent adapter.
func NewAmpAgent() *AmpAgent {
	return &AmpAgent{}
}

// Name returns the agent identifier.
func (a *AmpAgent) Name() string {
	return "amp"
}

// Command returns the command to run Amp with a prompt. Amp picks its own
// model, so model is ignored.
func (a *AmpAgent) Command(prompt, _ string) []string {
	args := []string{"amp", "--dangerously-allow-all"}
	if prompt != "" {
		args = append(args, "-x", prompt)
	}
	return args
}

// Environment returns the environment variables needed by Amp.
func (a *AmpAgent) Environment() []string {
	var env []string
	if key := os.Getenv("AMP_API_KEY"); key != "" {
		env = append(env, "AMP_API_KEY="+key)
	}
	return sandboxEnv(env)
}

// Models returns nil: Amp has no selectable model chain.
func (a *AmpAgent) Models() []string {
	return nil
}

// ParseOutput extracts structured information from Amp's output.
func (a *AmpAgent) ParseOutput(output string) *Output {
	return parseOutput(output)
}
