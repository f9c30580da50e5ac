package agent

import (
	"fmt"
	"strings"

	"github.com/swamp-dev/agentboard/internal/taskdb"
)

// BuildPrompt assembles the instructions handed to an agent for one task.
func BuildPrompt(task *taskdb.Task) string {
	var sb strings.Builder

	sb.WriteString("## Current Task\n")
	sb.WriteString(fmt.Sprintf("ID: %s\n", task.ID))
	sb.WriteString(fmt.Sprintf("Title: %s\n", task.Name))
	if task.Description != "" {
		sb.WriteString(fmt.Sprintf("Description: %s\n", task.Description))
	}
	sb.WriteString("\n")

	if len(task.RunCommands) > 0 {
		sb.WriteString("## Steps\n")
		for i, c := range task.RunCommands {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, c))
		}
		sb.WriteString("\n")
	}

	if len(task.AcceptanceCriteria) > 0 {
		sb.WriteString("## Acceptance Criteria\n")
		for i, ac := range task.AcceptanceCriteria {
			sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, ac))
		}
		sb.WriteString("\n")
	}

	if task.LastError != "" {
		sb.WriteString("## Previous Attempt Failed (DO NOT REPEAT)\n")
		sb.WriteString(task.LastError)
		sb.WriteString("\n\n")
	}

	sb.WriteString("## Instructions\n")
	sb.WriteString("1. Complete the task described above\n")
	sb.WriteString("2. Make small, focused changes\n")
	sb.WriteString("3. When the task is FULLY complete, output: ")
	sb.WriteString(StopSignal)
	sb.WriteString("\n")

	return sb.String()
}
