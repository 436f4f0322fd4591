package agent

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mysleekdesigns/fixpool/pkg/models"
)

// DefaultMaxTurns bounds the agent's conversation when none is configured.
const DefaultMaxTurns = 30

// CommandConfig holds the agent CLI settings shared by every fix.
type CommandConfig struct {
	Command   string
	Model     string
	MaxTurns  int
	ExtraArgs []string
}

// BuildArgs returns the CLI arguments for a non-interactive, streaming,
// turn-bounded run of prompt.
func BuildArgs(cfg CommandConfig, prompt string) []string {
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	args := []string{
		"-p",                             // Print/headless mode
		"--output-format", "stream-json", // One JSON message per line
		"--verbose",                      // Required by stream-json
		"--max-turns", strconv.Itoa(maxTurns),
		"--dangerously-skip-permissions", // Skip permission prompts for automation
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}
	args = append(args, cfg.ExtraArgs...)
	return append(args, prompt)
}

// BuildPrompt renders the instructions handed to a fix agent.
func BuildPrompt(opts models.FixAgentOptions) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are fixing %s findings for task %s in the project at %s.\n\n",
		opts.Category, opts.TaskID, opts.ProjectPath)
	b.WriteString("Findings:\n")
	for i, f := range opts.Findings {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, strings.ToUpper(f.Severity), f.Title)
		if loc := f.Location(); loc != "" {
			fmt.Fprintf(&b, " (%s)", loc)
		}
		b.WriteString("\n")
		if f.Description != "" {
			fmt.Fprintf(&b, "   %s\n", f.Description)
		}
	}

	b.WriteString(`
Apply the smallest change that resolves each finding. Do not refactor
unrelated code. Research best practices where useful and note the sources.

When you are done, end your reply with a JSON object wrapped in
fix_json tags (an opening <fix_json> tag and a closing </fix_json> tag).
The object has these fields:
  "success": boolean
  "filesModified": array of changed file paths
  "summary": short description of what changed
  "researchSources": array of URLs you consulted
  "error": reason the findings could not be fixed (only when success is false)
`)
	return b.String()
}
