// Package models defines the core domain types for the fixpool orchestrator.
package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"
)

// FixCategory classifies the kind of fix an agent applies.
type FixCategory string

const (
	FixCategorySecurity FixCategory = "security"
	FixCategoryQuality  FixCategory = "quality"
)

// FixCategories returns every known category in a stable order.
func FixCategories() []FixCategory {
	return []FixCategory{FixCategorySecurity, FixCategoryQuality}
}

// ValidCategory checks if a category is one of the known categories.
func ValidCategory(c FixCategory) bool {
	return c == FixCategorySecurity || c == FixCategoryQuality
}

// AgentStatus is the in-memory lifecycle state of a fix agent.
type AgentStatus string

const (
	AgentStatusRunning   AgentStatus = "running"
	AgentStatusCompleted AgentStatus = "completed"
	AgentStatusFailed    AgentStatus = "failed"
)

// IsTerminal returns true for completed and failed.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusCompleted || s == AgentStatusFailed
}

// FixStatus is the persisted status of a fix record.
type FixStatus string

const (
	FixStatusPending    FixStatus = "PENDING"
	FixStatusInProgress FixStatus = "IN_PROGRESS"
	FixStatusCompleted  FixStatus = "COMPLETED"
	FixStatusFailed     FixStatus = "FAILED"
)

// Finding is a single reviewed issue handed to a fix agent.
type Finding struct {
	Title       string `json:"title" yaml:"title"`
	Description string `json:"description" yaml:"description"`
	Severity    string `json:"severity" yaml:"severity"`
	File        string `json:"file,omitempty" yaml:"file,omitempty"`
	Line        int    `json:"line,omitempty" yaml:"line,omitempty"`
}

// Location renders file:line, or just the file, or "".
func (f Finding) Location() string {
	if f.File == "" {
		return ""
	}
	if f.Line > 0 {
		return f.File + ":" + strconv.Itoa(f.Line)
	}
	return f.File
}

// FixAgentOptions describes a single fix to run.
type FixAgentOptions struct {
	TaskID      string      `json:"task_id"`
	Category    FixCategory `json:"category"`
	ProjectPath string      `json:"project_path"`
	Findings    []Finding   `json:"findings"`
	FixID       string      `json:"fix_id"`
}

// FixOutput is the machine-readable answer an agent emits inside its
// <fix_json> block.
type FixOutput struct {
	Success         bool     `json:"success"`
	FilesModified   []string `json:"filesModified"`
	Summary         string   `json:"summary"`
	ResearchSources []string `json:"researchSources"`
	Error           string   `json:"error,omitempty"`
}

// FailedOutput returns the default failure value carrying a diagnostic.
func FailedOutput(format string, args ...any) FixOutput {
	return FixOutput{
		Success:         false,
		FilesModified:   []string{},
		ResearchSources: []string{},
		Error:           fmt.Sprintf(format, args...),
	}
}

// FixRecord is the persisted history of one category-level fix for a task.
type FixRecord struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	Category      FixCategory `json:"category"`
	Status        FixStatus   `json:"status"`
	Findings      []Finding   `json:"findings"`
	StartedAt     *time.Time  `json:"started_at,omitempty"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	Summary       string      `json:"summary,omitempty"`
	Patch         string      `json:"patch,omitempty"`
	ResearchNotes string      `json:"research_notes,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// FixResult is the terminal outcome written back to a fix record.
type FixResult struct {
	Status        FixStatus
	Summary       string
	Patch         string
	ResearchNotes string
	CompletedAt   time.Time
}

// AgentSnapshot is a read-only copy of a fix agent's state.
type AgentSnapshot struct {
	ID            string      `json:"id"`
	TaskID        string      `json:"task_id"`
	Category      FixCategory `json:"category"`
	FixID         string      `json:"fix_id"`
	Status        AgentStatus `json:"status"`
	StatusMessage string      `json:"status_message"`
	PID           int         `json:"pid,omitempty"`
	OutputBytes   int         `json:"output_bytes"`
	LogFile       string      `json:"log_file,omitempty"`
	StartedAt     time.Time   `json:"started_at"`
	CompletedAt   *time.Time  `json:"completed_at,omitempty"`
	ExitCode      *int        `json:"exit_code,omitempty"`
	Result        *FixOutput  `json:"result,omitempty"`
}

// ProgressEvent carries a status change for a (task, category) pair.
type ProgressEvent struct {
	TaskID      string      `json:"taskId"`
	FixCategory FixCategory `json:"fixCategory"`
	Message     string      `json:"message"`
	Timestamp   time.Time   `json:"timestamp"`
}

// CompleteEvent is emitted once every agent of a task has left running.
type CompleteEvent struct {
	TaskID    string    `json:"taskId"`
	Timestamp time.Time `json:"timestamp"`
}

// StartFixesRequest asks for one agent per category that has findings.
type StartFixesRequest struct {
	ProjectPath string                    `json:"project_path" yaml:"project_path"`
	Findings    map[FixCategory][]Finding `json:"findings" yaml:"findings"`
}

// Categories returns the categories of the request that carry findings,
// sorted for deterministic start order.
func (r StartFixesRequest) Categories() []FixCategory {
	cats := make([]FixCategory, 0, len(r.Findings))
	for c, f := range r.Findings {
		if len(f) > 0 {
			cats = append(cats, c)
		}
	}
	sort.Slice(cats, func(i, j int) bool { return cats[i] < cats[j] })
	return cats
}

// Duration is a wrapper around time.Duration for JSON and YAML marshaling.
// Both Go duration strings ("2m") and integer seconds are accepted.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	return d.set(raw)
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var raw any
	if err := unmarshal(&raw); err != nil {
		return err
	}
	return d.set(raw)
}

func (d *Duration) set(raw any) error {
	switch v := raw.(type) {
	case nil:
		*d = 0
	case string:
		if v == "" {
			*d = 0
			return nil
		}
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(dur)
	case int:
		*d = Duration(time.Duration(v) * time.Second)
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	default:
		return fmt.Errorf("invalid duration type: %T", v)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// TruncateString shortens s to at most maxLen runes, ending in "...".
// Multi-byte characters are never split.
func TruncateString(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	keep := maxLen - 3
	suffix := "..."
	if maxLen <= 3 {
		keep, suffix = maxLen, ""
	}
	n := 0
	for i := range s {
		if n == keep {
			return s[:i] + suffix
		}
		n++
	}
	return s
}
