package server

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mysleekdesigns/fixpool/internal/orchestrator"
	"github.com/mysleekdesigns/fixpool/pkg/models"
)

// Tool represents an MCP tool definition.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func (s *Server) registerTools() {
	s.tools["start_fixes"] = s.toolStartFixes
	s.tools["cancel_fixes"] = s.toolCancelFixes
	s.tools["fix_status"] = s.toolFixStatus
}

func categoryEnum() []string {
	cats := models.FixCategories()
	out := make([]string, 0, len(cats))
	for _, c := range cats {
		out = append(out, string(c))
	}
	return out
}

func (s *Server) getToolDefinitions() []Tool {
	finding := map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"title":       map[string]string{"type": "string"},
			"description": map[string]string{"type": "string"},
			"severity":    map[string]string{"type": "string"},
			"file":        map[string]string{"type": "string"},
			"line":        map[string]string{"type": "integer"},
		},
		"required": []string{"title"},
	}
	findingList := map[string]interface{}{
		"type":  "array",
		"items": finding,
	}

	return []Tool{
		{
			Name:        "start_fixes",
			Description: "Start one fix agent per category that has findings. Agents run in the project directory and report progress until they finish.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task_id": map[string]interface{}{
						"type":        "string",
						"description": "The review task the findings belong to",
					},
					"project_path": map[string]interface{}{
						"type":        "string",
						"description": "Working directory for the agents (absolute path)",
					},
					"findings": map[string]interface{}{
						"type":        "object",
						"description": "Findings keyed by fix category",
						"properties": map[string]interface{}{
							string(models.FixCategorySecurity): findingList,
							string(models.FixCategoryQuality):  findingList,
						},
					},
				},
				"required": []string{"task_id", "project_path", "findings"},
			},
		},
		{
			Name:        "cancel_fixes",
			Description: "Cancel the running fix agents of a task, optionally only one category",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task_id": map[string]interface{}{
						"type":        "string",
						"description": "The task whose fixes should be cancelled",
					},
					"category": map[string]interface{}{
						"type":        "string",
						"description": "Only cancel this category",
						"enum":        categoryEnum(),
					},
				},
				"required": []string{"task_id"},
			},
		},
		{
			Name:        "fix_status",
			Description: "Get the agents, persisted fix records and completion flag of a task",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"task_id": map[string]interface{}{
						"type":        "string",
						"description": "The task ID to inspect",
					},
				},
				"required": []string{"task_id"},
			},
		},
	}
}

func (s *Server) toolStartFixes(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"task_id"`
		models.StartFixesRequest
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if req.TaskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}
	if len(req.Categories()) == 0 {
		return nil, orchestrator.ErrNoFindings
	}

	ids, err := s.orchestrator.StartAllFixes(ctx, req.TaskID, req.ProjectPath, req.Findings)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"task_id": req.TaskID,
		"agents":  ids,
	}, nil
}

func (s *Server) toolCancelFixes(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID   string             `json:"task_id"`
		Category models.FixCategory `json:"category"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if req.TaskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	var n int
	if req.Category == "" {
		n = s.orchestrator.CancelAllFixes(req.TaskID)
	} else {
		if !models.ValidCategory(req.Category) {
			return nil, fmt.Errorf("%w: %q", orchestrator.ErrInvalidCategory, req.Category)
		}
		n = s.orchestrator.CancelFix(req.TaskID, req.Category)
	}

	return map[string]interface{}{
		"task_id":   req.TaskID,
		"cancelled": n,
	}, nil
}

func (s *Server) toolFixStatus(ctx context.Context, params json.RawMessage) (interface{}, error) {
	var req struct {
		TaskID string `json:"task_id"`
	}

	if err := json.Unmarshal(params, &req); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if req.TaskID == "" {
		return nil, fmt.Errorf("task_id is required")
	}

	return s.taskStatus(req.TaskID)
}
