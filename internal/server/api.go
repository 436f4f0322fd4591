package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mysleekdesigns/fixpool/internal/orchestrator"
	"github.com/mysleekdesigns/fixpool/pkg/models"
)

const defaultLogTailBytes = 64 * 1024

func (s *Server) handleAPIVersion(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"version": s.version,
		"commit":  s.commit,
	})
}

func (s *Server) handleAPIStats(c *gin.Context) {
	resp := gin.H{"agents": s.orchestrator.GetStats()}
	if s.personas != nil {
		resp["personas"] = s.personas.Categories()
	}
	if s.hub != nil {
		resp["subscribers"] = s.hub.Subscribers()
		resp["dropped_events"] = s.hub.Dropped()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAPIStartFixes(c *gin.Context) {
	taskID := c.Param("task_id")
	var req models.StartFixesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Categories()) == 0 {
		abortWithError(c, orchestrator.ErrNoFindings)
		return
	}

	ids, err := s.orchestrator.StartAllFixes(c.Request.Context(), taskID, req.ProjectPath, req.Findings)
	if err != nil {
		c.JSON(errorStatus(err), gin.H{"error": err.Error(), "task_id": taskID, "agents": ids})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "agents": ids})
}

func (s *Server) handleAPIStartFix(c *gin.Context) {
	taskID := c.Param("task_id")
	category := models.FixCategory(c.Param("category"))

	var req struct {
		ProjectPath string           `json:"project_path"`
		Findings    []models.Finding `json:"findings"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(req.Findings) == 0 {
		abortWithError(c, orchestrator.ErrNoFindings)
		return
	}

	id, err := s.orchestrator.StartFix(c.Request.Context(), models.FixAgentOptions{
		TaskID:      taskID,
		Category:    category,
		ProjectPath: req.ProjectPath,
		Findings:    req.Findings,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "category": category, "agent_id": id})
}

func (s *Server) handleAPICancelFixes(c *gin.Context) {
	taskID := c.Param("task_id")
	n := s.orchestrator.CancelAllFixes(taskID)
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "cancelled": n})
}

func (s *Server) handleAPICancelFix(c *gin.Context) {
	taskID := c.Param("task_id")
	category := models.FixCategory(c.Param("category"))
	if !models.ValidCategory(category) {
		abortWithError(c, fmt.Errorf("%w: %q", orchestrator.ErrInvalidCategory, category))
		return
	}
	n := s.orchestrator.CancelFix(taskID, category)
	c.JSON(http.StatusOK, gin.H{"task_id": taskID, "category": category, "cancelled": n})
}

func (s *Server) handleAPIListFixes(c *gin.Context) {
	taskID := c.Param("task_id")
	status, err := s.taskStatus(taskID)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleAPIActivity(c *gin.Context) {
	taskID := c.Param("task_id")
	category := models.FixCategory(c.Param("category"))
	if !models.ValidCategory(category) {
		abortWithError(c, fmt.Errorf("%w: %q", orchestrator.ErrInvalidCategory, category))
		return
	}

	running := s.orchestrator.IsFixRunning(taskID, category)
	message, ok := s.orchestrator.GetCurrentActivity(taskID, category)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no agent for this fix"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"task_id":  taskID,
		"category": category,
		"running":  running,
		"message":  message,
	})
}

func (s *Server) handleAPIAgent(c *gin.Context) {
	snap, ok := s.orchestrator.GetAgentStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agent": snap})
}

type apiLogResponse struct {
	Content    string `json:"content"`
	NextOffset int64  `json:"next_offset"`
	Truncated  bool   `json:"truncated"`
}

func (s *Server) handleAPIAgentLog(c *gin.Context) {
	snap, ok := s.orchestrator.GetAgentStatus(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "agent not found"})
		return
	}
	if snap.LogFile == "" {
		c.JSON(http.StatusOK, apiLogResponse{})
		return
	}

	limit := int64(defaultLogTailBytes)
	if v := c.Query("limit"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			limit = n
		}
	}

	var offset *int64
	if v := strings.TrimSpace(c.Query("offset")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid offset"})
			return
		}
		offset = &n
	}

	content, next, truncated, err := readGrowingFile(snap.LogFile, offset, limit)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			c.JSON(http.StatusOK, apiLogResponse{})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, apiLogResponse{Content: content, NextOffset: next, Truncated: truncated})
}

// taskFixStatus is the combined in-memory and persisted view of a task.
type taskFixStatus struct {
	TaskID      string                 `json:"task_id"`
	AllComplete bool                   `json:"all_complete"`
	Agents      []models.AgentSnapshot `json:"agents"`
	Records     []*models.FixRecord    `json:"records"`
}

func (s *Server) taskStatus(taskID string) (*taskFixStatus, error) {
	records, err := s.orchestrator.ListFixRecords(taskID)
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []*models.FixRecord{}
	}
	return &taskFixStatus{
		TaskID:      taskID,
		AllComplete: s.orchestrator.AreAllFixesComplete(taskID),
		Agents:      s.orchestrator.ListAgentsForTask(taskID),
		Records:     records,
	}, nil
}

// readGrowingFile reads a window of a log file that may still be written.
// Without an offset it returns the last limit bytes.
func readGrowingFile(path string, offset *int64, limit int64) (string, int64, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, false, err
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		return "", 0, false, err
	}
	size := st.Size()

	var start int64
	truncated := false
	if offset == nil {
		if size > limit {
			start = size - limit
			truncated = true
		}
	} else {
		start = *offset
		if start > size {
			start = size
		}
	}

	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return "", 0, false, err
	}

	buf := make([]byte, int(min(limit, size-start)))
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", 0, false, err
	}

	return string(buf[:n]), start + int64(n), truncated, nil
}
