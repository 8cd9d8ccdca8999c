package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
)

func (s *Server) handleListTasks(c *gin.Context) {
	filter := publishing.TaskFilter{
		Status:    publishing.Status(c.Query("status")),
		ProjectID: parseInt64(c.Query("project_id")),
		Limit:     parseInt(c.Query("limit"), 50),
		Offset:    parseInt(c.Query("offset"), 0),
	}
	if filter.Status != "" && !filter.Status.IsValid() {
		writeError(c, apperrors.NewInvalidInput("status", "unknown status"))
		return
	}
	tasks, total, err := s.deps.Store.ListTasks(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks, "total": total})
}

func (s *Server) handleGetTask(c *gin.Context) {
	task, err := s.deps.Store.GetTask(c.Request.Context(), pathID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleListTaskLogs(c *gin.Context) {
	logs, err := s.deps.Store.ListLogs(c.Request.Context(), pathID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

type createTaskRequest struct {
	ProjectID   int64           `json:"project_id" binding:"required"`
	MediaPath   string          `json:"media_path" binding:"required"`
	ContentData json.RawMessage `json:"content_data"`
	ScheduledAt *time.Time      `json:"scheduled_at"`
	Priority    int             `json:"priority"`
}

func (s *Server) handleCreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}
	if len(req.ContentData) > 0 {
		if _, err := publishing.ParseContentData(req.ContentData); err != nil {
			writeError(c, apperrors.NewInvalidInput("content_data", err.Error()))
			return
		}
	}

	task := &publishing.Task{
		ProjectID:   req.ProjectID,
		MediaPath:   req.MediaPath,
		ContentData: req.ContentData,
		Priority:    req.Priority,
	}
	if req.ScheduledAt != nil {
		task.ScheduledAt = req.ScheduledAt.UTC()
	}
	res, err := s.deps.Store.CreateTasks(c.Request.Context(), []*publishing.Task{task})
	if err != nil {
		writeError(c, err)
		return
	}
	if res.Created == 0 {
		writeError(c, apperrors.NewConflict(nil))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": task.ID})
}

type updateTaskRequest struct {
	Priority    *int       `json:"priority"`
	ScheduledAt *time.Time `json:"scheduled_at"`
}

func (s *Server) handleUpdateTask(c *gin.Context) {
	var req updateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}
	if req.Priority == nil && req.ScheduledAt == nil {
		writeError(c, apperrors.NewInvalidInput("body", "empty patch"))
		return
	}
	task, err := s.deps.Store.UpdateTask(c.Request.Context(), pathID(c), publishing.TaskPatch{
		Priority:    req.Priority,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func (s *Server) handleDeleteTask(c *gin.Context) {
	if err := s.deps.Store.DeleteTask(c.Request.Context(), pathID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleExecuteTaskNow(c *gin.Context) {
	if err := s.executeNow(c, pathID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

// executeNow pulls a pending task's scheduled_at to the present so the
// next worker claim picks it up.
func (s *Server) executeNow(c *gin.Context, id int64) error {
	now := time.Now().UTC()
	_, err := s.deps.Store.UpdateTask(c.Request.Context(), id, publishing.TaskPatch{ScheduledAt: &now})
	return err
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.deps.Store.CancelTask(c.Request.Context(), pathID(c), "operator request"); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

type bulkActionRequest struct {
	IDs    []int64 `json:"ids" binding:"required"`
	Action string  `json:"action" binding:"required"`
}

type bulkActionResult struct {
	ID    int64  `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) handleBulkAction(c *gin.Context) {
	var req bulkActionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}

	results := make([]bulkActionResult, 0, len(req.IDs))
	for _, id := range req.IDs {
		var err error
		switch req.Action {
		case "execute_now":
			err = s.executeNow(c, id)
		case "cancel":
			err = s.deps.Store.CancelTask(c.Request.Context(), id, "operator request")
		case "delete":
			err = s.deps.Store.DeleteTask(c.Request.Context(), id)
		default:
			writeError(c, apperrors.NewInvalidInput("action", "unknown action"))
			return
		}
		result := bulkActionResult{ID: id, OK: err == nil}
		if err != nil {
			result.Error = apperrors.Classify(err).String()
		}
		results = append(results, result)
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

func pathID(c *gin.Context) int64 {
	return parseInt64(c.Param("id"))
}

func parseInt64(s string) int64 {
	v, _ := strconv.ParseInt(s, 10, 64)
	return v
}

func parseInt(s string, fallback int) int {
	if s == "" {
		return fallback
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fallback
	}
	return v
}
