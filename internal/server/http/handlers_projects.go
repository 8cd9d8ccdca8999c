package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"plume/internal/auth"
	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
)

func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.deps.Store.ListProjects(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": projects})
}

func (s *Server) handleGetProject(c *gin.Context) {
	project, err := s.deps.Store.GetProject(c.Request.Context(), pathID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, project)
}

type createProjectRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
}

func (s *Server) handleCreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}

	project := &publishing.Project{
		OwnerID:     requestUserID(c),
		Name:        req.Name,
		Description: req.Description,
	}
	if err := s.deps.Store.CreateProject(c.Request.Context(), project); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project)
}

func (s *Server) handleDeleteProject(c *gin.Context) {
	if err := s.deps.Store.DeleteProject(c.Request.Context(), pathID(c)); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleListSources(c *gin.Context) {
	sources, err := s.deps.Store.ListSources(c.Request.Context(), pathID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sources": sources})
}

type createSourceRequest struct {
	Path    string `json:"path" binding:"required"`
	Type    string `json:"type"`
	Enabled *bool  `json:"enabled"`
}

func (s *Server) handleCreateSource(c *gin.Context) {
	var req createSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, apperrors.NewInvalidInput("body", err.Error()))
		return
	}
	srcType := publishing.SourceType(req.Type)
	if srcType == "" {
		srcType = publishing.SourceTypeMixedDir
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	source := &publishing.Source{
		ProjectID: pathID(c),
		Path:      req.Path,
		Type:      srcType,
		Enabled:   enabled,
	}
	if err := s.deps.Store.CreateSource(c.Request.Context(), source); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, source)
}

func (s *Server) handleScanProject(c *gin.Context) {
	if s.deps.Scanner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "scanner not configured"})
		return
	}
	reports, err := s.deps.Scanner.ScanProject(c.Request.Context(), pathID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// requestUserID returns the authenticated user id, or 0 in open mode.
func requestUserID(c *gin.Context) int64 {
	v, ok := c.Get(ctxKeyUser)
	if !ok {
		return 0
	}
	return v.(*auth.User).ID
}
