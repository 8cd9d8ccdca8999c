package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"plume/internal/domain/publishing"
	apperrors "plume/internal/errors"
)

func (s *Server) handleSchedulerStatus(c *gin.Context) {
	counts, err := s.deps.Store.CountByStatus(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	resp := gin.H{"backlog": counts[publishing.StatusPending]}
	if s.deps.Scheduler != nil {
		lastRun, lastErr := s.deps.Scheduler.Status()
		resp["last_run"] = lastRun
		resp["healthy"] = lastErr == nil
	}
	if s.deps.Governor != nil {
		resp["pressure"] = s.deps.Governor.CurrentPressure()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGovernorStatus(c *gin.Context) {
	if s.deps.Governor == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "governor not configured"})
		return
	}
	c.JSON(http.StatusOK, s.deps.Governor.CurrentPressure())
}

func (s *Server) handleHealth(c *gin.Context) {
	const (
		healthy  = "healthy"
		degraded = "degraded"
		down     = "down"
	)

	db := healthy
	if _, err := s.deps.Store.CountByStatus(c.Request.Context()); err != nil {
		db = down
	}

	workers := healthy
	if s.cfg.WorkerCount <= 0 {
		workers = down
	}

	gov := healthy
	if s.deps.Governor == nil {
		gov = down
	} else if p := s.deps.Governor.CurrentPressure(); p.Day >= 1 {
		gov = degraded
	}

	status := http.StatusOK
	if db == down {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"db": db, "workers": workers, "governor": gov})
}

// analyticsRange parses from/to query params, defaulting to the last 24h.
func analyticsRange(c *gin.Context) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from, to := now.Add(-24*time.Hour), now

	if v := c.Query("from"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, apperrors.NewInvalidInput("from", "not RFC 3339")
		}
		from = parsed.UTC()
	}
	if v := c.Query("to"); v != "" {
		parsed, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return from, to, apperrors.NewInvalidInput("to", "not RFC 3339")
		}
		to = parsed.UTC()
	}
	if !from.Before(to) {
		return from, to, apperrors.NewInvalidInput("range", "from must precede to")
	}
	return from, to, nil
}

func (s *Server) handleAnalyticsOverview(c *gin.Context) {
	from, to, err := analyticsRange(c)
	if err != nil {
		writeError(c, err)
		return
	}
	stats, err := s.deps.Store.HourlyRange(c.Request.Context(), from, to, parseInt64(c.Query("project_id")))
	if err != nil {
		writeError(c, err)
		return
	}

	var successful, failed int
	var duration float64
	for _, st := range stats {
		successful += st.SuccessfulTasks
		failed += st.FailedTasks
		duration += st.TotalDurationS
	}
	resp := gin.H{
		"from":             from,
		"to":               to,
		"successful_tasks": successful,
		"failed_tasks":     failed,
		"total_duration_s": duration,
	}
	if total := successful + failed; total > 0 {
		resp["success_rate"] = float64(successful) / float64(total)
		resp["avg_duration_s"] = duration / float64(total)
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAnalyticsTrends(c *gin.Context) {
	from, to, err := analyticsRange(c)
	if err != nil {
		writeError(c, err)
		return
	}
	stats, err := s.deps.Store.HourlyRange(c.Request.Context(), from, to, parseInt64(c.Query("project_id")))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"from": from, "to": to, "hours": stats})
}
