package http

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"plume/internal/auth"
	apperrors "plume/internal/errors"
)

const (
	apiKeyHeader = "X-API-Key"
	ctxKeyUser   = "plume.user"
	ctxKeyAPIKey = "plume.apikey"
)

// authMiddleware resolves the X-API-Key header. Without a configured auth
// service the surface is open; that mode exists for local development and
// tests only.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Auth == nil {
			c.Next()
			return
		}
		plaintext := c.GetHeader(apiKeyHeader)
		if plaintext == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		user, key, err := s.deps.Auth.Authenticate(c.Request.Context(), plaintext)
		if err != nil {
			// Unknown and revoked keys are indistinguishable to the client.
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid api key"})
			return
		}
		c.Set(ctxKeyUser, user)
		c.Set(ctxKeyAPIKey, key)
		c.Next()
	}
}

// requirePermission gates a route group on one permission.
func (s *Server) requirePermission(perm auth.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.Auth == nil {
			c.Next()
			return
		}
		v, ok := c.Get(ctxKeyAPIKey)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing api key"})
			return
		}
		key := v.(*auth.APIKey)
		if !key.Has(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}
		c.Next()
	}
}

// writeError maps a categorized error onto a status code without leaking
// internals.
func writeError(c *gin.Context, err error) {
	switch apperrors.Classify(err) {
	case apperrors.KindNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case apperrors.KindConflict:
		c.JSON(http.StatusConflict, gin.H{"error": "conflict"})
	case apperrors.KindInvalidInput:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
