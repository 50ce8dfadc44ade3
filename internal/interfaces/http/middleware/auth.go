package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Authorization header constants
const (
	AuthHeaderKey = "Authorization"
	BearerPrefix  = "Bearer "
)

// StaticBearerConfig holds configuration for static bearer token middleware
type StaticBearerConfig struct {
	// Token is the shared secret expected in the Authorization header
	Token string
	// Logger for middleware logging
	Logger *zap.Logger
}

// StaticBearer creates middleware that guards mutating requests with a
// shared bearer token. Read requests pass through unauthenticated so
// availability checks and status lookups work without credentials.
func StaticBearer(token string) gin.HandlerFunc {
	return StaticBearerWithConfig(StaticBearerConfig{Token: token})
}

// StaticBearerWithConfig creates static bearer token middleware with custom config.
// An empty configured token rejects every mutating request instead of
// disabling the check.
func StaticBearerWithConfig(cfg StaticBearerConfig) gin.HandlerFunc {
	if cfg.Token == "" && cfg.Logger != nil {
		cfg.Logger.Warn("Static bearer token is not configured, all mutating requests will be rejected")
	}

	return func(c *gin.Context) {
		if !isMutating(c.Request.Method) {
			c.Next()
			return
		}

		authHeader := c.GetHeader(AuthHeaderKey)
		if authHeader == "" {
			rejectBearer(c, cfg, "Missing authorization header")
			return
		}

		if !strings.HasPrefix(authHeader, BearerPrefix) {
			rejectBearer(c, cfg, "Invalid authorization header format")
			return
		}

		presented := strings.TrimPrefix(authHeader, BearerPrefix)
		if presented == "" {
			rejectBearer(c, cfg, "Missing token")
			return
		}

		// Constant-time comparison; an empty configured token never matches
		if cfg.Token == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(cfg.Token)) != 1 {
			rejectBearer(c, cfg, "Invalid token")
			return
		}

		c.Next()
	}
}

// isMutating reports whether the request method can change state.
func isMutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// rejectBearer handles authentication failures
func rejectBearer(c *gin.Context, cfg StaticBearerConfig, message string) {
	if cfg.Logger != nil {
		cfg.Logger.Warn("Bearer authentication failed",
			zap.String("message", message),
			zap.String("path", c.Request.URL.Path),
			zap.String("method", c.Request.Method),
		)
	}

	c.Header("WWW-Authenticate", "Bearer")
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"success": false,
		"error": gin.H{
			"code":    "UNAUTHORIZED",
			"message": "Authentication required",
		},
	})
}
