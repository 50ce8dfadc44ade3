package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func setupBearerRouter(token string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(StaticBearer(token))
	router.GET("/resource", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	router.POST("/resource", func(c *gin.Context) {
		c.JSON(http.StatusCreated, gin.H{"ok": true})
	})
	router.DELETE("/resource", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return router
}

func TestStaticBearer(t *testing.T) {
	t.Run("allows GET without token", func(t *testing.T) {
		router := setupBearerRouter("secret-token")

		req := httptest.NewRequest(http.MethodGet, "/resource", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("allows POST with valid token", func(t *testing.T) {
		router := setupBearerRouter("secret-token")

		req := httptest.NewRequest(http.MethodPost, "/resource", nil)
		req.Header.Set(AuthHeaderKey, "Bearer secret-token")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("allows DELETE with valid token", func(t *testing.T) {
		router := setupBearerRouter("secret-token")

		req := httptest.NewRequest(http.MethodDelete, "/resource", nil)
		req.Header.Set(AuthHeaderKey, "Bearer secret-token")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
	})

	t.Run("rejects POST without authorization header", func(t *testing.T) {
		router := setupBearerRouter("secret-token")

		req := httptest.NewRequest(http.MethodPost, "/resource", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "UNAUTHORIZED")
		assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))
	})

	t.Run("rejects POST with wrong token", func(t *testing.T) {
		router := setupBearerRouter("secret-token")

		req := httptest.NewRequest(http.MethodPost, "/resource", nil)
		req.Header.Set(AuthHeaderKey, "Bearer wrong-token")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects POST with malformed header", func(t *testing.T) {
		router := setupBearerRouter("secret-token")

		req := httptest.NewRequest(http.MethodPost, "/resource", nil)
		req.Header.Set(AuthHeaderKey, "Basic secret-token")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects POST with empty bearer token", func(t *testing.T) {
		router := setupBearerRouter("secret-token")

		req := httptest.NewRequest(http.MethodPost, "/resource", nil)
		req.Header.Set(AuthHeaderKey, "Bearer ")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("rejects all mutating requests when no token configured", func(t *testing.T) {
		router := setupBearerRouter("")

		// Even a request presenting an empty token must not match
		req := httptest.NewRequest(http.MethodPost, "/resource", nil)
		req.Header.Set(AuthHeaderKey, "Bearer ")
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)

		// Reads still pass
		req = httptest.NewRequest(http.MethodGet, "/resource", nil)
		w = httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("logs rejection when logger configured", func(t *testing.T) {
		gin.SetMode(gin.TestMode)
		router := gin.New()
		router.Use(StaticBearerWithConfig(StaticBearerConfig{
			Token:  "secret-token",
			Logger: zap.NewNop(),
		}))
		router.POST("/resource", func(c *gin.Context) {
			c.JSON(http.StatusCreated, gin.H{"ok": true})
		})

		req := httptest.NewRequest(http.MethodPost, "/resource", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestIsMutating(t *testing.T) {
	assert.True(t, isMutating(http.MethodPost))
	assert.True(t, isMutating(http.MethodPut))
	assert.True(t, isMutating(http.MethodPatch))
	assert.True(t, isMutating(http.MethodDelete))
	assert.False(t, isMutating(http.MethodGet))
	assert.False(t, isMutating(http.MethodHead))
	assert.False(t, isMutating(http.MethodOptions))
}
