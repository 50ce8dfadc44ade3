package middleware

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/reserva/backend/internal/interfaces/http/dto"
)

func rateLimitedRouter(limiter *RateLimiter) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RateLimit(limiter))
	router.GET("/api/v1/venues/search", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})
	return router
}

func searchFrom(router *gin.Engine, addr string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/venues/search", nil)
	req.RemoteAddr = addr
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	limiter := NewRateLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		assert.True(t, limiter.Allow("concierge"), "request %d should be allowed", i+1)
	}
	assert.False(t, limiter.Allow("concierge"))
}

func TestRateLimiterIsolatesKeys(t *testing.T) {
	limiter := NewRateLimiter(2, time.Minute)

	assert.True(t, limiter.Allow("tenant-a"))
	assert.True(t, limiter.Allow("tenant-a"))
	assert.False(t, limiter.Allow("tenant-a"))

	assert.True(t, limiter.Allow("tenant-b"), "one exhausted key must not affect another")
	assert.True(t, limiter.Allow("tenant-b"))
}

func TestRateLimiterWindowReset(t *testing.T) {
	limiter := NewRateLimiter(2, 50*time.Millisecond)

	assert.True(t, limiter.Allow("burst"))
	assert.True(t, limiter.Allow("burst"))
	assert.False(t, limiter.Allow("burst"))

	time.Sleep(60 * time.Millisecond)

	assert.True(t, limiter.Allow("burst"), "a lapsed window opens fresh")
}

func TestRateLimiterRemaining(t *testing.T) {
	limiter := NewRateLimiter(5, time.Minute)

	assert.Equal(t, 5, limiter.Remaining("fresh"))

	limiter.Allow("fresh")
	limiter.Allow("fresh")

	assert.Equal(t, 3, limiter.Remaining("fresh"))
}

func TestRateLimiterConcurrentAccess(t *testing.T) {
	limiter := NewRateLimiter(100, time.Minute)

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 150; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Allow("shared") {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 100, allowed, "exactly limit requests pass under contention")
}

func TestRateLimitMiddlewareRejectsExcess(t *testing.T) {
	router := rateLimitedRouter(NewRateLimiter(2, time.Minute))

	for i := 0; i < 2; i++ {
		assert.Equal(t, http.StatusOK, searchFrom(router, "10.0.0.1:9000").Code)
	}

	w := searchFrom(router, "10.0.0.1:9000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), dto.ErrCodeRateLimited)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
}

func TestRateLimitMiddlewareSetsHeaders(t *testing.T) {
	router := rateLimitedRouter(NewRateLimiter(5, time.Minute))

	w := searchFrom(router, "192.168.1.100:12345")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", w.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimitMiddlewareKeysByIP(t *testing.T) {
	router := rateLimitedRouter(NewRateLimiter(2, time.Minute))

	searchFrom(router, "192.168.1.1:12345")
	searchFrom(router, "192.168.1.1:12345")

	assert.Equal(t, http.StatusTooManyRequests, searchFrom(router, "192.168.1.1:12345").Code)
	assert.Equal(t, http.StatusOK, searchFrom(router, "192.168.1.2:12345").Code)
}

func TestRateLimitByKeyUsesCustomExtractor(t *testing.T) {
	gin.SetMode(gin.TestMode)
	limiter := NewRateLimiter(1, time.Minute)

	router := gin.New()
	router.Use(RateLimitByKey(limiter, func(c *gin.Context) string {
		return c.GetHeader("X-Client-Name")
	}))
	router.GET("/api/v1/venues/search", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	send := func(client string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/venues/search", nil)
		req.Header.Set("X-Client-Name", client)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("concierge-bot").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("concierge-bot").Code)
	assert.Equal(t, http.StatusOK, send("other-bot").Code)
}
