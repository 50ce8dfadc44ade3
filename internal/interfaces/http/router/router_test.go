package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func serve(engine *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func echo(body string, status int) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.String(status, body)
	}
}

func TestNewRouterDefaults(t *testing.T) {
	r := NewRouter(gin.New())

	assert.Equal(t, "v1", r.apiVersion)
	assert.Empty(t, r.registrars)

	r = NewRouter(gin.New(), WithAPIVersion("v2"))
	assert.Equal(t, "v2", r.apiVersion)
}

func TestRouterMountsGroupsUnderVersion(t *testing.T) {
	engine := gin.New()

	venues := NewDomainGroup("venues", "/venues")
	venues.GET("/search", echo("venues", http.StatusOK))

	reservations := NewDomainGroup("reservations", "/reservations")
	reservations.GET("/recent", echo("reservations", http.StatusOK))

	NewRouter(engine).Register(venues).Register(reservations).Setup()

	w := serve(engine, http.MethodGet, "/api/v1/venues/search")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "venues", w.Body.String())

	w = serve(engine, http.MethodGet, "/api/v1/reservations/recent")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "reservations", w.Body.String())
}

func TestRouterUseScopesMiddlewareToAPIGroup(t *testing.T) {
	engine := gin.New()
	r := NewRouter(engine)
	r.Use(func(c *gin.Context) {
		c.Header("X-Group-Middleware", "applied")
		c.Next()
	})

	group := NewDomainGroup("system", "/system")
	group.GET("/ping", echo("pong", http.StatusOK))
	r.Register(group).Setup()

	engine.GET("/healthz", echo("ok", http.StatusOK))

	w := serve(engine, http.MethodGet, "/api/v1/system/ping")
	assert.Equal(t, "applied", w.Header().Get("X-Group-Middleware"))

	w = serve(engine, http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("X-Group-Middleware"),
		"routes outside the API group skip group middleware")
}

func TestDomainGroupMethods(t *testing.T) {
	engine := gin.New()
	g := NewDomainGroup("reservations", "/reservations")
	g.GET("", echo("list", http.StatusOK)).
		POST("", echo("created", http.StatusCreated)).
		PUT("/:id", echo("updated", http.StatusOK)).
		PATCH("/:id", echo("patched", http.StatusOK)).
		DELETE("/:id", echo("", http.StatusNoContent))

	g.RegisterRoutes(engine.Group("/api/v1"))

	tests := []struct {
		method string
		path   string
		want   int
	}{
		{http.MethodGet, "/api/v1/reservations", http.StatusOK},
		{http.MethodPost, "/api/v1/reservations", http.StatusCreated},
		{http.MethodPut, "/api/v1/reservations/123", http.StatusOK},
		{http.MethodPatch, "/api/v1/reservations/123", http.StatusOK},
		{http.MethodDelete, "/api/v1/reservations/123", http.StatusNoContent},
	}
	for _, tt := range tests {
		w := serve(engine, tt.method, tt.path)
		assert.Equal(t, tt.want, w.Code, "%s %s", tt.method, tt.path)
	}
}

func TestDomainGroupMiddleware(t *testing.T) {
	engine := gin.New()
	g := NewDomainGroup("venues", "/venues")
	g.Use(func(c *gin.Context) {
		c.Header("X-Domain", "venues")
		c.Next()
	})
	g.GET("/search", echo("ok", http.StatusOK))

	g.RegisterRoutes(engine.Group("/api/v1"))

	w := serve(engine, http.MethodGet, "/api/v1/venues/search")
	assert.Equal(t, "venues", w.Header().Get("X-Domain"))
}

func TestDomainGroupSubgroups(t *testing.T) {
	engine := gin.New()
	g := NewDomainGroup("venues", "/venues")
	assert.Equal(t, "venues", g.Name())
	assert.Equal(t, "/venues", g.Prefix())

	search := g.Group("search", "/search")
	search.GET("", echo("search results", http.StatusOK))

	identifiers := g.Group("identifiers", "/identifiers")
	identifiers.GET("", echo("identifiers list", http.StatusOK))

	g.RegisterRoutes(engine.Group("/api/v1"))

	w := serve(engine, http.MethodGet, "/api/v1/venues/search")
	assert.Equal(t, "search results", w.Body.String())

	w = serve(engine, http.MethodGet, "/api/v1/venues/identifiers")
	assert.Equal(t, "identifiers list", w.Body.String())
}
