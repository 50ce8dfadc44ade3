package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func meteredRouter(t *testing.T) (*gin.Engine, *sdkmetric.ManualReader) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(HTTPMetricsWithMeter(mp.Meter("http.server"), true))
	router.GET("/api/v1/venues/:id", func(c *gin.Context) {
		c.String(http.StatusOK, "venue body")
	})
	router.POST("/api/v1/reservations", func(c *gin.Context) {
		c.String(http.StatusCreated, "created")
	})
	router.GET("/api/v1/boom", func(c *gin.Context) {
		c.String(http.StatusInternalServerError, "boom")
	})
	return router, reader
}

func collectHTTPMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) *metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func attrString(set attribute.Set, key string) string {
	v, _ := set.Value(attribute.Key(key))
	return v.AsString()
}

func TestHTTPMetricsCountsByRouteAndStatus(t *testing.T) {
	router, reader := meteredRouter(t)

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/venues/abc", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)

	m := collectHTTPMetric(t, reader, "http_server_request_total")
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)

	counts := map[string]int64{}
	for _, dp := range sum.DataPoints {
		key := attrString(dp.Attributes, "http.route")
		counts[key] += dp.Value
	}
	assert.Equal(t, int64(2), counts["/api/v1/venues/:id"],
		"route label is the pattern, so both venue ids share one series")
	assert.Equal(t, int64(1), counts["/api/v1/boom"])
}

func TestHTTPMetricsRecordsLatencyWithoutStatusLabel(t *testing.T) {
	router, reader := meteredRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/venues/abc", nil))

	m := collectHTTPMetric(t, reader, "http_server_request_duration_seconds")
	require.NotNil(t, m)
	hist, ok := m.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	require.Len(t, hist.DataPoints, 1)

	dp := hist.DataPoints[0]
	assert.Equal(t, uint64(1), dp.Count)
	_, hasStatus := dp.Attributes.Value(attribute.Key("http.status_code"))
	assert.False(t, hasStatus, "latency series carries method and route only")
}

func TestHTTPMetricsRecordsBodySizes(t *testing.T) {
	router, reader := meteredRouter(t)

	body := strings.NewReader(`{"venue_id":"abc","day":"2026-09-01","party_size":2}`)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/reservations", body))

	reqSize := collectHTTPMetric(t, reader, "http_server_request_size_bytes")
	require.NotNil(t, reqSize)
	reqHist := reqSize.Data.(metricdata.Histogram[float64])
	require.Len(t, reqHist.DataPoints, 1)
	assert.Greater(t, reqHist.DataPoints[0].Sum, float64(0))

	respSize := collectHTTPMetric(t, reader, "http_server_response_size_bytes")
	require.NotNil(t, respSize)
	respHist := respSize.Data.(metricdata.Histogram[float64])
	require.Len(t, respHist.DataPoints, 1)
	assert.Equal(t, float64(len("created")), respHist.DataPoints[0].Sum)
}

func TestHTTPMetricsActiveRequestsReturnsToZero(t *testing.T) {
	router, reader := meteredRouter(t)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/venues/abc", nil))

	m := collectHTTPMetric(t, reader, "http_server_active_requests")
	require.NotNil(t, m)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok)
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	assert.Zero(t, total, "increments and decrements cancel once the request finishes")
}

func TestHTTPMetricsDisabledRecordsNothing(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(HTTPMetricsWithMeter(mp.Meter("http.server"), false))
	router.GET("/api/v1/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Empty(t, rm.ScopeMetrics)
}

func TestHTTPMetricsConfigDisabledIsPassthrough(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(HTTPMetrics(HTTPMetricsConfig{Enabled: false}))
	router.GET("/api/v1/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
