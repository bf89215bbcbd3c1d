package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"filing-analyzer/internal/config"
	"filing-analyzer/internal/telemetry"
)

func newTestRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(handlers...)
	r.GET("/api/v1/examples", func(c *gin.Context) { c.String(http.StatusOK, GetRequestID(c)) })
	r.GET("/api/v1/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.POST("/api/v1/analyze", func(c *gin.Context) {
		var body map[string]interface{}
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		c.Status(http.StatusOK)
	})
	return r
}

func TestRequestIDGeneratedAndEchoed(t *testing.T) {
	r := newTestRouter(RequestIDMiddleware())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/examples", nil))
	id := w.Header().Get(RequestIDHeader)
	assert.Len(t, id, 36)
	assert.Equal(t, id, w.Body.String())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/examples", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestLocalRateLimit(t *testing.T) {
	cfg := &config.Config{RateLimitReqs: 3, RateLimitWindow: 60}
	r := newTestRouter(RateLimitMiddleware(nil, cfg))

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/examples", nil))
		codes = append(codes, w.Code)
		if w.Code == http.StatusTooManyRequests {
			assert.Equal(t, "60", w.Header().Get("Retry-After"))
			assert.Contains(t, w.Body.String(), "rate_limit_exceeded")
		}
	}
	assert.Equal(t, []int{200, 200, 200, 429, 429}, codes)

	// Health checks are never limited.
	for i := 0; i < 5; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRequestSizeLimit(t *testing.T) {
	r := newTestRouter(RequestSizeLimit(64))

	w := httptest.NewRecorder()
	big := `{"question":"` + strings.Repeat("x", 200) + `"}`
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(big)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/analyze", strings.NewReader(`{"question":"ok"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsMiddlewareToleratesUninitializedMeter(t *testing.T) {
	r := newTestRouter(MetricsMiddleware(&telemetry.Metrics{}))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}
