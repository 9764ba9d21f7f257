package httpmiddleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestTokenBucket(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	l := NewTokenBucket(2, 60, func(c *gin.Context) string { return c.GetHeader("X-Device") })
	l.now = func() time.Time { return now }

	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(l.GinMiddleware())
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	hit := func(device string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Device", device)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, hit("a").Code)
	assert.Equal(t, http.StatusOK, hit("a").Code)
	w := hit("a")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))

	assert.Equal(t, http.StatusOK, hit("b").Code, "buckets are per key")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, hit("a").Code)
	assert.Equal(t, http.StatusTooManyRequests, hit("a").Code)
}
