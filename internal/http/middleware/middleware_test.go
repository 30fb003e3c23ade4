package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newRouter(mw ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw...)
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })
	return r
}

func get(r *gin.Engine, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRequestIDGenerated(t *testing.T) {
	r := newRouter(RequestID())

	w := get(r, nil)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if rid := w.Header().Get(requestIDHeader); rid == "" {
		t.Error("no X-Request-ID header on the response")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	r := newRouter(RequestID())

	w := get(r, map[string]string{requestIDHeader: "abc-123"})

	if rid := w.Header().Get(requestIDHeader); rid != "abc-123" {
		t.Errorf("X-Request-ID = %q, want the inbound value", rid)
	}
}

func TestRecoveryConvertsPanics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Logger(), Recovery())
	r.GET("/boom", func(*gin.Context) { panic("kaboom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if body := w.Body.String(); body == "" {
		t.Error("empty error body")
	}
}

func TestLoggerFromFallback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	if lg := LoggerFrom(c); lg == nil {
		t.Fatal("LoggerFrom returned nil without an attached logger")
	}
}

func TestRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(100, 5)
	r := newRouter(rl.Handler())

	for i := 0; i < 5; i++ {
		if w := get(r, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}
}

func TestRateLimiterRejectsOverBurst(t *testing.T) {
	// Zero refill: the bucket never recovers inside the test.
	rl := NewRateLimiter(0, 2)
	r := newRouter(rl.Handler())

	for i := 0; i < 2; i++ {
		if w := get(r, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, w.Code)
		}
	}

	w := get(r, nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("no Retry-After header on a rejected request")
	}
}

func TestRateLimiterCoercesBurst(t *testing.T) {
	rl := NewRateLimiter(1, 0)
	if rl.burst != 1 {
		t.Errorf("burst = %d, want coerced to 1", rl.burst)
	}
}
