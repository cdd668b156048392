package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestLimiter(rps float64, burst int) (*RateLimiter, *time.Time) {
	now := time.Unix(1_700_000_000, 0)
	limiter := NewRateLimiter(RateLimiterConfig{
		RequestsPerSecond: rps,
		BurstSize:         burst,
		IdleTimeout:       time.Minute,
	})
	limiter.now = func() time.Time { return now }
	return limiter, &now
}

func TestRateLimiter_AllowsWithinBurst(t *testing.T) {
	limiter, _ := newTestLimiter(1, 5)

	for i := 0; i < 5; i++ {
		if !limiter.Allow("client1") {
			t.Errorf("request %d should be allowed", i+1)
		}
	}
	if limiter.Allow("client1") {
		t.Error("sixth request should be blocked after burst exhausted")
	}
}

func TestRateLimiter_SeparatesClients(t *testing.T) {
	limiter, _ := newTestLimiter(1, 1)

	limiter.Allow("client1")
	if !limiter.Allow("client2") {
		t.Error("different client should have separate quota")
	}
}

func TestRateLimiter_RefillsOverTime(t *testing.T) {
	limiter, now := newTestLimiter(10, 1)

	limiter.Allow("client1")
	if limiter.Allow("client1") {
		t.Fatal("bucket should be empty")
	}

	*now = now.Add(200 * time.Millisecond)
	if !limiter.Allow("client1") {
		t.Error("request should be allowed after refill")
	}
}

func TestRateLimiter_ForgetsIdleClients(t *testing.T) {
	limiter, now := newTestLimiter(1, 1)

	limiter.Allow("client1")
	limiter.Allow("client2")
	if got := limiter.Clients(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	*now = now.Add(2 * time.Minute)
	limiter.Allow("client3")
	if got := limiter.Clients(); got != 1 {
		t.Errorf("expected idle clients to be swept, got %d", got)
	}
}

func TestRateLimiter_Middleware(t *testing.T) {
	limiter, _ := newTestLimiter(1, 2)

	router := gin.New()
	router.Use(limiter.Middleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
		if w.Code != http.StatusOK {
			t.Errorf("request %d: expected 200, got %d", i+1, w.Code)
		}
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}
}
