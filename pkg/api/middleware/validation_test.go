package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
)

func TestValidator_ValidateURL(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	for _, u := range []string{"", "http://example.com/data", "https://api.example.com:8443/v1?x=1"} {
		if err := v.ValidateURL(u); err != nil {
			t.Errorf("expected %q to be valid, got %v", u, err)
		}
	}
	for _, u := range []string{"/relative", "ftp://example.com", "file:///etc/passwd", "http://" + strings.Repeat("a", 3000)} {
		if err := v.ValidateURL(u); err == nil {
			t.Errorf("expected %q to be rejected", u)
		}
	}
}

func TestValidator_ValidateMethod(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	for _, m := range []string{"", "GET", "post"} {
		if err := v.ValidateMethod(m); err != nil {
			t.Errorf("expected method %q to be valid", m)
		}
	}
	if err := v.ValidateMethod("TRACE"); err == nil {
		t.Error("expected TRACE to be rejected")
	}
}

func TestValidator_ValidateHeaders(t *testing.T) {
	config := DefaultValidatorConfig()
	config.MaxHeaders = 2
	v := NewValidator(config)

	if err := v.ValidateHeaders(map[string]string{"Accept": "application/json"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := v.ValidateHeaders(map[string]string{"Bad Name": "x"}); err == nil {
		t.Error("expected header name with space to be rejected")
	}
	if err := v.ValidateHeaders(map[string]string{"A": "1", "B": "2", "C": "3"}); err == nil {
		t.Error("expected too many headers to be rejected")
	}
}

func TestValidator_ValidateTimeout(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	if d, err := v.ValidateTimeout("3s"); err != nil || d != 3*time.Second {
		t.Errorf("expected 3s, got %v (%v)", d, err)
	}
	if d, err := v.ValidateTimeout(""); err != nil || d != 0 {
		t.Errorf("empty timeout should mean default, got %v (%v)", d, err)
	}
	for _, raw := range []string{"soon", "-1s", "1h"} {
		if _, err := v.ValidateTimeout(raw); err == nil {
			t.Errorf("expected timeout %q to be rejected", raw)
		}
	}
}

func TestValidator_ValidateCadence(t *testing.T) {
	v := NewValidator(DefaultValidatorConfig())

	for _, c := range []string{"5s", "@every 1m", "*/5 * * * *", "@hourly"} {
		if err := v.ValidateCadence(c); err != nil {
			t.Errorf("expected cadence %q to be valid, got %v", c, err)
		}
	}
	for _, c := range []string{"", "10ms", "sometimes", "* * *"} {
		if err := v.ValidateCadence(c); err == nil {
			t.Errorf("expected cadence %q to be rejected", c)
		}
	}
}

func TestRequestIDMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/test", func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString(RequestIDKey))
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	first := w.Header().Get("X-Request-ID")
	if len(first) != 36 || w.Body.String() != first {
		t.Errorf("expected a generated uuid, got header %q body %q", first, w.Body.String())
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	if w.Header().Get("X-Request-ID") == first {
		t.Error("request ids should differ")
	}

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "upstream-1")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("X-Request-ID"); got != "upstream-1" {
		t.Errorf("expected upstream id to be kept, got %q", got)
	}
}

func TestBodySizeLimitMiddleware(t *testing.T) {
	router := gin.New()
	router.Use(BodySizeLimitMiddleware(8))
	router.POST("/test", func(c *gin.Context) {
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("0123456789")))
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("expected 413, got %d", w.Code)
	}
}
