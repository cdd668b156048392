package middleware

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pollsync/pkg/scheduler"
)

// ValidatorConfig bounds what a reconfigure request may ask for.
type ValidatorConfig struct {
	AllowedSchemes []string
	AllowedMethods []string
	MaxURLLength   int
	MaxHeaders     int
	MaxBodyLength  int
	MaxTimeout     time.Duration
	MinInterval    time.Duration
}

// DefaultValidatorConfig returns safe defaults
func DefaultValidatorConfig() ValidatorConfig {
	return ValidatorConfig{
		AllowedSchemes: []string{"http", "https"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch},
		MaxURLLength:   2048,
		MaxHeaders:     32,
		MaxBodyLength:  64 << 10,
		MaxTimeout:     2 * time.Minute,
		MinInterval:    100 * time.Millisecond,
	}
}

// Validator checks polling configuration supplied over the API.
type Validator struct {
	config ValidatorConfig
}

func NewValidator(config ValidatorConfig) *Validator {
	return &Validator{config: config}
}

// ValidateURL accepts an empty URL (which disables polling on its own)
// or an absolute URL with an allowed scheme.
func (v *Validator) ValidateURL(raw string) error {
	if raw == "" {
		return nil
	}
	if len(raw) > v.config.MaxURLLength {
		return &ValidationError{Field: "url", Message: "url exceeds maximum length"}
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return &ValidationError{Field: "url", Message: "url must be absolute"}
	}
	if !contains(v.config.AllowedSchemes, strings.ToLower(u.Scheme)) {
		return &ValidationError{Field: "url", Message: "unsupported url scheme"}
	}
	return nil
}

func (v *Validator) ValidateMethod(method string) error {
	if method == "" || contains(v.config.AllowedMethods, strings.ToUpper(method)) {
		return nil
	}
	return &ValidationError{Field: "method", Message: "unsupported method"}
}

func (v *Validator) ValidateHeaders(headers map[string]string) error {
	if len(headers) > v.config.MaxHeaders {
		return &ValidationError{Field: "headers", Message: "too many headers"}
	}
	for name := range headers {
		if strings.TrimSpace(name) == "" || strings.ContainsAny(name, " \r\n:") {
			return &ValidationError{Field: "headers", Message: "invalid header name"}
		}
	}
	return nil
}

func (v *Validator) ValidateBody(body string) error {
	if len(body) > v.config.MaxBodyLength {
		return &ValidationError{Field: "body", Message: "body exceeds maximum length"}
	}
	return nil
}

// ValidateTimeout parses a Go duration. Empty means the fetcher default.
func (v *Validator) ValidateTimeout(raw string) (time.Duration, error) {
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 || d > v.config.MaxTimeout {
		return 0, &ValidationError{Field: "timeout", Message: "timeout must be a positive duration within the limit"}
	}
	return d, nil
}

// ValidateCadence accepts everything scheduler.ParseCadence does, with
// plain durations held to the minimum interval.
func (v *Validator) ValidateCadence(raw string) error {
	if d, err := time.ParseDuration(raw); err == nil && d < v.config.MinInterval {
		return &ValidationError{Field: "cadence", Message: "interval below minimum"}
	}
	if _, err := scheduler.ParseCadence(raw); err != nil {
		return &ValidationError{Field: "cadence", Message: err.Error()}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// ValidationError represents a validation failure
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// BodySizeLimitMiddleware limits request body size
func BodySizeLimitMiddleware(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": "request body too large",
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// SecurityHeadersMiddleware adds security headers
func SecurityHeadersMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Cache-Control", "no-store")
		c.Next()
	}
}

// RequestIDKey is the gin context key holding the request id.
const RequestIDKey = "request_id"

// RequestIDMiddleware propagates X-Request-ID or assigns a fresh one.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		c.Set(RequestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}
