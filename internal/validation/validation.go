// Package validation provides input validation middleware for the admin
// panel API.
package validation

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// MaxStringLength is the maximum length for free-form string fields
const MaxStringLength = 2000

// MaxTargetLength bounds the target field of an action request. Entity ids
// are short decimal strings, anything longer is garbage.
const MaxTargetLength = 64

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	// Trim whitespace
	s = strings.TrimSpace(s)

	// Limit length
	if len(s) > maxLen {
		s = s[:maxLen]
	}

	// Remove null bytes
	s = strings.ReplaceAll(s, "\x00", "")

	return s
}

// SanitizeParams sanitizes every string value of an action's parameter map
// in place. Non-string values pass through untouched.
func SanitizeParams(params map[string]any) {
	for k, v := range params {
		if s, ok := v.(string); ok {
			params[k] = SanitizeString(s, MaxStringLength)
		}
	}
}
