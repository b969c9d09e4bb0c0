package middleware

import (
	"github.com/gin-gonic/gin"
)

// SecurityHeaders sets defensive HTTP headers on every API response.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		// X-Frame-Options: Prevent clickjacking
		c.Header("X-Frame-Options", "DENY")

		// X-Content-Type-Options: Prevent MIME sniffing
		c.Header("X-Content-Type-Options", "nosniff")

		// Referrer-Policy: Control referrer information sent with requests
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		// Cache-Control: block-state and incident responses must not be
		// cached by intermediaries
		c.Header("Cache-Control", "no-store")

		c.Next()
	}
}
