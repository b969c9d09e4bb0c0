package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aegisd/aegis/internal/services"
)

const UserUUIDKey = "userUUID"

// Auth validates the bearer token on admin routes and stores the caller's
// user UUID in the request context.
func Auth(authService *services.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		userUUID, err := authService.VerifyToken(strings.TrimPrefix(header, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(UserUUIDKey, userUUID)
		c.Next()
	}
}

// CallerUUID returns the authenticated user's UUID from the context, empty
// when the route is unauthenticated.
func CallerUUID(c *gin.Context) string {
	if v, ok := c.Get(UserUUIDKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
