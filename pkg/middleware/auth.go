package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ServiceAuthMiddleware guards service-to-service endpoints with a shared
// bearer token. Subscriber playback never goes through this; it only protects
// the admin surface.
func ServiceAuthMiddleware(expectedToken string) HandlerFunc {
	return func(c Context) {
		token := c.GetHeader("Authorization")
		token = strings.TrimPrefix(token, "Bearer ")

		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "service token required"})
			return
		}
		if expectedToken == "" || token != expectedToken {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "invalid service token"})
			return
		}

		c.Next()
	}
}
