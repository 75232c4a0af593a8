package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"entitlement-api/internal/response"

	"github.com/gin-gonic/gin"
)

// APIKeyAuthMiddleware requires the configured API key on every request. An
// empty key disables the check.
func APIKeyAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" {
			c.Set("request_time", time.Now())
			c.Next()
			return
		}

		// Get API key from header, bearer token or query parameter
		apiKey := c.GetHeader("X-API-Key")
		if apiKey == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				apiKey = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if apiKey == "" {
			apiKey = c.Query("api_key")
		}

		if apiKey == "" {
			response.AbortJSON(c, http.StatusUnauthorized, response.CodeUnauthorized, "Missing api_key")
			return
		}
		if subtle.ConstantTimeCompare([]byte(apiKey), []byte(expected)) != 1 {
			response.AbortJSON(c, http.StatusUnauthorized, response.CodeUnauthorized, "Invalid api_key")
			return
		}

		c.Set("request_time", time.Now())
		c.Next()
	}
}
