// Package middleware provides Gin middleware for the management API:
// management-key authentication and request logging.
package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// ManagementAuth guards management routes with the configured key. The key
// is accepted as "Authorization: Bearer <key>" or the X-Management-Key
// header. An empty configured key locks the surface down entirely.
func ManagementAuth(managementKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if managementKey == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"status": "error",
				"error":  "management key is not configured",
			})
			return
		}
		supplied := extractKey(c)
		if subtle.ConstantTimeCompare([]byte(supplied), []byte(managementKey)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"status": "error",
				"error":  "invalid management key",
			})
			return
		}
		c.Next()
	}
}

func extractKey(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); auth != "" {
		if strings.HasPrefix(auth, "Bearer ") {
			return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		return strings.TrimSpace(auth)
	}
	if key := c.GetHeader("X-Management-Key"); key != "" {
		return strings.TrimSpace(key)
	}
	// Websocket clients cannot set headers from browsers, so the relay
	// endpoint also accepts the key as a query parameter.
	return strings.TrimSpace(c.Query("key"))
}
