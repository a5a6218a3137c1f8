package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"
)

// AdminKeyHeader carries the operator key for /admin routes
const AdminKeyHeader = "X-Gateway-Key"

// APIKey verifies the operator key on administrative routes
func APIKey(key string) gin.HandlerFunc {
	expected := []byte(key)
	return func(c *gin.Context) {
		provided := []byte(c.GetHeader(AdminKeyHeader))
		if len(expected) == 0 || subtle.ConstantTimeCompare(provided, expected) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "Unauthorized",
				"code":    "UNAUTHORIZED",
			})
			return
		}
		c.Next()
	}
}
