package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORS allows the dashboard at allowedOrigin to call the gateway from a
// browser. An empty allowedOrigin disables the headers; "*" allows any origin.
func CORS(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if allowedOrigin == "" || origin == "" {
			c.Next()
			return
		}

		if allowedOrigin == "*" || origin == allowedOrigin {
			header := c.Writer.Header()
			header.Set("Access-Control-Allow-Origin", origin)
			header.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			header.Set("Access-Control-Allow-Headers", "Content-Type, Accept, Accept-Encoding, X-Request-ID")
			header.Set("Access-Control-Expose-Headers", "Content-Length, X-Request-ID")
			header.Set("Access-Control-Max-Age", "86400")
			header.Add("Vary", "Origin")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
