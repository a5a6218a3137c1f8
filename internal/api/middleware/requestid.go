package middleware

import (
	"telemetry-gateway/internal/idgen"

	"github.com/gin-contrib/requestid"
	"github.com/gin-gonic/gin"
)

const RequestIDKey = "X-Request-ID"

// RequestID injects a request ID into each request context and response.
// Caller-supplied IDs are kept only when they are safe to echo back into logs.
func RequestID() gin.HandlerFunc {
	assign := requestid.New(
		requestid.WithGenerator(idgen.NewRequest),
		requestid.WithCustomHeaderStrKey(RequestIDKey),
		requestid.WithHandler(func(c *gin.Context, requestID string) {
			c.Set(RequestIDKey, requestID)
		}),
	)

	return func(c *gin.Context) {
		if supplied := c.GetHeader(RequestIDKey); supplied != "" && !idgen.Valid(supplied) {
			c.Request.Header.Del(RequestIDKey)
		}
		assign(c)
	}
}
