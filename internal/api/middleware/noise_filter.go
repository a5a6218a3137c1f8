package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const skipLoggingKey = "skip_logging"

// NoiseFilter marks requests that should not be logged at info level:
// successful requests to quietPaths (health checks) and scanner traffic
// hitting unregistered routes.
func NoiseFilter(quietPaths ...string) gin.HandlerFunc {
	quiet := make(map[string]struct{}, len(quietPaths))
	for _, path := range quietPaths {
		quiet[path] = struct{}{}
	}

	return func(c *gin.Context) {
		// Process request first
		c.Next()

		path := c.Request.URL.Path
		status := c.Writer.Status()

		if _, ok := quiet[path]; ok && status < http.StatusBadRequest {
			c.Set(skipLoggingKey, true)
			return
		}

		// No matched route: scanners probing for vulnerabilities
		if c.FullPath() == "" && (status == http.StatusNotFound || status == http.StatusMethodNotAllowed) {
			if isScannerPath(path) {
				c.Set(skipLoggingKey, true)
			}
		}
	}
}

// isScannerPath checks if a path is commonly used by scanners
func isScannerPath(path string) bool {
	scannerPaths := []string{
		"/phpmyadmin",
		"/wp-admin",
		"/wp-login",
		"/.env",
		"/.git",
		"/backup",
		"/.aws",
		"/console",
		"/actuator",
		"/cgi-bin",
		"/.well-known",
		"/robots.txt",
		"/favicon.ico",
	}

	lowercasePath := strings.ToLower(path)
	for _, scannerPath := range scannerPaths {
		if strings.HasPrefix(lowercasePath, scannerPath) {
			return true
		}
	}

	for _, ext := range []string{".php", ".asp", ".aspx", ".jsp", ".bak", ".sql", ".zip"} {
		if strings.HasSuffix(lowercasePath, ext) {
			return true
		}
	}

	return false
}
