package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins  []string
	AllowAllOrigins bool
}

const (
	corsAllowHeaders = "Content-Type, Content-Length, Authorization, Accept, Origin, X-Requested-With, X-User-ID, X-Request-ID"
	corsAllowMethods = "GET, POST, OPTIONS"
)

// CORS returns a middleware that handles Cross-Origin Resource Sharing
func CORS(config CORSConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")

		if config.AllowAllOrigins {
			c.Header("Access-Control-Allow-Origin", "*")
		} else if origin != "" && IsOriginAllowed(origin, config) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		} else {
			// Unknown origins get no CORS headers; the browser blocks them.
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Headers", corsAllowHeaders)
		c.Header("Access-Control-Allow-Methods", corsAllowMethods)
		c.Header("Access-Control-Expose-Headers", "Content-Length, X-Request-ID")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// IsOriginAllowed checks if an origin is allowed based on the configuration
func IsOriginAllowed(origin string, config CORSConfig) bool {
	if config.AllowAllOrigins {
		return true
	}

	for _, allowedOrigin := range config.AllowedOrigins {
		if allowedOrigin == "*" || strings.EqualFold(origin, allowedOrigin) {
			return true
		}
	}

	return false
}
