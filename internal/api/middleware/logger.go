package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/timmy/voucherd/internal/logger"
)

// RequestIDHeader is echoed back, and reused when the caller supplies one.
const RequestIDHeader = "X-Request-ID"

// Logger returns a Gin middleware that attaches a request-scoped logger to the
// request context and logs each completed request.
// Parameters:
//   - log: base logger to enrich with request fields.
// Returns:
//   - gin.HandlerFunc: middleware handler.
func Logger(log *logger.Logger) gin.HandlerFunc {
	if log == nil {
		log = logger.GetDefault()
	}
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}

		fields := logger.Fields{
			logger.FieldRequestID: requestID,
			logger.FieldComponent: "api",
		}
		if userID := c.GetHeader("X-User-ID"); userID != "" {
			fields[logger.FieldUserID] = userID
		}
		ctx := log.WithFields(fields).WithContext(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		status := c.Writer.Status()
		entry := logger.With(logger.Fields{
			logger.FieldStatus:     status,
			logger.FieldDurationMs: time.Since(start).Milliseconds(),
			logger.FieldSize:       c.Writer.Size(),
		})

		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" {
			path += "?" + c.Request.URL.RawQuery
		}
		switch {
		case status >= 500:
			entry.Error(ctx, "Request failed: method=%s, path=%s", c.Request.Method, path)
		case status >= 400:
			entry.Warn(ctx, "Request rejected: method=%s, path=%s", c.Request.Method, path)
		default:
			entry.Info(ctx, "Request completed: method=%s, path=%s", c.Request.Method, path)
		}
	}
}
