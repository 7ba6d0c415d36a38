package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/rosterhq/roster/internal/logging"
)

// RequestLogging tags each request with a short request ID and logs method,
// path, status, and latency on completion. Token material never appears in
// these lines.
func RequestLogging() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := logging.GenerateRequestID()
		logging.SetGinRequestID(c, requestID)
		c.Request = c.Request.WithContext(logging.WithRequestID(c.Request.Context(), requestID))

		start := time.Now()
		c.Next()
		latency := time.Since(start)

		status := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"request_id": requestID,
			"status":     status,
			"latency":    latency.Round(time.Millisecond).String(),
		})
		line := c.Request.Method + " " + c.Request.URL.Path
		switch {
		case status >= 500:
			entry.Error(line)
		case status >= 400:
			entry.Warn(line)
		default:
			entry.Debug(line)
		}
	}
}
