package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// requestLoggingMiddleware logs every request at debug level, failures at
// warn.
func (s *GinServer) requestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start),
		})
		if msg := c.Errors.ByType(gin.ErrorTypePrivate).String(); msg != "" {
			entry = entry.WithField("error", msg)
		}
		if c.Writer.Status() >= 500 {
			entry.Warn("Control request failed")
			return
		}
		entry.Debug("Control request")
	}
}

func (s *GinServer) versionHeaderMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Service-Version", s.version)
		c.Next()
	}
}
