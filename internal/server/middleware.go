package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"driftfs/pkg/metrics"
)

func MetricsMiddleware(serviceName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		method := c.Request.Method
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unknown"
		}
		statusCode := strconv.Itoa(c.Writer.Status())

		metrics.HTTPRequestsTotal.WithLabelValues(method, endpoint, statusCode, serviceName).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(method, endpoint, serviceName).Observe(duration)

		if c.Writer.Status() >= 400 {
			errorType := getErrorType(c.Writer.Status())
			metrics.HTTPErrorsTotal.WithLabelValues(method, endpoint, statusCode, errorType, serviceName).Inc()
		}
	}
}

func getErrorType(statusCode int) string {
	switch {
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "unknown"
	}
}
