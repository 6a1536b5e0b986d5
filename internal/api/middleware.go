package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"example.com/estate/services/searchsync/internal/metrics"
)

// requestLogger logs every request at a level chosen by its status
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		status := c.Writer.Status()
		level := zerolog.InfoLevel
		switch {
		case status >= 500:
			level = zerolog.ErrorLevel
		case status >= 400:
			level = zerolog.WarnLevel
		}

		log.WithLevel(level).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("method", c.Request.Method).
			Str("path", path).
			Str("request_id", c.GetHeader("X-Request-ID")).
			Msg("Request processed")
	}
}

// requestMetrics times requests per route and counts server errors
func requestMetrics(collector *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		name := "http " + c.Request.Method + " " + route
		collector.IncrementCounter(metrics.CounterHTTPRequests)
		collector.RecordDuration(name, time.Since(start))
		collector.RecordOutcome(name, c.Writer.Status() >= 500)
	}
}
