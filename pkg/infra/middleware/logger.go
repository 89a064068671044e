package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/pkg/infra/tracing"
	mwopts "github.com/kart-io/sentinel-rag/pkg/options/middleware"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

// fieldsPool is a sync.Pool for reusing fields slices to reduce heap allocations.
var fieldsPool = sync.Pool{
	New: func() interface{} {
		s := make([]interface{}, 0, 16)
		return &s
	},
}

// acquireFields retrieves a fields slice from the pool.
func acquireFields() *[]interface{} {
	return fieldsPool.Get().(*[]interface{})
}

// releaseFields resets and returns the fields slice to the pool.
func releaseFields(fields *[]interface{}) {
	*fields = (*fields)[:0]
	fieldsPool.Put(fields)
}

// Logger returns a middleware that logs HTTP requests.
func Logger() gin.HandlerFunc {
	return LoggerWithOptions(*mwopts.NewLoggerOptions())
}

// LoggerWithOptions returns a Logger middleware with custom options.
// Server errors are logged at error level, client errors at warn level.
func LoggerWithOptions(opts mwopts.LoggerOptions) gin.HandlerFunc {
	skipPaths := make(map[string]bool, len(opts.SkipPaths))
	for _, path := range opts.SkipPaths {
		skipPaths[path] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skipPaths[path] {
			c.Next()
			return
		}

		start := time.Now()
		c.Next()
		latency := time.Since(start)
		status := c.Writer.Status()

		fields := acquireFields()
		defer releaseFields(fields)

		*fields = append(*fields,
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"client_ip", c.ClientIP(),
			"latency", latency.String(),
			"latency_ms", latency.Milliseconds(),
			"bytes", c.Writer.Size(),
		)
		if requestID := c.GetString(response.RequestIDKey); requestID != "" {
			*fields = append(*fields, "request_id", requestID)
		}
		if traceID := tracing.TraceIDFromContext(c.Request.Context()); traceID != "" {
			*fields = append(*fields, "trace_id", traceID)
		}
		if len(c.Errors) > 0 {
			*fields = append(*fields, "errors", c.Errors.String())
		}

		switch {
		case status >= 500:
			logger.Errorw("HTTP Request", (*fields)...)
		case status >= 400:
			logger.Warnw("HTTP Request", (*fields)...)
		default:
			logger.Infow("HTTP Request", (*fields)...)
		}
	}
}
