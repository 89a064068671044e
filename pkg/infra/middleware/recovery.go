package middleware

import (
	"fmt"
	"runtime/debug"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/pkg/errors"
	mwopts "github.com/kart-io/sentinel-rag/pkg/options/middleware"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

// Recovery returns a middleware that recovers from panics.
// It converts panics to JSON error responses using the error code system.
func Recovery() gin.HandlerFunc {
	return RecoveryWithOptions(*mwopts.NewRecoveryOptions())
}

// RecoveryWithOptions returns a Recovery middleware with custom options.
// The stack trace goes to the log only; clients see ErrPanic's public message.
func RecoveryWithOptions(opts mwopts.RecoveryOptions) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			r := recover()
			if r == nil {
				return
			}

			fields := []interface{}{
				"method", c.Request.Method,
				"path", c.Request.URL.Path,
				"panic", fmt.Sprint(r),
				"request_id", c.GetString(response.RequestIDKey),
			}
			if opts.EnableStackTrace {
				fields = append(fields, "stack", string(debug.Stack()))
			}
			logger.Errorw("panic recovered", fields...)

			response.Fail(c, errors.ErrPanic.WithCause(fmt.Errorf("panic: %v", r)))
		}()
		c.Next()
	}
}
