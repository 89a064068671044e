// Package middleware provides the gin middleware chain of the HTTP server.
package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/kart-io/sentinel-rag/pkg/infra/middleware/common"
	mwopts "github.com/kart-io/sentinel-rag/pkg/options/middleware"
	"github.com/kart-io/sentinel-rag/pkg/utils/id"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

// HeaderXRequestID is re-exported from common.
const HeaderXRequestID = common.HeaderXRequestID

// maxRequestIDLength 超长的客户端请求 ID 会被替换。
const maxRequestIDLength = 128

// RequestID returns a middleware that adds a unique request ID to each request.
// The request ID is added to:
//   - Response header (X-Request-ID)
//   - gin context key response.RequestIDKey, rendered into every response body
//   - Request context (can be retrieved with GetRequestID)
func RequestID() gin.HandlerFunc {
	return RequestIDWithOptions(*mwopts.NewRequestIDOptions())
}

// RequestIDWithOptions returns a RequestID middleware with custom options.
func RequestIDWithOptions(opts mwopts.RequestIDOptions) gin.HandlerFunc {
	if opts.Header == "" {
		opts.Header = HeaderXRequestID
	}
	generate := common.GenerateRequestID
	if opts.GeneratorType == mwopts.GeneratorULID {
		generate = id.NewULID
	}

	return func(c *gin.Context) {
		requestID := c.GetHeader(opts.Header)
		if requestID == "" || len(requestID) > maxRequestIDLength {
			requestID = generate()
		}

		c.Header(opts.Header, requestID)
		c.Set(response.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(common.WithRequestID(c.Request.Context(), requestID))

		c.Next()
	}
}

// GetRequestID is re-exported from common.
var GetRequestID = common.GetRequestID
