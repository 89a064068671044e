package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	mwopts "github.com/kart-io/sentinel-rag/pkg/options/middleware"
)

// CORSWithOptions returns a middleware that adds CORS headers.
// Requests from origins outside AllowOrigins pass through without CORS headers.
func CORSWithOptions(opts mwopts.CORSOptions) gin.HandlerFunc {
	defaults := mwopts.NewCORSOptions()
	if len(opts.AllowOrigins) == 0 {
		opts.AllowOrigins = defaults.AllowOrigins
	}
	if len(opts.AllowMethods) == 0 {
		opts.AllowMethods = defaults.AllowMethods
	}
	if len(opts.AllowHeaders) == 0 {
		opts.AllowHeaders = defaults.AllowHeaders
	}
	if opts.MaxAge == 0 {
		opts.MaxAge = defaults.MaxAge
	}

	allowMethods := strings.Join(opts.AllowMethods, ", ")
	allowHeaders := strings.Join(opts.AllowHeaders, ", ")
	exposeHeaders := strings.Join(opts.ExposeHeaders, ", ")
	maxAge := strconv.Itoa(opts.MaxAge)

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")

		allowedOrigin := ""
		for _, o := range opts.AllowOrigins {
			if o == "*" || o == origin {
				allowedOrigin = o
				break
			}
		}
		if allowedOrigin == "" {
			c.Next()
			return
		}

		c.Header("Access-Control-Allow-Origin", allowedOrigin)
		if opts.AllowCredentials {
			c.Header("Access-Control-Allow-Credentials", "true")
		}
		if exposeHeaders != "" {
			c.Header("Access-Control-Expose-Headers", exposeHeaders)
		}

		// 预检请求
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", allowMethods)
			c.Header("Access-Control-Allow-Headers", allowHeaders)
			c.Header("Access-Control-Max-Age", maxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
