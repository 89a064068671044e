package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/pkg/errors"
	mwopts "github.com/kart-io/sentinel-rag/pkg/options/middleware"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

// BodyLimit 返回一个请求体大小限制中间件。
func BodyLimit(maxSize int64) gin.HandlerFunc {
	return BodyLimitWithOptions(mwopts.BodyLimitOptions{Enabled: true, MaxSize: maxSize})
}

// BodyLimitWithOptions 返回一个带配置选项的请求体大小限制中间件。
//
// 工作原理：
//  1. 检查 Content-Length 头，如果超过限制立即拒绝
//  2. 使用 http.MaxBytesReader 限制实际读取的字节数
//  3. SkipPaths 中的路径（如上传接口）不受限制，由处理器自行限制
func BodyLimitWithOptions(opts mwopts.BodyLimitOptions) gin.HandlerFunc {
	if opts.MaxSize <= 0 {
		opts.MaxSize = 1 << 20
	}
	skip := make(map[string]bool, len(opts.SkipPaths))
	for _, p := range opts.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		req := c.Request
		if skip[req.URL.Path] {
			c.Next()
			return
		}

		if req.ContentLength > opts.MaxSize {
			logger.Warnw("request body too large",
				"path", req.URL.Path,
				"content_length", req.ContentLength,
				"max_size", opts.MaxSize,
			)
			response.Fail(c, errors.ErrRequestTooLarge)
			return
		}

		req.Body = http.MaxBytesReader(c.Writer, req.Body, opts.MaxSize)
		c.Next()
	}
}
