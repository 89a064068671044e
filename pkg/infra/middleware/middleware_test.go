package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kart-io/sentinel-rag/pkg/errors"
	mwopts "github.com/kart-io/sentinel-rag/pkg/options/middleware"
	"github.com/kart-io/sentinel-rag/pkg/utils/json"
	"github.com/kart-io/sentinel-rag/pkg/utils/response"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(mws ...gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(mws...)
	return r
}

func decode(t *testing.T, w *httptest.ResponseRecorder) response.Response {
	t.Helper()
	var resp response.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestRequestIDGeneratesAndPropagates(t *testing.T) {
	r := newEngine(RequestID())
	var fromCtx string
	r.GET("/ping", func(c *gin.Context) {
		fromCtx = GetRequestID(c.Request.Context())
		response.OK(c, "pong")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))

	header := w.Header().Get(HeaderXRequestID)
	assert.Len(t, header, 36, "uuid v4")
	assert.Equal(t, header, fromCtx)
	assert.Equal(t, header, decode(t, w).RequestID)
}

func TestRequestIDKeepsClientValue(t *testing.T) {
	r := newEngine(RequestID())
	r.GET("/ping", func(c *gin.Context) { response.OK(c, nil) })

	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"client id", "abc-123", true},
		{"oversized id", strings.Repeat("x", maxRequestIDLength+1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/ping", nil)
			req.Header.Set(HeaderXRequestID, tt.header)
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if tt.keep {
				assert.Equal(t, tt.header, w.Header().Get(HeaderXRequestID))
			} else {
				assert.NotEqual(t, tt.header, w.Header().Get(HeaderXRequestID))
			}
		})
	}
}

func TestRequestIDULIDGenerator(t *testing.T) {
	r := newEngine(RequestIDWithOptions(mwopts.RequestIDOptions{GeneratorType: mwopts.GeneratorULID}))
	r.GET("/ping", func(c *gin.Context) { response.OK(c, nil) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Len(t, w.Header().Get(HeaderXRequestID), 26)
}

func TestRecoveryRendersPanicWithoutDetails(t *testing.T) {
	r := newEngine(RequestID(), Recovery())
	r.GET("/boom", func(*gin.Context) { panic("secret internal state") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decode(t, w)
	assert.Equal(t, errors.ErrPanic.Code, resp.Code)
	assert.NotEmpty(t, resp.RequestID)
	assert.NotContains(t, w.Body.String(), "secret internal state")
	assert.NotContains(t, w.Body.String(), "goroutine")
}

func TestLoggerPassesThrough(t *testing.T) {
	r := newEngine(RequestID(), LoggerWithOptions(mwopts.LoggerOptions{SkipPaths: []string{"/healthz"}}))
	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/missing", func(c *gin.Context) { response.Fail(c, errors.ErrNotFound) })

	for path, code := range map[string]int{"/healthz": http.StatusOK, "/missing": http.StatusNotFound} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, code, w.Code, path)
	}
}

func TestBodyLimit(t *testing.T) {
	r := newEngine(BodyLimitWithOptions(mwopts.BodyLimitOptions{Enabled: true, MaxSize: 8, SkipPaths: []string{"/upload"}}))
	echo := func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			response.Fail(c, errors.ErrRequestTooLarge.WithCause(err))
			return
		}
		response.OK(c, string(body))
	}
	r.POST("/query", echo)
	r.POST("/upload", echo)

	tests := []struct {
		name    string
		path    string
		body    io.Reader
		chunked bool
		code    int
	}{
		{"within limit", "/query", strings.NewReader("short"), false, http.StatusOK},
		{"content-length over limit", "/query", strings.NewReader("far too long"), false, http.StatusRequestEntityTooLarge},
		{"streamed over limit", "/query", strings.NewReader("far too long"), true, http.StatusRequestEntityTooLarge},
		{"skipped path", "/upload", strings.NewReader("far too long"), false, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, tt.body)
			if tt.chunked {
				req.ContentLength = -1
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.code, w.Code)
		})
	}
}

func TestCORS(t *testing.T) {
	r := newEngine(CORSWithOptions(mwopts.CORSOptions{Enabled: true, AllowOrigins: []string{"https://ui.example.com"}}))
	r.GET("/v1/rag/stats", func(c *gin.Context) { c.Status(http.StatusOK) })

	preflight := httptest.NewRequest(http.MethodOptions, "/v1/rag/stats", nil)
	preflight.Header.Set("Origin", "https://ui.example.com")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, preflight)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://ui.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "POST")

	other := httptest.NewRequest(http.MethodGet, "/v1/rag/stats", nil)
	other.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, other)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}

func TestHTTPMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewHTTPMetrics("test", reg)
	require.NoError(t, err)

	r := newEngine(m.Handler())
	r.GET("/v1/rag/documents/:id/progress", func(c *gin.Context) { c.Status(http.StatusOK) })

	for _, path := range []string{"/v1/rag/documents/a/progress", "/v1/rag/documents/b/progress", "/nope"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "/v1/rag/documents/:id/progress", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")))
	assert.Zero(t, testutil.ToFloat64(m.activeRequests))

	_, err = NewHTTPMetrics("test", reg)
	assert.Error(t, err, "duplicate registration")
}
