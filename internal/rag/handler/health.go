package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/pkg/component/storage"
)

const healthCheckTimeout = 3 * time.Second

// Health states.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
)

// IndexCounter 返回索引记录数，用于探测向量索引是否可达。
type IndexCounter interface {
	Count(ctx context.Context) (int64, error)
	Dimension() int
}

// ComponentHealth 单个组件的健康状态。
type ComponentHealth struct {
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthResponse is the body of GET /healthz.
type HealthResponse struct {
	Status     string                     `json:"status"`
	Backend    string                     `json:"backend"`
	Chunks     int64                      `json:"chunks"`
	Dimension  int                        `json:"dimension"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthHandler reports index reachability and storage client health.
type HealthHandler struct {
	backend string
	index   IndexCounter
	storage *storage.Manager
}

// NewHealthHandler creates a HealthHandler. storageMgr may be nil.
func NewHealthHandler(backend string, index IndexCounter, storageMgr *storage.Manager) *HealthHandler {
	return &HealthHandler{backend: backend, index: index, storage: storageMgr}
}

// Healthz responds 200 when every dependency is reachable, 503 otherwise.
func (h *HealthHandler) Healthz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthCheckTimeout)
	defer cancel()

	resp := HealthResponse{
		Status:     StatusOK,
		Backend:    h.backend,
		Dimension:  h.index.Dimension(),
		Components: make(map[string]ComponentHealth),
	}

	start := time.Now()
	count, err := h.index.Count(ctx)
	index := ComponentHealth{Healthy: err == nil, LatencyMS: time.Since(start).Milliseconds()}
	if err != nil {
		index.Error = err.Error()
		resp.Status = StatusDegraded
		logger.Warnw("vector index health check failed", "backend", h.backend, "error", err.Error())
	}
	resp.Chunks = count
	resp.Components["index"] = index

	if h.storage != nil {
		for name, st := range h.storage.HealthCheckAll(ctx) {
			ch := ComponentHealth{Healthy: st.Healthy, LatencyMS: st.Latency.Milliseconds()}
			if st.Error != nil {
				ch.Error = st.Error.Error()
			}
			if !st.Healthy {
				resp.Status = StatusDegraded
			}
			resp.Components[name] = ch
		}
	}

	code := http.StatusOK
	if resp.Status != StatusOK {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, resp)
}
