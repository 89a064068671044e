// Package router provides RAG service routing.
package router

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/kart-io/logger"

	"github.com/kart-io/sentinel-rag/internal/rag/handler"
)

// Handlers groups everything the RAG routes dispatch to.
type Handlers struct {
	RAG     *handler.RAGHandler
	Health  *handler.HealthHandler
	Metrics http.Handler
}

// Register registers the RAG service routes.
func Register(engine *gin.Engine, h Handlers) {
	logger.Info("Registering RAG routes...")

	engine.GET("/healthz", h.Health.Healthz)
	if h.Metrics != nil {
		engine.GET("/metrics", gin.WrapH(h.Metrics))
	}

	v1 := engine.Group("/v1")
	{
		rag := v1.Group("/rag")
		{
			// Document endpoints
			rag.POST("/documents", h.RAG.Upload)
			rag.GET("/documents", h.RAG.ListDocuments)
			rag.GET("/documents/:id/progress", h.RAG.GetProgress)
			rag.DELETE("/documents/:id", h.RAG.DeleteDocument)

			// Query endpoint
			rag.POST("/query", h.RAG.Query)

			// Stats endpoint
			rag.GET("/stats", h.RAG.Stats)
		}
	}

	logger.Info("HTTP routes registered")
}
