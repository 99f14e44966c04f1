package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func RegisterSyncRoutes(r *gin.Engine, handler *SyncHandler) {
	s := r.Group("/sync")
	{
		s.GET("/status", handler.GetStatus)
		s.POST("/trigger", handler.Trigger)
		s.POST("/full", handler.FullSync)
		s.POST("/pause", handler.Pause)
		s.POST("/resume", handler.Resume)
		s.PUT("/connectivity", handler.SetConnectivity)
		s.POST("/reconcile", handler.Reconcile)
		s.POST("/records/:table", handler.RecordChange)

		outbox := s.Group("/outbox")
		outbox.GET("/stats", handler.GetOutboxStats)
		outbox.GET("/failed", handler.ListFailed)
		outbox.POST("/retry-failed", handler.RetryFailed)
		outbox.DELETE("/completed", handler.ClearCompleted)
	}
}

// RegisterOpsRoutes expone /health y, si se pasa, el handler de métricas de Prometheus.
func RegisterOpsRoutes(r *gin.Engine, metrics http.Handler) {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
}
