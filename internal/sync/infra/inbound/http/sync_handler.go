package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	sharedDomain "github.com/davicafu/offlinesync/internal/shared/domain"
	"github.com/davicafu/offlinesync/internal/sync/application"
	"github.com/davicafu/offlinesync/internal/sync/domain"
	"github.com/davicafu/offlinesync/pkg/utils"
)

// SyncEngine es lo que la superficie de control necesita del motor.
// *application.BidirectionalSyncManager lo implementa.
type SyncEngine interface {
	Status(ctx context.Context) application.StatusSnapshot
	OutboxStats(ctx context.Context) (sharedDomain.OutboxStats, error)
	FailedItems(ctx context.Context) ([]sharedDomain.OutboxItem, error)
	RetryFailed(ctx context.Context) (int, error)
	ClearCompleted(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) (int, error)
	TriggerSync(ctx context.Context) (domain.SyncSummary, bool)
	PerformFullSync(ctx context.Context) domain.SyncSummary
	Pause()
	Resume()
	SetOnline(online bool)
	RecordLocalChange(ctx context.Context, table string, op sharedDomain.Operation, data map[string]interface{}) (uuid.UUID, error)
}

var _ SyncEngine = (*application.BidirectionalSyncManager)(nil)

// SyncHandler encapsula los endpoints de control del motor de sync
type SyncHandler struct {
	engine SyncEngine
	log    *zap.Logger
}

func NewSyncHandler(engine SyncEngine, log *zap.Logger) *SyncHandler {
	return &SyncHandler{engine: engine, log: log}
}

// ---------------- Handlers ----------------

// GetStatus endpoint GET /sync/status
func (h *SyncHandler) GetStatus(c *gin.Context) {
	utils.SendSuccess(c, http.StatusOK, h.engine.Status(c.Request.Context()))
}

// GetOutboxStats endpoint GET /sync/outbox/stats
func (h *SyncHandler) GetOutboxStats(c *gin.Context) {
	stats, err := h.engine.OutboxStats(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, stats)
}

// ListFailed endpoint GET /sync/outbox/failed
func (h *SyncHandler) ListFailed(c *gin.Context) {
	items, err := h.engine.FailedItems(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	if items == nil {
		items = []sharedDomain.OutboxItem{}
	}
	utils.SendSuccess(c, http.StatusOK, items)
}

// RetryFailed endpoint POST /sync/outbox/retry-failed
func (h *SyncHandler) RetryFailed(c *gin.Context) {
	n, err := h.engine.RetryFailed(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"reset": n})
}

// ClearCompleted endpoint DELETE /sync/outbox/completed
func (h *SyncHandler) ClearCompleted(c *gin.Context) {
	n, err := h.engine.ClearCompleted(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"deleted": n})
}

// Reconcile endpoint POST /sync/reconcile
func (h *SyncHandler) Reconcile(c *gin.Context) {
	n, err := h.engine.Reconcile(c.Request.Context())
	if err != nil {
		h.internalError(c, err)
		return
	}
	utils.SendSuccess(c, http.StatusOK, gin.H{"enqueued": n})
}

// Trigger endpoint POST /sync/trigger. Si el ciclo se descarta (offline, pausa, ya en curso) ran=false.
func (h *SyncHandler) Trigger(c *gin.Context) {
	summary, ran := h.engine.TriggerSync(c.Request.Context())
	utils.SendSuccess(c, http.StatusOK, gin.H{"ran": ran, "summary": summary})
}

// FullSync endpoint POST /sync/full
func (h *SyncHandler) FullSync(c *gin.Context) {
	utils.SendSuccess(c, http.StatusOK, gin.H{"summary": h.engine.PerformFullSync(c.Request.Context())})
}

// Pause endpoint POST /sync/pause
func (h *SyncHandler) Pause(c *gin.Context) {
	h.engine.Pause()
	utils.SendSuccess(c, http.StatusOK, h.engine.Status(c.Request.Context()))
}

// Resume endpoint POST /sync/resume
func (h *SyncHandler) Resume(c *gin.Context) {
	h.engine.Resume()
	utils.SendSuccess(c, http.StatusOK, h.engine.Status(c.Request.Context()))
}

// SetConnectivity endpoint PUT /sync/connectivity
func (h *SyncHandler) SetConnectivity(c *gin.Context) {
	var req struct {
		Online *bool `json:"online" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}
	h.engine.SetOnline(*req.Online)
	utils.SendSuccess(c, http.StatusOK, h.engine.Status(c.Request.Context()))
}

// RecordChange endpoint POST /sync/records/:table
func (h *SyncHandler) RecordChange(c *gin.Context) {
	var req struct {
		Operation string                 `json:"operation" binding:"required"`
		Data      map[string]interface{} `json:"data" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.SendBadRequest(c, err.Error())
		return
	}

	id, err := h.engine.RecordLocalChange(c.Request.Context(), c.Param("table"), sharedDomain.Operation(req.Operation), req.Data)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrTableNotSyncable):
			utils.SendNotFound(c, err.Error())
		case errors.Is(err, domain.ErrInvalidRecord):
			utils.SendBadRequest(c, err.Error())
		default:
			h.internalError(c, err)
		}
		return
	}
	utils.SendAccepted(c, gin.H{"outboxId": id})
}

func (h *SyncHandler) internalError(c *gin.Context, err error) {
	h.log.Error("❌ Error en la superficie de control", zap.String("path", c.FullPath()), zap.Error(err))
	utils.SendInternalServerError(c, err.Error())
}
