package handler

import (
	"net/http"
	"time"

	"xpos/internal/dto"
	"xpos/internal/middleware"
	"xpos/internal/service"

	"github.com/gin-gonic/gin"
)

type SyncHandler struct{ svc service.ReconciliationService }

func NewSyncHandler(svc service.ReconciliationService) *SyncHandler {
	return &SyncHandler{svc: svc}
}

// Delta godoc
// @Summary      Pull changes since a checkpoint
// @Description  Returns records changed after since plus tombstones. sync_timestamp is the next checkpoint; it never moves backwards.
// @Tags         sync
// @Produce      json
// @Security     BearerAuth
// @Param        entity_type query string true  "products | customers | sales"
// @Param        since       query string false "RFC3339 checkpoint; empty pulls everything"
// @Success      200  {object} dto.DeltaResponse
// @Failure      422  {object} apierror.Response
// @Router       /v1/sync/delta [get]
func (h *SyncHandler) Delta(c *gin.Context) {
	var q dto.DeltaQuery
	if !bindQuery(c, &q) {
		return
	}
	var since time.Time
	if q.Since != "" {
		t, err := time.Parse(time.RFC3339Nano, q.Since)
		if err != nil {
			badParam(c, "since", "must be RFC3339")
			return
		}
		since = t
	}
	resp, err := h.svc.ComputeDelta(c.Request.Context(), middleware.GetDevice(c), q.EntityType, since)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// UploadSales godoc
// @Summary      Upload queued sales
// @Description  Idempotent per (device, local_id): replays return the original identity with status duplicate. Invalid sales are reported in failed without rejecting the batch.
// @Tags         sync
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body body dto.SaleBatchRequest true "Queued sales"
// @Success      200  {object} dto.SaleBatchResponse
// @Failure      422  {object} apierror.Response
// @Router       /v1/sync/sales [post]
func (h *SyncHandler) UploadSales(c *gin.Context) {
	var req dto.SaleBatchRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := h.svc.AcceptSaleBatch(c.Request.Context(), middleware.GetDevice(c), req.Sales)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
