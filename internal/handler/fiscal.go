package handler

import (
	"net/http"

	"xpos/internal/dto"
	"xpos/internal/middleware"
	"xpos/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

type FiscalHandler struct{ svc service.FiscalService }

func NewFiscalHandler(svc service.FiscalService) *FiscalHandler { return &FiscalHandler{svc: svc} }

// SubmitJob godoc
// @Summary      Queue a fiscal operation
// @Description  Resolves the printer for the operation and queues a job on its lane. A live job with the same idempotency key is returned with duplicate=true.
// @Tags         fiscal
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body body dto.FiscalJobRequest true "Operation"
// @Success      202  {object} dto.FiscalJobResponse
// @Success      200  {object} dto.FiscalJobResponse "duplicate"
// @Failure      409  {object} apierror.Response "no usable fiscal configuration"
// @Failure      422  {object} apierror.Response
// @Router       /v1/fiscal/jobs [post]
func (h *FiscalHandler) SubmitJob(c *gin.Context) {
	var req dto.FiscalJobRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := h.svc.Submit(c.Request.Context(), middleware.GetDevice(c), req)
	if err != nil {
		respondError(c, err)
		return
	}
	status := http.StatusAccepted
	if resp.Duplicate {
		status = http.StatusOK
	}
	c.JSON(status, resp)
}

// GetJob godoc
// @Summary      Poll a fiscal job
// @Tags         fiscal
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "Job UUID"
// @Success      200 {object} dto.FiscalJobResponse
// @Failure      404 {object} apierror.Response
// @Router       /v1/fiscal/jobs/{id} [get]
func (h *FiscalHandler) GetJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badParam(c, "id", "must be a uuid")
		return
	}
	resp, err := h.svc.GetJob(c.Request.Context(), middleware.GetDevice(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ListJobs godoc
// @Summary      List fiscal jobs
// @Description  Paginated, newest first. dead=true lists only dead-lettered jobs.
// @Tags         fiscal
// @Produce      json
// @Security     BearerAuth
// @Param        status query string false "pending | processing | completed | failed"
// @Param        dead   query bool   false "only dead-lettered"
// @Param        page   query int    false "page (default 1)"
// @Param        limit  query int    false "page size (default 50, max 200)"
// @Success      200 {object} dto.FiscalJobListResponse
// @Router       /v1/fiscal/jobs [get]
func (h *FiscalHandler) ListJobs(c *gin.Context) {
	var f dto.FiscalJobFilter
	if !bindQuery(c, &f) {
		return
	}
	resp, err := h.svc.ListJobs(c.Request.Context(), middleware.GetDevice(c), f)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RetryJob godoc
// @Summary      Requeue a dead-lettered job
// @Tags         fiscal
// @Produce      json
// @Security     BearerAuth
// @Param        id path string true "Job UUID"
// @Success      202 {object} dto.FiscalJobResponse
// @Failure      422 {object} apierror.Response "job is not dead-lettered"
// @Router       /v1/fiscal/jobs/{id}/retry [post]
func (h *FiscalHandler) RetryJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		badParam(c, "id", "must be a uuid")
		return
	}
	resp, err := h.svc.RetryJob(c.Request.Context(), middleware.GetDevice(c), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

// Config godoc
// @Summary      Active fiscal configuration
// @Description  Used by kiosks that drive their printer locally. Only the credentials the provider needs are returned.
// @Tags         fiscal
// @Produce      json
// @Security     BearerAuth
// @Param        purpose query string false "receipt (default) | report"
// @Success      200 {object} dto.FiscalConfigResponse
// @Failure      409 {object} apierror.Response
// @Router       /v1/fiscal/config [get]
func (h *FiscalHandler) Config(c *gin.Context) {
	resp, err := h.svc.ActiveConfig(c.Request.Context(), middleware.GetDevice(c), c.Query("purpose"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Shift godoc
// @Summary      Receipt printer shift status
// @Description  Asks the printer synchronously, serialized with the jobs of its lane.
// @Tags         fiscal
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} fiscal.ShiftStatus
// @Failure      502 {object} apierror.Response
// @Router       /v1/fiscal/shift [get]
func (h *FiscalHandler) Shift(c *gin.Context) {
	resp, err := h.svc.ShiftStatus(c.Request.Context(), middleware.GetDevice(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// DLQSize godoc
// @Summary      Fiscal dead-letter queue length
// @Tags         fiscal
// @Produce      json
// @Security     BearerAuth
// @Success      200 {object} dto.DLQSizeResponse
// @Router       /v1/fiscal/dlq/size [get]
func (h *FiscalHandler) DLQSize(c *gin.Context) {
	resp, err := h.svc.DLQSize(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
