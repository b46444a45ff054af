package handler

import (
	"net/http"

	"xpos/internal/dto"
	"xpos/internal/middleware"
	"xpos/internal/service"

	"github.com/gin-gonic/gin"
)

type DevicesHandler struct{ svc service.DeviceService }

func NewDevicesHandler(svc service.DeviceService) *DevicesHandler {
	return &DevicesHandler{svc: svc}
}

// Register godoc
// @Summary      Register a kiosk
// @Description  Binds a new device to the account and branch of the enrollment token. The device secret is returned only once.
// @Tags         devices
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        body body dto.RegisterDeviceRequest true "Device description"
// @Success      201  {object} dto.RegisterDeviceResponse
// @Failure      401  {object} apierror.Response
// @Failure      422  {object} apierror.Response
// @Router       /v1/devices/register [post]
func (h *DevicesHandler) Register(c *gin.Context) {
	var req dto.RegisterDeviceRequest
	if !bindAndValidate(c, &req) {
		return
	}
	enroll := middleware.GetDevice(c)
	resp, err := h.svc.Register(c.Request.Context(), enroll.AccountID, enroll.BranchID, req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Token godoc
// @Summary      Refresh a device token
// @Tags         devices
// @Accept       json
// @Produce      json
// @Param        body body dto.DeviceTokenRequest true "Device credentials"
// @Success      200  {object} dto.DeviceTokenResponse
// @Failure      401  {object} apierror.Response
// @Router       /v1/devices/token [post]
func (h *DevicesHandler) Token(c *gin.Context) {
	var req dto.DeviceTokenRequest
	if !bindAndValidate(c, &req) {
		return
	}
	resp, err := h.svc.IssueToken(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// Heartbeat godoc
// @Summary      Device heartbeat
// @Description  Records last_seen_at and returns the server clock plus the device's sync schedule.
// @Tags         devices
// @Produce      json
// @Security     BearerAuth
// @Success      200  {object} dto.HeartbeatResponse
// @Failure      401  {object} apierror.Response
// @Router       /v1/devices/heartbeat [post]
func (h *DevicesHandler) Heartbeat(c *gin.Context) {
	resp, err := h.svc.Heartbeat(c.Request.Context(), middleware.GetDevice(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}
