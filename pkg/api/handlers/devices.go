package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/licd/pkg/api/types"
	"github.com/urmzd/licd/pkg/device"
)

// DevicesHandler handles registered device endpoints
type DevicesHandler struct {
	controller device.Controller
}

// NewDevicesHandler creates a new devices handler
func NewDevicesHandler(controller device.Controller) *DevicesHandler {
	return &DevicesHandler{controller: controller}
}

// ListDevices handles GET /devices
// @Summary      List registered devices
// @Description  Returns every subordinate holding an address, in address order
// @Tags         devices
// @Produce      json
// @Success      200  {object}  types.ListDevicesResponse
// @Failure      500  {object}  types.ErrorResponse  "Controller error"
// @Router       /devices [get]
func (h *DevicesHandler) ListDevices(c *gin.Context) {
	devices, err := h.controller.ListDevices(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	result := make([]types.DeviceInfo, 0, len(devices))
	for _, d := range devices {
		result = append(result, types.NewDeviceInfo(d))
	}

	c.JSON(http.StatusOK, types.ListDevicesResponse{
		Devices: result,
		Count:   len(result),
	})
}

// GetDevice handles GET /devices/:id
// @Summary      Get device details
// @Description  Returns a registered device by bus address (0x-prefixed hex or decimal) or by 8 unprefixed hex digits of UUID
// @Tags         devices
// @Produce      json
// @Param        id   path      string  true  "Bus address or UUID"
// @Success      200  {object}  types.DeviceResponse
// @Failure      400  {object}  types.ErrorResponse  "Malformed id"
// @Failure      404  {object}  types.ErrorResponse  "Device not found"
// @Router       /devices/{id} [get]
func (h *DevicesHandler) GetDevice(c *gin.Context) {
	d, err := h.controller.GetDevice(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.DeviceResponse{Device: types.NewDeviceInfo(*d)})
}

// RemoveDevice handles DELETE /devices/:id
// @Summary      Remove a device
// @Description  Slots are never freed by the protocol, so this always fails
// @Tags         devices
// @Produce      json
// @Param        id   path      string  true  "Bus address or UUID"
// @Failure      501  {object}  types.ErrorResponse  "Removal not supported"
// @Router       /devices/{id} [delete]
func (h *DevicesHandler) RemoveDevice(c *gin.Context) {
	if err := h.controller.RemoveDevice(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// respondError maps controller sentinels to HTTP responses.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, device.ErrNotFound):
		c.JSON(http.StatusNotFound, types.ErrorResponse{
			Error:   "not_found",
			Message: "Device not found",
		})
	case errors.Is(err, device.ErrInvalidID):
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid_id",
			Message: err.Error(),
		})
	case errors.Is(err, device.ErrValidation):
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
	case errors.Is(err, device.ErrUnsupported):
		c.JSON(http.StatusNotImplemented, types.ErrorResponse{
			Error:   "unsupported",
			Message: "Address slots cannot be freed",
		})
	case errors.Is(err, device.ErrNotConnected):
		c.JSON(http.StatusServiceUnavailable, types.ErrorResponse{
			Error:   "controller_disconnected",
			Message: err.Error(),
		})
	default:
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "controller_error",
			Message: err.Error(),
		})
	}
}
