package handlers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/licd/pkg/api/types"
	"github.com/urmzd/licd/pkg/db"
	"github.com/urmzd/licd/pkg/device/schema"
	"github.com/urmzd/licd/pkg/settings"
)

// SettingsService reads and updates bus tuning.
type SettingsService interface {
	Get(ctx context.Context) (db.BusSettings, error)
	Update(ctx context.Context, p settings.Patch) (db.BusSettings, error)
}

// SettingsHandler handles bus settings endpoints
type SettingsHandler struct {
	service   SettingsService
	validator *schema.Validator
}

// NewSettingsHandler creates a new settings handler
func NewSettingsHandler(service SettingsService, validator *schema.Validator) *SettingsHandler {
	return &SettingsHandler{service: service, validator: validator}
}

// GetSettings handles GET /bus/settings
// @Summary      Get bus settings
// @Description  Returns the active profile's controller tuning
// @Tags         bus
// @Produce      json
// @Success      200  {object}  types.BusSettingsResponse
// @Failure      500  {object}  types.ErrorResponse  "Store error"
// @Router       /bus/settings [get]
func (h *SettingsHandler) GetSettings(c *gin.Context) {
	s, err := h.service.Get(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSettingsResponse(s))
}

// UpdateSettings handles PATCH /bus/settings
// @Summary      Update bus settings
// @Description  Validates, persists and applies new tuning; the controller picks it up on its next cycle
// @Tags         bus
// @Accept       json
// @Produce      json
// @Param        request  body      types.BusSettingsPatchRequest  true  "Fields to change"
// @Success      200      {object}  types.BusSettingsResponse
// @Failure      400      {object}  types.ErrorResponse  "Invalid settings"
// @Failure      500      {object}  types.ErrorResponse  "Store error"
// @Router       /bus/settings [patch]
func (h *SettingsHandler) UpdateSettings(c *gin.Context) {
	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	if _, err := h.validator.ValidateJSON(schema.BusSettingsPatch, raw); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "validation_error",
			Message: err.Error(),
		})
		return
	}

	var req types.BusSettingsPatchRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid_request",
			Message: err.Error(),
		})
		return
	}

	s, err := h.service.Update(c.Request.Context(), settings.Patch{
		RetryCount:     req.RetryCount,
		RetryDelayMS:   req.RetryDelayMS,
		WaitDelayMS:    req.WaitDelayMS,
		PollIntervalMS: req.PollIntervalMS,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSettingsResponse(s))
}

func toSettingsResponse(s db.BusSettings) types.BusSettingsResponse {
	return types.BusSettingsResponse{
		SerialPort:     s.SerialPort,
		RetryCount:     s.RetryCount,
		RetryDelayMS:   s.RetryDelayMS,
		WaitDelayMS:    s.WaitDelayMS,
		PollIntervalMS: s.PollIntervalMS,
		Capacity:       s.Capacity,
		UpdatedAt:      s.UpdatedAt,
	}
}
