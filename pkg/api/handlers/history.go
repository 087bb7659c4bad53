package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/licd/pkg/api/types"
	"github.com/urmzd/licd/pkg/db"
)

// maxHistoryLimit caps one page of the registration log.
const maxHistoryLimit = 1000

// HistoryService lists recorded discovery events.
type HistoryService interface {
	List(ctx context.Context, limit int) ([]*db.Registration, error)
}

// HistoryHandler handles the registration log endpoint
type HistoryHandler struct {
	history HistoryService
}

// NewHistoryHandler creates a new history handler
func NewHistoryHandler(history HistoryService) *HistoryHandler {
	return &HistoryHandler{history: history}
}

// ListHistory handles GET /discovery/history
// @Summary      List registration history
// @Description  Returns recorded discovery events for the active profile, newest first
// @Tags         discovery
// @Produce      json
// @Param        limit  query     int  false  "Maximum entries (default 100, max 1000)"
// @Success      200    {object}  types.HistoryResponse
// @Failure      400    {object}  types.ErrorResponse  "Invalid limit"
// @Failure      500    {object}  types.ErrorResponse  "Store error"
// @Router       /discovery/history [get]
func (h *HistoryHandler) ListHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			c.JSON(http.StatusBadRequest, types.ErrorResponse{
				Error:   "invalid_request",
				Message: "limit must be between 1 and 1000",
			})
			return
		}
		limit = n
	}

	regs, err := h.history.List(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}

	entries := make([]types.HistoryEntry, 0, len(regs))
	for _, r := range regs {
		entries = append(entries, types.NewHistoryEntry(r))
	}
	c.JSON(http.StatusOK, types.HistoryResponse{Entries: entries, Count: len(entries)})
}
