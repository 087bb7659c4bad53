package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urmzd/licd/pkg/api/types"
	"github.com/urmzd/licd/pkg/device"
)

// heartbeatInterval is how often an idle event stream is kept alive.
var heartbeatInterval = 30 * time.Second

// DiscoveryHandler handles discovery cycle endpoints
type DiscoveryHandler struct {
	controller device.Controller
	subscriber device.EventSubscriber
}

// NewDiscoveryHandler creates a new discovery handler
func NewDiscoveryHandler(controller device.Controller, subscriber device.EventSubscriber) *DiscoveryHandler {
	return &DiscoveryHandler{
		controller: controller,
		subscriber: subscriber,
	}
}

// Poll handles POST /discovery/poll
// @Summary      Run one discovery cycle
// @Description  Probes the discovery address and, if a subordinate answers, reads its identity and assigns an address
// @Tags         discovery
// @Produce      json
// @Success      200  {object}  types.PollResponse
// @Failure      503  {object}  types.ErrorResponse  "No bus attached"
// @Failure      500  {object}  types.ErrorResponse  "Cycle aborted"
// @Router       /discovery/poll [post]
func (h *DiscoveryHandler) Poll(c *gin.Context) {
	res, err := h.controller.Poll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, types.NewPollResponse(res))
}

// Events handles GET /discovery/events (SSE stream)
// @Summary      Subscribe to discovery events
// @Description  Server-Sent Events stream of registrations and failed cycles
// @Tags         discovery
// @Produce      text/event-stream
// @Success      200  {string}  string  "SSE event stream"
// @Router       /discovery/events [get]
func (h *DiscoveryHandler) Events(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	eventChan := h.subscriber.Subscribe()
	defer h.subscriber.Unsubscribe(eventChan)

	sendSSEEvent(c.Writer, "connected", map[string]any{
		"timestamp": time.Now(),
		"message":   "Connected to discovery event stream",
	})
	c.Writer.Flush()

	clientGone := c.Request.Context().Done()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-clientGone:
			return

		case event, ok := <-eventChan:
			if !ok {
				return
			}
			data := map[string]any{
				"type":      event.Type,
				"timestamp": event.Timestamp,
			}
			if event.Device != nil {
				data["device"] = types.NewDeviceInfo(*event.Device)
			}
			sendSSEEvent(c.Writer, event.Type, data)
			c.Writer.Flush()

		case <-ticker.C:
			sendSSEEvent(c.Writer, "heartbeat", map[string]any{
				"timestamp": time.Now(),
			})
			c.Writer.Flush()
		}
	}
}

// sendSSEEvent writes an SSE event to the response
func sendSSEEvent(w io.Writer, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: "+string(jsonData)+"\n\n")
}
