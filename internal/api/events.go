package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gyaneshwarpardhi/ticketflow/internal/event"
)

type eventRequest struct {
	ID      string                 `json:"id"`
	Name    string                 `json:"name" binding:"required"`
	Source  string                 `json:"source"`
	Payload map[string]interface{} `json:"payload"`
}

// POST /v1/events publishes one helpdesk event on the bus. Rules and webhooks
// run asynchronously; 202 means the event was queued.
func (h *Handler) ingestEvent(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid event: "+err.Error())
		return
	}
	ev := event.New(req.Name, req.Payload)
	if req.ID != "" {
		ev.ID = req.ID
	}
	ev.Source = "http"
	if req.Source != "" {
		ev.Source = req.Source
	}
	if !h.Bus.Publish(ev) {
		writeError(c, http.StatusServiceUnavailable, "event queue is full")
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": ev.ID, "name": ev.Name, "queued": true})
}
