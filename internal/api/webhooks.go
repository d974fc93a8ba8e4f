package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

func (h *Handler) listWebhooks(c *gin.Context) {
	subs, err := h.Store.ListWebhooks(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs, "count": len(subs)})
}

func (h *Handler) getWebhook(c *gin.Context) {
	sub, err := h.Store.GetWebhook(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) createWebhook(c *gin.Context) {
	sub := &webhook.Subscription{Active: true, Method: http.MethodPost}
	if err := c.ShouldBindJSON(sub); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	sub.ID = ""
	if errs := webhook.Validate(sub); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}
	if err := h.Store.CreateWebhook(c.Request.Context(), sub); err != nil {
		h.fail(c, err)
		return
	}
	h.reloadWebhooks(c)
	h.logger.Info("webhook created", "webhook_id", sub.ID, "webhook", sub.Name, "events", sub.Events)
	c.JSON(http.StatusCreated, sub)
}

func (h *Handler) updateWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		writeError(c, http.StatusBadRequest, errEmptyBody.Error())
		return
	}
	var badJSON error
	sub, err := h.Store.UpdateWebhook(c.Request.Context(), c.Param("id"), func(s *webhook.Subscription) error {
		id := s.ID
		if err := json.Unmarshal(body, s); err != nil {
			badJSON = err
			return err
		}
		s.ID = id
		return webhook.Validate(s).Err()
	})
	if badJSON != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+badJSON.Error())
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.reloadWebhooks(c)
	c.JSON(http.StatusOK, sub)
}

func (h *Handler) deleteWebhook(c *gin.Context) {
	id := c.Param("id")
	if err := h.Store.DeleteWebhook(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.reloadWebhooks(c)
	h.logger.Info("webhook deleted", "webhook_id", id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) toggleWebhook(c *gin.Context) {
	sub, err := h.Store.UpdateWebhook(c.Request.Context(), c.Param("id"), func(s *webhook.Subscription) error {
		s.Active = !s.Active
		return nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.reloadWebhooks(c)
	c.JSON(http.StatusOK, sub)
}

type testWebhookRequest struct {
	Payload map[string]interface{} `json:"payload"`
}

// POST /v1/webhooks/:id/test sends a "test" event to one subscription.
// A failed delivery is reported as 502 with the last error.
func (h *Handler) testWebhook(c *gin.Context) {
	var req testWebhookRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
	}
	var payload interface{}
	if req.Payload != nil {
		payload = req.Payload
	}
	err := h.Webhooks.Test(c.Request.Context(), c.Param("id"), payload)
	var derr *webhook.DeliveryError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"success": true})
	case errors.As(err, &derr):
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "attempts": derr.Attempts, "error": derr.Err.Error()})
	default:
		h.fail(c, err)
	}
}

// reloadWebhooks re-registers bus listeners after a subscription change.
// A failed reload is logged; the change itself is already stored.
func (h *Handler) reloadWebhooks(c *gin.Context) {
	if err := h.Webhooks.Reload(c.Request.Context()); err != nil {
		h.logger.Error("reload webhook subscriptions", "err", err)
	}
}
