package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
)

var errEmptyBody = errors.New("request body is required")

// GET /v1/rules?eventType=ticket-created&active=true
func (h *Handler) listRules(c *gin.Context) {
	rules, err := h.Store.ListRules(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	eventType := rule.EventType(c.Query("eventType"))
	active, filterActive := parseBool(c.Query("active"))

	out := make([]*rule.Rule, 0, len(rules))
	for _, r := range rules {
		if eventType != "" && r.EventType != eventType {
			continue
		}
		if filterActive && r.Active != active {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	c.JSON(http.StatusOK, gin.H{"rules": out, "count": len(out)})
}

func (h *Handler) getRule(c *gin.Context) {
	r, err := h.Store.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

// POST /v1/rules
func (h *Handler) createRule(c *gin.Context) {
	r := rule.New()
	if err := c.ShouldBindJSON(r); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	r.ID = ""
	r.Stats = rule.Stats{}
	r.ExecutionCount = 0
	r.LastExecutedAt = nil
	r.LastExecutionStatus = ""
	r.LastExecutionError = ""
	r.CreatedBy = c.GetHeader("X-User-ID")

	if errs := rule.Validate(r, h.Actions); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}
	if err := h.Store.CreateRule(c.Request.Context(), r); err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("rule created", "rule_id", r.ID, "rule", r.Name, "event_type", r.EventType)
	c.JSON(http.StatusCreated, r)
}

// PUT /v1/rules/:id merges the body into the stored rule. Statistics and
// execution state cannot be written through the API.
func (h *Handler) updateRule(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		writeError(c, http.StatusBadRequest, errEmptyBody.Error())
		return
	}
	id := c.Param("id")
	var badJSON error
	updated, err := h.Store.UpdateRule(c.Request.Context(), id, func(r *rule.Rule) error {
		keep := *r
		if err := json.Unmarshal(body, r); err != nil {
			badJSON = err
			return err
		}
		r.ID = keep.ID
		r.Stats = keep.Stats
		r.ExecutionCount = keep.ExecutionCount
		r.LastExecutedAt = keep.LastExecutedAt
		r.LastExecutionStatus = keep.LastExecutionStatus
		r.LastExecutionError = keep.LastExecutionError
		r.CreatedBy = keep.CreatedBy
		return rule.Validate(r, h.Actions).Err()
	})
	if badJSON != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+badJSON.Error())
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Engine.Throttler().Forget(id)
	c.JSON(http.StatusOK, updated)
}

func (h *Handler) deleteRule(c *gin.Context) {
	id := c.Param("id")
	if err := h.Store.DeleteRule(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.Engine.Throttler().Forget(id)
	h.logger.Info("rule deleted", "rule_id", id)
	c.Status(http.StatusNoContent)
}

// POST /v1/rules/:id/toggle flips isActive.
func (h *Handler) toggleRule(c *gin.Context) {
	r, err := h.Store.UpdateRule(c.Request.Context(), c.Param("id"), func(r *rule.Rule) error {
		r.Active = !r.Active
		return nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, r)
}

type testRuleRequest struct {
	Data map[string]interface{} `json:"data"`
}

// POST /v1/rules/:id/test evaluates the stored rule against sample data
// without executing actions.
func (h *Handler) testRule(c *gin.Context) {
	r, err := h.Store.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	var req testRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	c.JSON(http.StatusOK, h.Engine.TestRule(r, req.Data))
}

func (h *Handler) resetRuleStats(c *gin.Context) {
	id := c.Param("id")
	r, err := h.Store.UpdateRule(c.Request.Context(), id, func(r *rule.Rule) error {
		r.ResetStats(h.Now())
		return nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Engine.Throttler().Forget(id)
	c.JSON(http.StatusOK, r)
}

// parseBool reports the value of s and whether s was a boolean at all.
func parseBool(s string) (value, ok bool) {
	if s == "" {
		return false, false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		return false, false
	}
	return v, true
}
