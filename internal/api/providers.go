package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
)

func (h *Handler) listProviders(c *gin.Context) {
	ps, err := h.Store.ListProviders(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"providers": ps, "count": len(ps)})
}

func (h *Handler) getProvider(c *gin.Context) {
	p, err := h.Store.GetProvider(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) createProvider(c *gin.Context) {
	p := provider.New()
	if err := c.ShouldBindJSON(p); err != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p.ID = ""
	p.Stats = provider.New().Stats
	if errs := provider.Validate(p); len(errs) > 0 {
		writeValidation(c, errs)
		return
	}
	if err := h.Store.CreateProvider(c.Request.Context(), p); err != nil {
		h.fail(c, err)
		return
	}
	h.logger.Info("email provider created", "provider_id", p.ID, "provider", p.Name, "type", p.Type)
	c.JSON(http.StatusCreated, p)
}

// PUT /v1/providers/:id merges the body into the stored provider. The cached
// transport is dropped so the next send uses the new config.
func (h *Handler) updateProvider(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil || len(body) == 0 {
		writeError(c, http.StatusBadRequest, errEmptyBody.Error())
		return
	}
	id := c.Param("id")
	var badJSON error
	p, err := h.Store.UpdateProvider(c.Request.Context(), id, func(p *provider.Provider) error {
		keep := *p
		if err := json.Unmarshal(body, p); err != nil {
			badJSON = err
			return err
		}
		p.ID = keep.ID
		p.Stats = keep.Stats
		return provider.Validate(p).Err()
	})
	if badJSON != nil {
		writeError(c, http.StatusBadRequest, "invalid JSON: "+badJSON.Error())
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Providers.ClearCache(id)
	c.JSON(http.StatusOK, p)
}

func (h *Handler) deleteProvider(c *gin.Context) {
	id := c.Param("id")
	if err := h.Store.DeleteProvider(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	h.Providers.ClearCache(id)
	h.logger.Info("email provider deleted", "provider_id", id)
	c.Status(http.StatusNoContent)
}

func (h *Handler) toggleProvider(c *gin.Context) {
	id := c.Param("id")
	p, err := h.Store.UpdateProvider(c.Request.Context(), id, func(p *provider.Provider) error {
		p.Active = !p.Active
		return nil
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	h.Providers.ClearCache(id)
	c.JSON(http.StatusOK, p)
}

// POST /v1/providers/:id/test verifies the provider connection. A failed
// check is 502; the result is recorded on the provider's health.
func (h *Handler) testProvider(c *gin.Context) {
	id := c.Param("id")
	if _, err := h.Store.GetProvider(c.Request.Context(), id); err != nil {
		h.fail(c, err)
		return
	}
	if err := h.Providers.TestProvider(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *Handler) resetProviderStats(c *gin.Context) {
	p, err := h.Providers.ResetStats(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (h *Handler) providerStats(c *gin.Context) {
	st, err := h.Providers.Statistics(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}
