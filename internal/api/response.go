package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/gyaneshwarpardhi/ticketflow/internal/provider"
	"github.com/gyaneshwarpardhi/ticketflow/internal/rule"
	"github.com/gyaneshwarpardhi/ticketflow/internal/validate"
	"github.com/gyaneshwarpardhi/ticketflow/internal/webhook"
)

// errorResponse is the standard error envelope.
type errorResponse struct {
	Error  string                `json:"error"`
	Errors []validate.FieldError `json:"errors,omitempty"`
}

func writeError(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{Error: msg})
}

func writeValidation(c *gin.Context, errs validate.Errors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: "validation failed", Errors: errs})
}

// fail maps a domain error onto a status code.
func (h *Handler) fail(c *gin.Context, err error) {
	if errs, ok := validate.As(err); ok {
		writeValidation(c, errs)
		return
	}
	switch {
	case errors.Is(err, rule.ErrNotFound), errors.Is(err, webhook.ErrNotFound), errors.Is(err, provider.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		writeError(c, http.StatusInternalServerError, err.Error())
	}
}
