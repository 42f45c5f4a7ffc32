package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	apperrors "github.com/muaviaUsmani/duebook/internal/errors"
)

// writeError maps the error taxonomy onto HTTP statuses
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make(map[string]string, len(fieldErrs))
		status := http.StatusBadRequest
		for _, fe := range fieldErrs {
			fields[fe.Field()] = fe.Tag()
			if fe.Tag() == "recurrence" {
				status = http.StatusUnprocessableEntity
			}
		}
		c.JSON(status, gin.H{"error": "validation failed", "code": "validation", "fields": fields})
		return
	}

	switch {
	case errors.Is(err, apperrors.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "validation"})
	case errors.Is(err, apperrors.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error(), "code": "not_found"})
	case errors.Is(err, apperrors.ErrConflict):
		body := gin.H{"error": err.Error(), "code": "conflict"}
		var conflict *apperrors.ConflictError
		if errors.As(err, &conflict) && conflict.Status != "" {
			body["status"] = conflict.Status
		}
		c.JSON(http.StatusConflict, body)
	case errors.Is(err, apperrors.ErrInvalidRule):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "invalid_rule"})
	case errors.Is(err, apperrors.ErrTerminalPosting):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "code": "posting_rejected"})
	case errors.Is(err, apperrors.ErrRetryablePosting):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "code": "posting_unavailable", "retryable": true})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": "internal"})
	}
}
