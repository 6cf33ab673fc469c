package http

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"veritas/internal/domain"
)

type errorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL"
	message := err.Error()
	var details map[string]any
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, domain.ErrAlreadyExists):
		status, code = http.StatusConflict, "ALREADY_EXISTS"
	case errors.Is(err, domain.ErrConcurrentVersionConflict):
		status, code = http.StatusConflict, "CONCURRENT_VERSION_CONFLICT"
	case errors.Is(err, domain.ErrTenantAccessDenied):
		status, code = http.StatusForbidden, "TENANT_ACCESS_DENIED"
		message = "tenant access denied"
	case errors.Is(err, domain.ErrIntegrityViolation):
		status, code = http.StatusUnprocessableEntity, "INTEGRITY_VIOLATION"
		var ie *domain.IntegrityError
		if errors.As(err, &ie) {
			details = map[string]any{"subject": ie.Subject, "errors": ie.Errors}
		}
	case errors.Is(err, domain.ErrStorageFailure):
		status, code = http.StatusServiceUnavailable, "STORAGE_FAILURE"
		message = "storage unavailable"
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrInvalidValue):
		status, code = http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, domain.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "RATE_LIMITED"
		message = "rate limit exceeded"
	}
	if status == http.StatusInternalServerError {
		message = "internal error"
	}
	c.JSON(status, errorResponse{Code: code, Message: message, Details: details})
}

func writeErrorCode(c *gin.Context, status int, code, message string) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
	})
}
