package httpapi

import (
	"errors"
	"net/http"

	"github.com/MrEthical07/taskgate"
	"github.com/gin-gonic/gin"
)

const genericAuthMessage = "invalid or expired credentials"

func errorBody(code, message string) gin.H {
	return gin.H{
		"success": false,
		"error":   gin.H{"code": code, "message": message},
	}
}

func respondError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, errorBody(code, message))
}

// writeError maps gate errors to responses. A malformed token string is a 400;
// every other token and credential failure collapses to the same 401 body.
func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, taskgate.ErrValidation):
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, taskgate.ErrTokenMalformed):
		respondError(c, http.StatusBadRequest, "VALIDATION_ERROR", "malformed refresh token")
	case errors.Is(err, taskgate.ErrDuplicateAccount):
		respondError(c, http.StatusConflict, "EMAIL_EXISTS", "this email is already registered")
	case errors.Is(err, taskgate.ErrInvalidCredentials),
		errors.Is(err, taskgate.ErrTokenNotFound),
		errors.Is(err, taskgate.ErrTokenExpired),
		errors.Is(err, taskgate.ErrTokenReused),
		errors.Is(err, taskgate.ErrUnauthorized):
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", genericAuthMessage)
	case errors.Is(err, taskgate.ErrStoreUnavailable):
		c.Header("Retry-After", "1")
		respondError(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "service temporarily unavailable")
	default:
		_ = c.Error(err)
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}
