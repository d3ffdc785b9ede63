package admin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/vyrodovalexey/avapool/internal/util"
)

// Error codes.
const (
	codeValidation     = "validation_error"
	codeInvalidRequest = "invalid_request"
	codeNotFound       = "not_found"
	codeAlreadyExists  = "already_exists"
	codeNoServer       = "no_available_server"
	codeCapacity       = "connection_limit_reached"
	codeRateLimited    = "rate_limited"
	codeInternal       = "internal_error"
)

// ErrorResponse is the JSON error body.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message"`
	Details []util.FieldError `json:"details,omitempty"`
}

// writeError maps err onto a status code and error body. Errors not
// caused by the caller are attached to the context for the access log.
func writeError(c *gin.Context, err error) {
	if !util.IsClientError(err) {
		_ = c.Error(err)
	}
	status, body := errorResponse(err)
	c.AbortWithStatusJSON(status, body)
}

func errorResponse(err error) (int, ErrorResponse) {
	var validationErr *util.ValidationError
	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, ErrorResponse{
			Error:   codeValidation,
			Message: validationErr.Message,
			Details: validationErr.Details(),
		}
	case errors.Is(err, util.ErrInvalidInput):
		return http.StatusBadRequest, ErrorResponse{Error: codeValidation, Message: err.Error()}
	case errors.Is(err, util.ErrNotFound):
		return http.StatusNotFound, ErrorResponse{Error: codeNotFound, Message: err.Error()}
	case errors.Is(err, util.ErrAlreadyExists):
		return http.StatusConflict, ErrorResponse{Error: codeAlreadyExists, Message: err.Error()}
	case errors.Is(err, util.ErrNoAvailableServer):
		return http.StatusServiceUnavailable, ErrorResponse{Error: codeNoServer, Message: err.Error()}
	case errors.Is(err, util.ErrCapacityExceeded):
		return http.StatusTooManyRequests, ErrorResponse{Error: codeCapacity, Message: err.Error()}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: codeInternal, Message: "an unexpected error occurred"}
	}
}

// badRequest reports an undecodable request body.
func badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
		Error:   codeInvalidRequest,
		Message: "malformed request body: " + err.Error(),
	})
}
