package response

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ksred/escrow-api/internal/errs"
	"gorm.io/gorm"
)

// Response represents a standardized API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents an error response
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes
const (
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeBadRequest        = "BAD_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeValidationFailed  = "VALIDATION_FAILED"
	ErrCodeDuplicateResource = "DUPLICATE_RESOURCE"
	ErrCodeWrongState        = "WRONG_STATE"
	ErrCodeNotReady          = "NOT_READY"
	ErrCodeAlreadyFinalized  = "ALREADY_FINALIZED"
	ErrCodeInsufficientFunds = "INSUFFICIENT_FUNDS"
)

// Handle maps a domain error onto the appropriate HTTP response, or sends
// data on success. Distinct state errors keep distinct codes since callers
// react differently to each.
func Handle(c *gin.Context, data interface{}, err error) {
	if err == nil {
		Success(c, data)
		return
	}

	switch {
	case errors.Is(err, errs.ErrOrderNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		NotFound(c, err.Error())
	case errors.Is(err, errs.ErrDuplicateOrder):
		Conflict(c, ErrCodeDuplicateResource, err.Error())
	case errors.Is(err, errs.ErrInvalidAmount), errors.Is(err, errs.ErrInvalidParty):
		validationFailed(c, err.Error())
	case errors.Is(err, errs.ErrInvalidSignature):
		Unauthorized(c, err.Error())
	case errors.Is(err, errs.ErrUnauthorized), errors.Is(err, errs.ErrUnauthorizedVoter):
		Forbidden(c, err.Error())
	case errors.Is(err, errs.ErrWrongState):
		Conflict(c, ErrCodeWrongState, err.Error())
	case errors.Is(err, errs.ErrAlreadyVoted):
		Conflict(c, ErrCodeDuplicateResource, err.Error())
	case errors.Is(err, errs.ErrAlreadyFinalized):
		Conflict(c, ErrCodeAlreadyFinalized, err.Error())
	case errors.Is(err, errs.ErrNotReady):
		unprocessable(c, ErrCodeNotReady, err.Error())
	case errors.Is(err, errs.ErrInsufficientFunds):
		unprocessable(c, ErrCodeInsufficientFunds, err.Error())
	default:
		InternalError(c, "An unexpected error occurred")
	}
}

// Success sends a successful response
func Success(c *gin.Context, data interface{}) {
	status := http.StatusOK
	if c.Request.Method == "POST" {
		status = http.StatusCreated
	}

	c.JSON(status, Response{
		Success: true,
		Data:    data,
	})
}

// NotFound sends a 404 response
func NotFound(c *gin.Context, message string) {
	c.JSON(http.StatusNotFound, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeNotFound,
			Message: message,
		},
	})
}

// BadRequest sends a 400 response
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeBadRequest,
			Message: message,
		},
	})
}

// Unauthorized sends a 401 response
func Unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeUnauthorized,
			Message: message,
		},
	})
}

// Forbidden sends a 403 response
func Forbidden(c *gin.Context, message string) {
	c.JSON(http.StatusForbidden, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeForbidden,
			Message: message,
		},
	})
}

// InternalError sends a 500 response
func InternalError(c *gin.Context, message string) {
	c.JSON(http.StatusInternalServerError, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeInternalError,
			Message: message,
		},
	})
}

// Conflict sends a 409 response with the given error code
func Conflict(c *gin.Context, code, message string) {
	c.JSON(http.StatusConflict, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}

// validationFailed sends a 400 response for pre-mutation validation errors
func validationFailed(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, Response{
		Success: false,
		Error: &Error{
			Code:    ErrCodeValidationFailed,
			Message: message,
		},
	})
}

// unprocessable sends a 422 response for operations that cannot proceed yet
func unprocessable(c *gin.Context, code, message string) {
	c.JSON(http.StatusUnprocessableEntity, Response{
		Success: false,
		Error: &Error{
			Code:    code,
			Message: message,
		},
	})
}
