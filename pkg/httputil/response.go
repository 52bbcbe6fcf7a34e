package httputil

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/consult-core/pkg/errors"
)

// RetryAfterSeconds is advertised on 503 responses.
const RetryAfterSeconds = 2

// Response wraps all API responses
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error represents API error
type Error struct {
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

// CursorPage is a page of keyset-paginated results.
type CursorPage struct {
	Items      interface{} `json:"items"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

var statusByCode = map[errors.ErrorCode]int{
	errors.ErrNotFound:               http.StatusNotFound,
	errors.ErrBadRequest:             http.StatusBadRequest,
	errors.ErrInvalidInput:           http.StatusBadRequest,
	errors.ErrIncompleteAuditEvent:   http.StatusBadRequest,
	errors.ErrUnauthorized:           http.StatusUnauthorized,
	errors.ErrForbidden:              http.StatusForbidden,
	errors.ErrConflict:               http.StatusConflict,
	errors.ErrTooManyRequests:        http.StatusTooManyRequests,
	errors.ErrInvalidTransition:      http.StatusConflict,
	errors.ErrTerminalStateViolation: http.StatusConflict,
	errors.ErrMissingContext:         http.StatusUnprocessableEntity,
	errors.ErrUnsafeTransition:       http.StatusUnprocessableEntity,
	errors.ErrStorageUnavailable:     http.StatusServiceUnavailable,
	errors.ErrInternal:               http.StatusInternalServerError,
}

// StatusFor maps an error to its HTTP status.
func StatusFor(err error) int {
	if status, ok := statusByCode[errors.CodeOf(err)]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// RespondWithSuccess sends a success response
func RespondWithSuccess(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithCreated sends a 201 response
func RespondWithCreated(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Success: true,
		Data:    data,
	})
}

// RespondWithError sends an error response. Internal errors never leak
// their cause to the client.
func RespondWithError(c *gin.Context, err error) {
	status := StatusFor(err)
	body := &Error{
		Code:      "internal",
		Message:   "Internal server error",
		RequestID: c.GetString("request_id"),
	}

	if appErr, ok := errors.As(err); ok && status != http.StatusInternalServerError {
		body.Code = appErr.Code.String()
		body.Message = appErr.Message
		body.Details = appErr.Details
		body.Retryable = errors.Retryable(err)
	}
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", strconv.Itoa(RetryAfterSeconds))
	}
	if status >= http.StatusInternalServerError {
		_ = c.Error(err)
	}

	c.AbortWithStatusJSON(status, Response{
		Success: false,
		Error:   body,
	})
}

// RespondWithPage sends a cursor page
func RespondWithPage(c *gin.Context, items interface{}, next string) {
	c.JSON(http.StatusOK, Response{
		Success: true,
		Data: CursorPage{
			Items:      items,
			NextCursor: next,
		},
	})
}
