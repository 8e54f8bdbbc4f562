package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	ierr "github.com/smallbiznis/quotaengine/internal/errors"
	obslogger "github.com/smallbiznis/quotaengine/internal/observability/logger"
)

// retryAfterSeconds is advertised on contention responses.
const retryAfterSeconds = 1

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Hint    string            `json:"hint,omitempty"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		if status == http.StatusServiceUnavailable {
			c.Header("Retry-After", strconv.Itoa(retryAfterSeconds))
		}
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    ierr.CodeInternal,
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    ierr.CodeValidation,
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	code := ierr.Code(err)
	status := ierr.HTTPStatusFromErr(err)
	if code == ierr.CodeInternal {
		return status, errorPayload{
			Type:    ierr.CodeInternal,
			Message: "internal server error",
		}
	}
	return status, errorPayload{
		Type:    code,
		Message: err.Error(),
		Hint:    ierr.Hint(err),
	}
}

// classifyErrorForLog feeds the request logger a low-cardinality type and code.
func classifyErrorForLog(err error) (string, string) {
	if vErr := asValidationErrors(err); vErr != nil {
		code := ""
		if len(vErr.Errors) > 0 {
			code = vErr.Errors[0].Code
		}
		return ierr.CodeValidation, code
	}
	code := ierr.Code(err)
	switch {
	case ierr.IsRejection(err):
		return obslogger.ErrorTypeRejection, code
	case ierr.IsRetryable(err):
		return "retryable", code
	case code == ierr.CodeInternal:
		return "internal", code
	default:
		return "client", code
	}
}
