package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/evalcache/pkg/errors"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// APIError represents an API error
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func requestIDFrom(c *gin.Context) string {
	if id, ok := c.Get("request_id"); ok {
		if s, ok := id.(string); ok {
			return s
		}
	}
	return ""
}

// SuccessResponse sends a successful response
func SuccessResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

func errorResponse(c *gin.Context, status int, apiErr *APIError) {
	c.JSON(status, APIResponse{
		Success:   false,
		Error:     apiErr,
		RequestID: requestIDFrom(c),
		Timestamp: time.Now(),
	})
}

// statusFor maps an error type onto an HTTP status
func statusFor(t errors.ErrorType) int {
	switch t {
	case errors.ErrorTypeValidation:
		return http.StatusBadRequest
	case errors.ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case errors.ErrorTypeAuthorization:
		return http.StatusForbidden
	case errors.ErrorTypeNotFound:
		return http.StatusNotFound
	case errors.ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case errors.ErrorTypeExternal:
		return http.StatusBadGateway
	case errors.ErrorTypeUnavailable:
		return http.StatusServiceUnavailable
	case errors.ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponseFromError sends an error response based on the error kind
func ErrorResponseFromError(c *gin.Context, err error) {
	appErr := errors.FromError(err)

	apiErr := &APIError{
		Code:    appErr.Code,
		Message: appErr.Message,
	}
	if appErr.Type == errors.ErrorTypeInternal {
		apiErr.Message = "An internal error occurred"
	}
	if len(appErr.Details) > 0 {
		apiErr.Details = make(map[string]interface{}, len(appErr.Details))
		for k, v := range appErr.Details {
			apiErr.Details[k] = v
		}
	}

	errorResponse(c, statusFor(appErr.Type), apiErr)
}

// BadRequestResponse sends a 400 Bad Request response
func BadRequestResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusBadRequest, &APIError{Code: "BAD_REQUEST", Message: message})
}

// UnauthorizedResponse sends a 401 Unauthorized response
func UnauthorizedResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusUnauthorized, &APIError{Code: "UNAUTHORIZED", Message: message})
}

// ForbiddenResponse sends a 403 Forbidden response
func ForbiddenResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusForbidden, &APIError{Code: "FORBIDDEN", Message: message})
}

// NotFoundResponse sends a 404 Not Found response
func NotFoundResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusNotFound, &APIError{Code: "NOT_FOUND", Message: message})
}

// InternalErrorResponse sends a 500 Internal Server Error response
func InternalErrorResponse(c *gin.Context, message string) {
	errorResponse(c, http.StatusInternalServerError, &APIError{Code: "INTERNAL_ERROR", Message: message})
}

// EvaluateRequest is the body of POST /api/v1/evaluate
type EvaluateRequest struct {
	AgentType    string                 `json:"agent_type" binding:"required"`
	ResponseText string                 `json:"response_text" binding:"required"`
	Context      map[string]interface{} `json:"context"`
}

// SetEnabledRequest is the body of PUT /api/v1/admin/enabled
type SetEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}
