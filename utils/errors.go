package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"filing-analyzer/internal/apperr"
)

// StatusClientClosedRequest is reported when the client went away before the
// pipeline finished.
const StatusClientClosedRequest = 499

// ErrorResponse represents a standardized error response
type ErrorResponse struct {
	ErrorCode string      `json:"error_code"`
	Message   string      `json:"message"`
	Details   interface{} `json:"details,omitempty"`
}

// RespondWithError sends a standardized error response
func RespondWithError(c *gin.Context, statusCode int, errorCode, message string, details interface{}) {
	c.JSON(statusCode, ErrorResponse{
		ErrorCode: errorCode,
		Message:   message,
		Details:   details,
	})
}

// RespondWithBadRequest sends a 400 Bad Request error
func RespondWithBadRequest(c *gin.Context, message string, details interface{}) {
	RespondWithError(c, http.StatusBadRequest, "bad_request", message, details)
}

// RespondWithNotFound sends a 404 Not Found error
func RespondWithNotFound(c *gin.Context, message string) {
	RespondWithError(c, http.StatusNotFound, "not_found", message, nil)
}

// StatusForKind maps an error kind to the HTTP status clients see.
func StatusForKind(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation, apperr.KindInvalidParameters:
		return http.StatusUnprocessableEntity
	case apperr.KindFetch:
		return http.StatusBadRequest
	case apperr.KindEmbedding, apperr.KindGeneration:
		return http.StatusBadGateway
	case apperr.KindGenerationTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindRateLimited:
		return http.StatusTooManyRequests
	case apperr.KindCanceled:
		return StatusClientClosedRequest
	default:
		// Index, auth, context size and internal faults are operator
		// problems; the client can't fix them.
		return http.StatusInternalServerError
	}
}

// RespondWithAppError renders any error from the pipeline. Unclassified
// errors never leak their text to the client.
func RespondWithAppError(c *gin.Context, err error) {
	e, ok := apperr.As(err)
	if !ok {
		e = apperr.WithStage(err, "")
	}

	details := gin.H{}
	if e.Stage != "" {
		details["stage"] = e.Stage
	}
	if e.Transient {
		details["retryable"] = true
	}
	if id, ok := c.Get("request_id"); ok {
		details["request_id"] = id
	}

	status := StatusForKind(e.Kind)
	if status == http.StatusTooManyRequests {
		c.Header("Retry-After", "30")
	}

	if len(details) == 0 {
		RespondWithError(c, status, string(e.Kind), e.Message, nil)
		return
	}
	RespondWithError(c, status, string(e.Kind), e.Message, details)
}
