package response

import (
	"context"
	"errors"
	"net/http"

	"github.com/orchestra/tiermem/pkg/memory"
)

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Error codes
const (
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeMethodNotAllowed    = "METHOD_NOT_ALLOWED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeNotMutable          = "NOT_MUTABLE"
	ErrCodeItemTypeDisabled    = "ITEM_TYPE_DISABLED"
	ErrCodeSemanticRequired    = "SEMANTIC_QUERY_REQUIRED"
	ErrCodePayloadTooLarge     = "PAYLOAD_TOO_LARGE"
	ErrCodePrivacyViolation    = "PRIVACY_VIOLATION"
	ErrCodeClientClosedRequest = "CLIENT_CLOSED_REQUEST"
	ErrCodeInternalServer      = "INTERNAL_SERVER_ERROR"
	ErrCodeTierUnavailable     = "TIER_UNAVAILABLE"
	ErrCodeGatewayTimeout      = "GATEWAY_TIMEOUT"
)

// StatusClientClosedRequest is the non-standard status logged when the
// caller went away before the response.
const StatusClientClosedRequest = 499

// Classify maps an error from the memory service to a status and code. A
// tier that timed out is unavailable (503); only a request that ran out of
// its own deadline is a gateway timeout (504).
func Classify(err error) (int, string) {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge
	case errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, memory.ErrItemTypeDisabled):
		return http.StatusBadRequest, ErrCodeItemTypeDisabled
	case errors.Is(err, memory.ErrSemanticQueryRequired):
		return http.StatusBadRequest, ErrCodeSemanticRequired
	case errors.Is(err, memory.ErrInvalidItem),
		errors.Is(err, memory.ErrInvalidQuery),
		errors.Is(err, memory.ErrConfiguration):
		return http.StatusBadRequest, ErrCodeBadRequest
	case errors.Is(err, memory.ErrNotMutable):
		return http.StatusConflict, ErrCodeNotMutable
	case errors.Is(err, memory.ErrConflict):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, memory.ErrPrivacyViolation):
		return http.StatusUnprocessableEntity, ErrCodePrivacyViolation
	case errors.Is(err, memory.ErrTierUnavailable):
		return http.StatusServiceUnavailable, ErrCodeTierUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeGatewayTimeout
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, ErrCodeClientClosedRequest
	default:
		return http.StatusInternalServerError, ErrCodeInternalServer
	}
}

// HandleError writes the mapped error response. Internal errors are reported
// without their message.
func HandleError(w http.ResponseWriter, err error, requestID string) {
	status, code := Classify(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "internal server error"
	}

	var details map[string]any
	var pv *memory.PrivacyViolationError
	if errors.As(err, &pv) && len(pv.Detectors) > 0 {
		details = map[string]any{"detectors": pv.Detectors}
	}
	var tu *memory.TierUnavailableError
	if errors.As(err, &tu) {
		details = map[string]any{"tier": tu.Tier}
	}

	ErrorWithDetails(w, status, code, message, details, requestID)
}

// BadRequest writes a 400 for malformed input that never reached the service.
func BadRequest(w http.ResponseWriter, message, requestID string) {
	Error(w, http.StatusBadRequest, ErrCodeBadRequest, message, requestID)
}
