package api

import (
	"encoding/json"
	"net/http"

	apperrors "github.com/auction-finalizer/internal/errors"
	"github.com/auction-finalizer/internal/types"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondAppError maps err through the error taxonomy. Internal causes are
// not echoed to the client.
func respondAppError(w http.ResponseWriter, err error) {
	catErr := apperrors.Categorize(err)
	svcErr := catErr.ToServiceError()
	if catErr.StatusCode >= http.StatusInternalServerError && catErr.Code == apperrors.CodeInternal {
		svcErr.Message = "An internal error occurred"
		svcErr.Details = nil
	}
	respondError(w, catErr.StatusCode, svcErr.Code, svcErr.Message, svcErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)
