package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/auction-finalizer/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryUserInput represents operator input errors (4xx)
	CategoryUserInput ErrorCategory = "user_input"
	// CategorySystem represents system errors (5xx)
	CategorySystem ErrorCategory = "system"
	// CategoryIndexer represents indexer/subgraph errors
	CategoryIndexer ErrorCategory = "indexer"
	// CategoryChain represents contract read and receipt errors
	CategoryChain ErrorCategory = "chain"
	// CategoryQueue represents durable queue errors
	CategoryQueue ErrorCategory = "queue"
	// CategoryRelayer represents relayer gateway errors
	CategoryRelayer ErrorCategory = "relayer"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents conflict errors
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents rate limit errors
	CategoryRateLimit ErrorCategory = "rate_limit"
)

// Error codes for the finalization pipeline
const (
	CodeIndexUnavailable    = "INDEX_UNAVAILABLE"
	CodeChainReadFailed     = "CHAIN_READ_FAILED"
	CodeEnqueueFailed       = "ENQUEUE_FAILED"
	CodeSubmissionFailed    = "SUBMISSION_FAILED"
	CodeConfirmationTimeout = "CONFIRMATION_TIMEOUT"
	CodeTransactionReverted = "TRANSACTION_REVERTED"
	CodeTerminalFailure     = "TERMINAL_FAILURE"
	CodeScanInProgress      = "SCAN_IN_PROGRESS"
	CodeInvalidParameter    = "INVALID_PARAMETER"
	CodeNotFound            = "NOT_FOUND"
	CodeConflict            = "CONFLICT"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeInternal            = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
	// Retryable marks failures the queue should retry with backoff
	Retryable bool
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// Pipeline errors

// NewIndexUnavailableError reports that the candidate list could not be fetched.
// The whole scan cycle is aborted.
func NewIndexUnavailableError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryIndexer,
		StatusCode: http.StatusBadGateway,
		Code:       CodeIndexUnavailable,
		Message:    "auction indexer unavailable",
		Cause:      cause,
		Retryable:  true,
	}
}

// NewChainReadFailedError reports a failed contract read for one auction
func NewChainReadFailedError(auctionID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryChain,
		StatusCode: http.StatusBadGateway,
		Code:       CodeChainReadFailed,
		Message:    fmt.Sprintf("failed to read auction %s state", auctionID),
		Cause:      cause,
		Retryable:  true,
		Details: map[string]interface{}{
			"auctionId": auctionID,
		},
	}
}

// NewEnqueueFailedError reports a queue write failure for one job
func NewEnqueueFailedError(jobID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQueue,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeEnqueueFailed,
		Message:    fmt.Sprintf("failed to enqueue job %s", jobID),
		Cause:      cause,
		Retryable:  true,
		Details: map[string]interface{}{
			"jobId": jobID,
		},
	}
}

// NewSubmissionFailedError reports a relayer or network error during submission
func NewSubmissionFailedError(auctionID string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRelayer,
		StatusCode: http.StatusBadGateway,
		Code:       CodeSubmissionFailed,
		Message:    fmt.Sprintf("finalize submission failed for auction %s", auctionID),
		Cause:      cause,
		Retryable:  true,
		Details: map[string]interface{}{
			"auctionId": auctionID,
		},
	}
}

// NewConfirmationTimeoutError reports a submitted transaction that was not
// confirmed within the wait window. The transaction may still land later.
func NewConfirmationTimeoutError(txHash string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryChain,
		StatusCode: http.StatusGatewayTimeout,
		Code:       CodeConfirmationTimeout,
		Message:    fmt.Sprintf("transaction %s not confirmed in time", txHash),
		Cause:      cause,
		Retryable:  true,
		Details: map[string]interface{}{
			"txHash": txHash,
		},
	}
}

// NewTransactionRevertedError reports a mined transaction with a failed status
func NewTransactionRevertedError(txHash string, blockNumber uint64) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryChain,
		StatusCode: http.StatusBadGateway,
		Code:       CodeTransactionReverted,
		Message:    fmt.Sprintf("transaction %s reverted", txHash),
		Retryable:  true,
		Details: map[string]interface{}{
			"txHash":      txHash,
			"blockNumber": blockNumber,
		},
	}
}

// NewTerminalFailureError reports a job whose retry budget is exhausted
func NewTerminalFailureError(jobID string, attempts int, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryQueue,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeTerminalFailure,
		Message:    fmt.Sprintf("job %s failed after %d attempts", jobID, attempts),
		Cause:      cause,
		Details: map[string]interface{}{
			"jobId":    jobID,
			"attempts": attempts,
		},
	}
}

// Operator errors

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryUserInput,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string, id string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryNotFound,
		StatusCode: http.StatusNotFound,
		Code:       CodeNotFound,
		Message:    fmt.Sprintf("%s not found: %s", resource, id),
		Details: map[string]interface{}{
			"resource": resource,
			"id":       id,
		},
	}
}

// NewConflictError creates a conflict error
func NewConflictError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeConflict,
		Message:    message,
		Cause:      cause,
	}
}

// NewScanInProgressError reports a manual trigger that collided with a running scan
func NewScanInProgressError(cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeScanInProgress,
		Message:    "a scan cycle is already running",
		Cause:      cause,
	}
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(retryAfter int) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryRateLimit,
		StatusCode: http.StatusTooManyRequests,
		Code:       CodeRateLimitExceeded,
		Message:    "rate limit exceeded",
		Details: map[string]interface{}{
			"retryAfter": retryAfter,
		},
	}
}

// NewInternalError creates an internal server error
func NewInternalError(message string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeInternal,
		Message:    message,
		Cause:      cause,
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	// If already categorized anywhere in the chain, return it
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if stderrors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	// Default to internal error
	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	out := &CategorizedError{
		Category:   CategorySystem,
		StatusCode: http.StatusInternalServerError,
		Code:       err.Code,
		Message:    err.Message,
		Details:    err.Details,
	}
	switch err.Code {
	case CodeInvalidParameter:
		out.Category, out.StatusCode = CategoryUserInput, http.StatusBadRequest
	case CodeNotFound:
		out.Category, out.StatusCode = CategoryNotFound, http.StatusNotFound
	case CodeConflict, CodeScanInProgress:
		out.Category, out.StatusCode = CategoryConflict, http.StatusConflict
	case CodeRateLimitExceeded:
		out.Category, out.StatusCode = CategoryRateLimit, http.StatusTooManyRequests
	}
	return out
}

// HasCode reports whether err carries a CategorizedError with the given code
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	return stderrors.As(err, &catErr) && catErr.Code == code
}

// CodeOf returns the code of the first CategorizedError in the chain, or CodeInternal
func CodeOf(err error) string {
	var catErr *CategorizedError
	if stderrors.As(err, &catErr) {
		return catErr.Code
	}
	return CodeInternal
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsRetryable determines if an error should go back through queue backoff
func IsRetryable(err error) bool {
	var catErr *CategorizedError
	if !stderrors.As(err, &catErr) {
		return false
	}
	return catErr.Retryable
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}
