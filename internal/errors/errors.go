package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/trenches-waitlist/internal/types"
)

// ErrorCategory represents the category of an error
type ErrorCategory string

const (
	// CategoryValidation represents malformed input (400)
	CategoryValidation ErrorCategory = "validation"
	// CategoryAuthorization represents authentication failures (401)
	CategoryAuthorization ErrorCategory = "authorization"
	// CategoryNotFound represents not found errors
	CategoryNotFound ErrorCategory = "not_found"
	// CategoryConflict represents identity conflicts (409)
	CategoryConflict ErrorCategory = "conflict"
	// CategoryRateLimit represents admission rejections (429)
	CategoryRateLimit ErrorCategory = "rate_limit"
	// CategoryDatabase represents persistence failures
	CategoryDatabase ErrorCategory = "database"
	// CategorySystem represents other system errors (5xx)
	CategorySystem ErrorCategory = "system"
)

// Error codes surfaced in response bodies
const (
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeInvalidParameter  = "INVALID_PARAMETER"
	CodeUnauthorized      = "UNAUTHORIZED"
	CodeNotFound          = "NOT_FOUND"
	CodeHandleTaken       = "HANDLE_TAKEN"
	CodeReferralCodeInUse = "REFERRAL_CODE_IN_USE"
	CodeSelfReferral      = "SELF_REFERRAL"
	CodeIdentityConflict  = "IDENTITY_CONFLICT"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeDatabaseError     = "DATABASE_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// CategorizedError represents an error with category and HTTP status code
type CategorizedError struct {
	Category   ErrorCategory
	StatusCode int
	Code       string
	Message    string
	Details    map[string]interface{}
	Cause      error
}

// Error implements the error interface
func (e *CategorizedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *CategorizedError) Unwrap() error {
	return e.Cause
}

// ToServiceError converts to a ServiceError suitable for a response body.
// System errors never expose their cause.
func (e *CategorizedError) ToServiceError() *types.ServiceError {
	return &types.ServiceError{
		Code:    e.Code,
		Message: e.Message,
		Details: e.Details,
	}
}

// NewValidationError aggregates per-field validation failures
func NewValidationError(fields []types.FieldError) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeValidationFailed,
		Message:    "request validation failed",
		Details: map[string]interface{}{
			"fields": fields,
		},
	}
}

// NewInvalidParameterError creates an invalid parameter error
func NewInvalidParameterError(param string, reason string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryValidation,
		StatusCode: http.StatusBadRequest,
		Code:       CodeInvalidParameter,
		Message:    fmt.Sprintf("invalid parameter '%s': %s", param, reason),
		Details: map[string]interface{}{
			"parameter": param,
			"reason":    reason,
		},
	}
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryAuthorization,
		StatusCode: http.StatusUnauthorized,
		Code:       CodeUnauthorized,
		Message:    message,
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

// NewHandleTakenError reports that a handle belongs to another identity
func NewHandleTakenError(handle string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeHandleTaken,
		Message:    fmt.Sprintf("handle %s is already taken", handle),
		Details: map[string]interface{}{
			"field":  "handle",
			"handle": handle,
		},
	}
}

// NewReferralCodeInUseError reports a referral code collision at commit time
func NewReferralCodeInUseError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeReferralCodeInUse,
		Message:    "referral code is already in use, please retry",
		Details: map[string]interface{}{
			"field": "referralCode",
		},
	}
}

// NewSelfReferralError reports an attempt to refer oneself
func NewSelfReferralError() *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeSelfReferral,
		Message:    "you cannot use your own referral code",
		Details: map[string]interface{}{
			"field": "referredByCode",
		},
	}
}

// NewIdentityConflictError reports a concurrent registration for the same principal
func NewIdentityConflictError(message string) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryConflict,
		StatusCode: http.StatusConflict,
		Code:       CodeIdentityConflict,
		Message:    message,
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
		Code:       CodeInternalError,
		Message:    message,
		Cause:      cause,
	}
}

// NewDatabaseError creates a database error
func NewDatabaseError(operation string, cause error) *CategorizedError {
	return &CategorizedError{
		Category:   CategoryDatabase,
		StatusCode: http.StatusInternalServerError,
		Code:       CodeDatabaseError,
		Message:    fmt.Sprintf("database error during %s", operation),
		Cause:      cause,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Categorize categorizes an existing error
func Categorize(err error) *CategorizedError {
	if err == nil {
		return nil
	}

	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr
	}

	var svcErr *types.ServiceError
	if errors.As(err, &svcErr) {
		return categorizeServiceError(svcErr)
	}

	return NewInternalError("unexpected error", err)
}

// categorizeServiceError categorizes a ServiceError
func categorizeServiceError(err *types.ServiceError) *CategorizedError {
	build := func(cat ErrorCategory, status int) *CategorizedError {
		return &CategorizedError{
			Category:   cat,
			StatusCode: status,
			Code:       err.Code,
			Message:    err.Message,
			Details:    err.Details,
		}
	}

	switch err.Code {
	case CodeValidationFailed, CodeInvalidParameter:
		return build(CategoryValidation, http.StatusBadRequest)
	case CodeUnauthorized:
		return build(CategoryAuthorization, http.StatusUnauthorized)
	case CodeNotFound:
		return build(CategoryNotFound, http.StatusNotFound)
	case CodeHandleTaken, CodeReferralCodeInUse, CodeSelfReferral, CodeIdentityConflict:
		return build(CategoryConflict, http.StatusConflict)
	case CodeRateLimitExceeded:
		return build(CategoryRateLimit, http.StatusTooManyRequests)
	default:
		return build(CategorySystem, http.StatusInternalServerError)
	}
}

// GetHTTPStatusCode returns the HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	if catErr := Categorize(err); catErr != nil {
		return catErr.StatusCode
	}
	return http.StatusInternalServerError
}

// IsConflict reports whether err is an identity conflict
func IsConflict(err error) bool {
	catErr := Categorize(err)
	return catErr != nil && catErr.Category == CategoryConflict
}

// IsUserError determines if an error is a user error (4xx)
func IsUserError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 400 && catErr.StatusCode < 500
}

// IsSystemError determines if an error is a system error (5xx)
func IsSystemError(err error) bool {
	catErr := Categorize(err)
	if catErr == nil {
		return false
	}

	return catErr.StatusCode >= 500
}

// HasCode reports whether err carries the given error code
func HasCode(err error, code string) bool {
	var catErr *CategorizedError
	if errors.As(err, &catErr) {
		return catErr.Code == code
	}
	return false
}
