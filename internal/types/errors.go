package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationInvalidQuantity ErrorCode = "validation_invalid_quantity"
	ErrCodeValidationInvalidCycle    ErrorCode = "validation_invalid_billing_cycle"
	ErrCodeValidationInvalidEmail    ErrorCode = "validation_invalid_email"
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"

	// Auth (401)
	ErrCodeAuthTokenMissing ErrorCode = "auth_token_missing"
	ErrCodeAuthTokenInvalid ErrorCode = "auth_token_invalid"

	// Permission (403)
	ErrCodePermissionFirmMismatch ErrorCode = "permission_firm_mismatch"
	ErrCodePermissionRole         ErrorCode = "permission_role_insufficient"

	// Billing state (402/403)
	ErrCodeBillingNotPurchasable ErrorCode = "billing_not_purchasable"
	ErrCodePaymentDeclined       ErrorCode = "payment_declined"

	// Seat capacity (403)
	ErrCodeLimitNoAvailableSeats ErrorCode = "limit_no_available_seats"
	ErrCodeLimitNoReservedSeat   ErrorCode = "limit_no_reserved_seat"
	ErrCodeLimitNoActiveSeat     ErrorCode = "limit_no_active_seat"

	// Not Found (404)
	ErrCodeNotFoundSubscription ErrorCode = "not_found_subscription"
	ErrCodeNotFoundSeat         ErrorCode = "not_found_seat"
	ErrCodeNotFoundFirm         ErrorCode = "not_found_firm"

	// Conflict (409)
	ErrCodeConflictConcurrent  ErrorCode = "conflict_concurrent_modification"
	ErrCodeConflictIdempotency ErrorCode = "conflict_idempotency_mismatch"
	ErrCodeConflictSeatState   ErrorCode = "conflict_seat_state"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB            ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected    ErrorCode = "internal_unexpected_error"
	ErrCodeInternalSeatInvariant ErrorCode = "internal_seat_invariant_violated"
	ErrCodeUpstreamStripe        ErrorCode = "upstream_stripe_unavailable"
	ErrCodeUpstreamQueue         ErrorCode = "upstream_queue_unavailable"
	ErrCodeUpstreamEmail         ErrorCode = "upstream_email_provider"
	ErrCodeUpstreamEmailBlocked  ErrorCode = "upstream_email_blocked"
	ErrCodeUpstreamUnavailable   ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited   ErrorCode = "upstream_rate_limited"

	// Rate limiting (429)
	ErrCodeRateLimit ErrorCode = "rate_limit_exceeded"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "auth_"):
		return http.StatusUnauthorized // 401
	case strings.HasPrefix(s, "permission_"):
		return http.StatusForbidden // 403
	case s == string(ErrCodePaymentDeclined):
		return http.StatusPaymentRequired // 402
	case s == string(ErrCodeBillingNotPurchasable):
		return http.StatusForbidden // 403
	case strings.HasPrefix(s, "limit_"):
		return http.StatusForbidden // 403
	case s == string(ErrCodeRateLimit):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the service.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
// This is useful for adding context without mutating the original error.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}
