package types

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All packages MUST use these constants instead of hardcoded strings.
const (
	// Validation (400) — malformed input, fail fast at parse time.
	ErrCodeValidationMissingField    ErrorCode = "validation_missing_required_field"
	ErrCodeValidationInvalidDate     ErrorCode = "validation_invalid_date"
	ErrCodeValidationInvalidField    ErrorCode = "validation_invalid_field"
	ErrCodeValidationMinAmount       ErrorCode = "validation_amount_below_minimum"
	ErrCodeValidationMetadataLength  ErrorCode = "validation_metadata_too_long"
	ErrCodeValidationUnknownField    ErrorCode = "validation_unknown_signing_field"
	ErrCodeValidationInvalidPayment  ErrorCode = "validation_invalid_payment"

	// Business rules (422) — domain rejections; surface to an operator, do not retry.
	ErrCodeBusinessNotAnUpgrade        ErrorCode = "business_not_an_upgrade"
	ErrCodeBusinessTooCloseToRunDate   ErrorCode = "business_too_close_to_run_date"
	ErrCodeBusinessFrequencyChange     ErrorCode = "business_frequency_change_forbidden"
	ErrCodeBusinessNotActive           ErrorCode = "business_subscription_not_active"
	ErrCodeBusinessTrialRestriction    ErrorCode = "business_trial_restriction"
	ErrCodeBusinessInvalidPeriod       ErrorCode = "business_invalid_period"
	ErrCodeBusinessPaymentNotConfirmed ErrorCode = "business_payment_not_confirmed"
	ErrCodeBusinessDowngradeDisabled   ErrorCode = "business_downgrade_disabled"

	// Transport — timeout and connection failures; caller decides retry policy.
	ErrCodeTransportTimeout    ErrorCode = "transport_timeout"
	ErrCodeTransportConnection ErrorCode = "transport_connection_failed"

	// Upstream (502) — the gateway answered, but not the way we wanted.
	ErrCodeUpstreamAPI                ErrorCode = "upstream_api_error"
	ErrCodeUpstreamRateLimited        ErrorCode = "upstream_rate_limited"
	ErrCodeUpstreamUnavailable        ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamSubscriptionLookup ErrorCode = "upstream_subscription_lookup_failed"

	// Conflict (409)
	ErrCodeConflictAlreadyFinalized ErrorCode = "conflict_upgrade_already_finalized"

	// Internal (500)
	ErrCodeInternalDB         ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected ErrorCode = "internal_unexpected_error"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "business_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "transport_"):
		return http.StatusGatewayTimeout // 504
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "conflict_"):
		return http.StatusConflict // 409
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the module.
// All domain, transport, and gateway errors are expressed as AppError to
// enable consistent error formatting, HTTP status mapping, and error chain
// support via errors.Is/errors.As.
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
