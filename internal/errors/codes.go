package errors

// ErrorCode represents a machine-readable error identifier for frontend error handling.
type ErrorCode string

// Authorization errors
const (
	// Missing or invalid bearer token
	ErrCodeUnauthorized ErrorCode = "unauthorized"
	// Authenticated user does not own the referenced order
	ErrCodeForbidden ErrorCode = "forbidden"
)

// Validation errors (request input validation)
const (
	ErrCodeMissingField  ErrorCode = "missing_field"
	ErrCodeInvalidField  ErrorCode = "invalid_field"
	ErrCodeInvalidAmount ErrorCode = "invalid_amount"
	ErrCodeInvalidAction ErrorCode = "invalid_action"
)

// Resource/state errors
const (
	ErrCodeOrderNotFound       ErrorCode = "order_not_found"
	ErrCodeTransactionNotFound ErrorCode = "transaction_not_found"

	// Order is not in a state that permits the requested payment action
	ErrCodeInvalidOrderState ErrorCode = "invalid_order_state"
)

// External service errors (gateway, identity provider)
const (
	ErrCodeGatewayError ErrorCode = "gateway_error"
	ErrCodeNetworkError ErrorCode = "network_error"
)

// Internal/system errors
const (
	ErrCodeInternalError ErrorCode = "internal_error"
	ErrCodeDatabaseError ErrorCode = "database_error"
	ErrCodeConfigError   ErrorCode = "config_error"
	ErrCodeCryptoError   ErrorCode = "crypto_error"
)

// IsRetryable returns whether an error code represents a retryable error.
// Retryable errors are typically transient network/service issues, not validation failures.
func (e ErrorCode) IsRetryable() bool {
	switch e {
	case ErrCodeGatewayError,
		ErrCodeNetworkError,
		ErrCodeDatabaseError:
		return true

	// Validation, authorization, and permanent failures are NOT retryable
	default:
		return false
	}
}

// HTTPStatus returns the appropriate HTTP status code for this error.
func (e ErrorCode) HTTPStatus() int {
	switch e {
	// 400 Bad Request - client validation, config, and state errors
	case ErrCodeMissingField,
		ErrCodeInvalidField,
		ErrCodeInvalidAmount,
		ErrCodeInvalidAction,
		ErrCodeInvalidOrderState,
		ErrCodeConfigError:
		return 400

	// 401 Unauthorized - token missing/invalid
	case ErrCodeUnauthorized:
		return 401

	// 403 Forbidden - order ownership mismatch
	case ErrCodeForbidden:
		return 403

	// 404 Not Found
	case ErrCodeOrderNotFound,
		ErrCodeTransactionNotFound:
		return 404

	// 500 Internal Server Error - crypto, gateway, and system failures
	default:
		return 500
	}
}
