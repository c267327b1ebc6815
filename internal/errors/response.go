package errors

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
)

// APIError is an error carrying a machine-readable code alongside the message.
// Services return it so the HTTP layer can map failures to status codes
// without string matching.
type APIError struct {
	Code    ErrorCode
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return e.Message
}

// New creates an APIError with the given code and message.
func New(code ErrorCode, message string) *APIError {
	return &APIError{Code: code, Message: message}
}

// CodeOf extracts the ErrorCode from an error chain.
// Unclassified errors map to internal_error.
func CodeOf(err error) ErrorCode {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.Code
	}
	return ErrCodeInternalError
}

// ErrorResponse is the standardized error format returned to clients.
// The flat success/error shape is what the storefront renders directly
// as toast/alert text.
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Error     string    `json:"error"`
	Code      ErrorCode `json:"code"`
	Retryable bool      `json:"retryable"`
}

// NewErrorResponse creates a standardized error response.
func NewErrorResponse(code ErrorCode, message string) ErrorResponse {
	return ErrorResponse{
		Success:   false,
		Error:     message,
		Code:      code,
		Retryable: code.IsRetryable(),
	}
}

// WriteJSON writes the error response as JSON to the HTTP response writer.
func (e ErrorResponse) WriteJSON(w http.ResponseWriter) {
	status := e.Code.HTTPStatus()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}

// WriteError is a convenience function to write an error response in one call.
func WriteError(w http.ResponseWriter, code ErrorCode, message string) {
	NewErrorResponse(code, message).WriteJSON(w)
}

// WriteAPIError maps any error to a response, honoring APIError codes.
func WriteAPIError(w http.ResponseWriter, err error) {
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		WriteError(w, apiErr.Code, apiErr.Message)
		return
	}
	WriteError(w, ErrCodeInternalError, err.Error())
}
