package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want int
	}{
		{ErrCodeMissingField, 400},
		{ErrCodeInvalidField, 400},
		{ErrCodeInvalidAction, 400},
		{ErrCodeInvalidOrderState, 400},
		{ErrCodeConfigError, 400},
		{ErrCodeUnauthorized, 401},
		{ErrCodeForbidden, 403},
		{ErrCodeOrderNotFound, 404},
		{ErrCodeTransactionNotFound, 404},
		{ErrCodeGatewayError, 500},
		{ErrCodeCryptoError, 500},
		{ErrCodeInternalError, 500},
		{ErrorCode("something_unknown"), 500},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			if got := tt.code.HTTPStatus(); got != tt.want {
				t.Errorf("HTTPStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestIsRetryable(t *testing.T) {
	if !ErrCodeGatewayError.IsRetryable() {
		t.Error("gateway errors should be retryable")
	}
	if ErrCodeForbidden.IsRetryable() {
		t.Error("authorization failures must not be retryable")
	}
	if ErrCodeInvalidOrderState.IsRetryable() {
		t.Error("state violations must not be retryable")
	}
}

func TestWriteAPIError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   ErrorCode
		wantMsg    string
	}{
		{
			name:       "typed api error",
			err:        New(ErrCodeForbidden, "You do not own this order"),
			wantStatus: 403,
			wantCode:   ErrCodeForbidden,
			wantMsg:    "You do not own this order",
		},
		{
			name:       "wrapped api error",
			err:        fmt.Errorf("create payment: %w", New(ErrCodeInvalidOrderState, "Order already processed")),
			wantStatus: 400,
			wantCode:   ErrCodeInvalidOrderState,
		},
		{
			name:       "untyped error",
			err:        errors.New("boom"),
			wantStatus: 500,
			wantCode:   ErrCodeInternalError,
			wantMsg:    "boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteAPIError(rec, tt.err)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Success {
				t.Error("success must be false on error responses")
			}
			if resp.Code != tt.wantCode {
				t.Errorf("code = %s, want %s", resp.Code, tt.wantCode)
			}
			if tt.wantMsg != "" && resp.Error != tt.wantMsg {
				t.Errorf("error = %q, want %q", resp.Error, tt.wantMsg)
			}
		})
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(New(ErrCodeCryptoError, "bad key")); got != ErrCodeCryptoError {
		t.Errorf("CodeOf(api error) = %s", got)
	}
	if got := CodeOf(errors.New("plain")); got != ErrCodeInternalError {
		t.Errorf("CodeOf(plain error) = %s", got)
	}
}
