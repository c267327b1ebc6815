package nagad

import (
	"fmt"

	"github.com/hatbazar/payments/internal/errors"
)

// CryptoError classifies failures in the RSA operations the gateway
// protocol requires (key parsing, encryption, signing). It always fires
// before any network call is attempted.
type CryptoError struct {
	Op  string // "parse public key", "encrypt", "sign", ...
	Err error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("nagad: %s: %v", e.Op, e.Err)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// Code returns the machine-readable error code for HTTP mapping.
func (e *CryptoError) Code() errors.ErrorCode {
	return errors.ErrCodeCryptoError
}

// GatewayError classifies non-success or malformed gateway responses.
// Reason carries the gateway's own "reason" field when present.
type GatewayError struct {
	Step    string // "initialize", "complete", "verify"
	Reason  string
	Message string
	Err     error
}

func (e *GatewayError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("nagad %s: %s", e.Step, e.Reason)
	}
	if e.Message != "" {
		return fmt.Sprintf("nagad %s: %s", e.Step, e.Message)
	}
	return fmt.Sprintf("nagad %s: %v", e.Step, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// Code returns the machine-readable error code for HTTP mapping.
func (e *GatewayError) Code() errors.ErrorCode {
	return errors.ErrCodeGatewayError
}
