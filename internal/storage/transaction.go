package storage

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// TransactionStatus is the ledger state of one payment attempt.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s TransactionStatus) Terminal() bool {
	return s == TransactionStatusCompleted || s == TransactionStatusFailed
}

// PaymentTransaction is one ledger row per payment attempt. The external
// reference is the gateway-assigned payment reference id; it is unique per
// gateway. RawResponse keeps the gateway's payloads verbatim for audit.
type PaymentTransaction struct {
	ID                string            `json:"id" bson:"_id"`
	OrderID           string            `json:"order_id" bson:"order_id"`
	Gateway           string            `json:"gateway" bson:"gateway"`
	ExternalReference string            `json:"external_reference" bson:"external_reference"`
	Amount            int64             `json:"amount" bson:"amount"`
	Currency          string            `json:"currency" bson:"currency"`
	Status            TransactionStatus `json:"status" bson:"status"`
	RawResponse       json.RawMessage   `json:"raw_response,omitempty" bson:"raw_response,omitempty"`
	CompletedAt       *time.Time        `json:"completed_at,omitempty" bson:"completed_at,omitempty"`
	CreatedAt         time.Time         `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at" bson:"updated_at"`
}

func validateAndPrepareTransaction(tx *PaymentTransaction, now time.Time) error {
	tx.ID = strings.TrimSpace(tx.ID)
	tx.OrderID = strings.TrimSpace(tx.OrderID)
	tx.Gateway = strings.ToLower(strings.TrimSpace(tx.Gateway))
	tx.ExternalReference = strings.TrimSpace(tx.ExternalReference)

	if tx.ID == "" {
		return fmt.Errorf("transaction id is required")
	}
	if tx.OrderID == "" {
		return fmt.Errorf("transaction order id is required")
	}
	if tx.Gateway == "" {
		return fmt.Errorf("transaction gateway is required")
	}
	if tx.ExternalReference == "" {
		return fmt.Errorf("transaction external reference is required")
	}
	if tx.Amount < 0 {
		return fmt.Errorf("transaction amount must not be negative")
	}
	if tx.Currency == "" {
		tx.Currency = "BDT"
	}
	if tx.Status == "" {
		tx.Status = TransactionStatusPending
	}

	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = now
	}
	tx.UpdatedAt = now
	return nil
}
