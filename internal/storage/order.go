package storage

import (
	"fmt"
	"strings"
	"time"
)

// OrderStatus is the lifecycle state of a storefront order.
type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "pending"
	OrderStatusConfirmed  OrderStatus = "confirmed"
	OrderStatusProcessing OrderStatus = "processing"
	OrderStatusShipped    OrderStatus = "shipped"
	OrderStatusDelivered  OrderStatus = "delivered"
	OrderStatusCancelled  OrderStatus = "cancelled"
)

// ValidOrderStatus reports whether s is a known status value.
func ValidOrderStatus(s OrderStatus) bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// Order is a storefront order as the payment flow sees it. TotalAmount is
// in paisa (atomic BDT units). PaymentTransactionRef holds the gateway's
// issuer payment reference once a payment has been verified; empty until
// then.
type Order struct {
	ID                    string      `json:"id" bson:"_id"`
	UserID                string      `json:"user_id" bson:"user_id"`
	Status                OrderStatus `json:"status" bson:"status"`
	TotalAmount           int64       `json:"total_amount" bson:"total_amount"`
	PaymentMethod         string      `json:"payment_method" bson:"payment_method"`
	PaymentTransactionRef string      `json:"payment_transaction_ref,omitempty" bson:"payment_transaction_ref,omitempty"`
	CreatedAt             time.Time   `json:"created_at" bson:"created_at"`
	UpdatedAt             time.Time   `json:"updated_at" bson:"updated_at"`
}

func validateAndPrepareOrder(o *Order, now time.Time) error {
	o.ID = strings.TrimSpace(o.ID)
	o.UserID = strings.TrimSpace(o.UserID)

	if o.ID == "" {
		return fmt.Errorf("order id is required")
	}
	if o.UserID == "" {
		return fmt.Errorf("order user id is required")
	}
	if o.Status == "" {
		o.Status = OrderStatusPending
	}
	if !ValidOrderStatus(o.Status) {
		return fmt.Errorf("unknown order status %q", o.Status)
	}
	if o.TotalAmount < 0 {
		return fmt.Errorf("order total must not be negative")
	}

	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	return nil
}
