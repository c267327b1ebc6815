package auth

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/hatbazar/payments/internal/errors"
	"github.com/hatbazar/payments/internal/logger"
	"github.com/hatbazar/payments/internal/storage"
)

// Guard binds a payment action to the authenticated user's own order.
//
// Checks run in a fixed order so the caller leaks nothing it shouldn't:
// a request without a valid token learns only that it is unauthorized,
// never whether the order exists.
type Guard struct {
	verifier *Verifier
	store    storage.Store
}

// NewGuard constructs a Guard.
func NewGuard(verifier *Verifier, store storage.Store) *Guard {
	return &Guard{verifier: verifier, store: store}
}

// Authorize authenticates the request and checks that the user owns the
// order. When requirePending is set, the order must still be pending.
// The returned error is always a typed *errors.APIError ready to send.
func (g *Guard) Authorize(ctx context.Context, r *http.Request, orderID string, requirePending bool) (storage.Order, string, error) {
	log := logger.FromContext(ctx)

	userID, err := g.verifier.VerifyRequest(r)
	if err != nil {
		log.Debug().Err(err).Msg("auth.token.rejected")
		return storage.Order{}, "", errors.New(errors.ErrCodeUnauthorized, "Unauthorized")
	}

	order, err := g.store.GetOrder(ctx, orderID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return storage.Order{}, "", errors.New(errors.ErrCodeOrderNotFound, "Order not found")
	}
	if err != nil {
		log.Error().Err(err).Str("order_id", orderID).Msg("auth.order.lookup_failed")
		return storage.Order{}, "", errors.New(errors.ErrCodeDatabaseError, "Failed to load order")
	}

	if order.UserID != userID {
		log.Warn().
			Str("order_id", orderID).
			Str("user_id", userID).
			Msg("auth.order.ownership_mismatch")
		return storage.Order{}, "", errors.New(errors.ErrCodeForbidden, "Order does not belong to this user")
	}

	if requirePending && order.Status != storage.OrderStatusPending {
		return storage.Order{}, "", errors.New(errors.ErrCodeInvalidOrderState, "Order already processed")
	}

	return order, userID, nil
}
