package httpserver

import (
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"

	apierrors "github.com/hatbazar/payments/internal/errors"
	"github.com/hatbazar/payments/internal/logger"
	"github.com/hatbazar/payments/pkg/responders"
)

// createPaymentRequest is the storefront's create-payment body. Amount is
// the order total in taka; it is converted to paisa before hitting the
// service layer.
type createPaymentRequest struct {
	Amount      float64 `json:"amount"`
	OrderID     string  `json:"orderId"`
	CallbackURL string  `json:"callbackUrl"`
}

type verifyPaymentRequest struct {
	PaymentReferenceID string `json:"paymentReferenceId"`
	OrderID            string `json:"orderId"`
}

// createPayment runs the initialize-complete handshake for a pending order
// and returns the gateway's hosted payment page URL.
func (h *handlers) createPayment(w http.ResponseWriter, r *http.Request) {
	var req createPaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "Invalid request body")
		return
	}
	if req.OrderID == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "orderId is required")
		return
	}
	if req.Amount <= 0 {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidAmount, "amount must be positive")
		return
	}

	order, _, err := h.guard.Authorize(r.Context(), r, req.OrderID, true)
	if err != nil {
		apierrors.WriteAPIError(w, err)
		return
	}

	callbackURL := req.CallbackURL
	if callbackURL == "" {
		callbackURL = h.cfg.Nagad.CallbackURL
	}

	amountPaisa := int64(math.Round(req.Amount * 100))
	result, err := h.payments.CreatePayment(r.Context(), order, amountPaisa, callbackURL)
	if err != nil {
		apierrors.WriteAPIError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"paymentReferenceId": result.PaymentReferenceID,
		"callBackUrl":        result.CallBackURL,
	})
}

// verifyPayment polls the gateway for a payment reference and settles the
// ledger. Authentication is only required when the caller scopes the check
// to an order it claims to own.
func (h *handlers) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyPaymentRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		apierrors.WriteError(w, apierrors.ErrCodeInvalidField, "Invalid request body")
		return
	}
	if req.PaymentReferenceID == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "paymentReferenceId is required")
		return
	}

	if req.OrderID != "" {
		if _, _, err := h.guard.Authorize(r.Context(), r, req.OrderID, false); err != nil {
			apierrors.WriteAPIError(w, err)
			return
		}
	}

	outcome, err := h.payments.VerifyPayment(r.Context(), req.PaymentReferenceID)
	if err != nil {
		apierrors.WriteAPIError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"success": outcome.Success,
		"data":    outcome,
	})
}

// paymentCallback handles the gateway's redirect of the shopper's browser
// after they approve (or abandon) the payment. The response is always a
// redirect back to the storefront; errors surface as query parameters on
// the checkout page, never as JSON.
func (h *handlers) paymentCallback(w http.ResponseWriter, r *http.Request) {
	log := logger.FromContext(r.Context())

	paymentRef := r.URL.Query().Get("payment_ref_id")
	if paymentRef == "" {
		h.redirectToCheckout(w, r, "payment_error")
		return
	}

	outcome, err := h.payments.VerifyPayment(r.Context(), paymentRef)
	if err != nil {
		log.Warn().
			Err(err).
			Str("payment_reference_id", paymentRef).
			Msg("payments.callback.verify_failed")
		h.redirectToCheckout(w, r, "payment_error")
		return
	}

	if !outcome.Success {
		log.Info().
			Str("payment_reference_id", paymentRef).
			Str("gateway_status", outcome.Status).
			Msg("payments.callback.payment_failed")
		h.redirectToCheckout(w, r, "payment_failed")
		return
	}

	target := h.cfg.Nagad.FrontendOrigin + "/order-success?orderId=" + url.QueryEscape(outcome.OrderID)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *handlers) redirectToCheckout(w http.ResponseWriter, r *http.Request, errCode string) {
	target := h.cfg.Nagad.FrontendOrigin + "/checkout?error=" + url.QueryEscape(errCode)
	http.Redirect(w, r, target, http.StatusFound)
}

// listTransactions returns the payment attempt history for an order the
// caller owns, raw gateway payloads included.
func (h *handlers) listTransactions(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderId")
	if orderID == "" {
		apierrors.WriteError(w, apierrors.ErrCodeMissingField, "orderId is required")
		return
	}

	if _, _, err := h.guard.Authorize(r.Context(), r, orderID, false); err != nil {
		apierrors.WriteAPIError(w, err)
		return
	}

	transactions, err := h.payments.ListTransactions(r.Context(), orderID)
	if err != nil {
		apierrors.WriteAPIError(w, err)
		return
	}

	responders.JSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"transactions": transactions,
	})
}

// health returns service liveness and basic build context.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	now := time.Now()

	response := map[string]any{
		"status":    "ok",
		"uptime":    now.Sub(serverStartTime).String(),
		"timestamp": now.UTC(),
	}
	if h.cfg.Server.RoutePrefix != "" {
		response["routePrefix"] = h.cfg.Server.RoutePrefix
	}

	responders.JSON(w, http.StatusOK, response)
}
