package payments

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hatbazar/payments/internal/circuitbreaker"
	"github.com/hatbazar/payments/internal/config"
	"github.com/hatbazar/payments/internal/errors"
	"github.com/hatbazar/payments/internal/logger"
	"github.com/hatbazar/payments/internal/metrics"
	"github.com/hatbazar/payments/internal/nagad"
	"github.com/hatbazar/payments/internal/storage"
)

// GatewayClient is the slice of the Nagad client the service drives.
// Narrowed to an interface so tests can stand in for the gateway.
type GatewayClient interface {
	Initialize(ctx context.Context, orderID string) (*nagad.InitializeResult, error)
	Complete(ctx context.Context, paymentReferenceID, orderID, challenge string, amountPaisa int64, callbackURL string) (*nagad.CompleteResult, error)
	Verify(ctx context.Context, paymentReferenceID string) (*nagad.VerifyResult, error)
}

// Service orchestrates the payment flow: credential lookup, the two-step
// gateway handshake, the ledger, and order confirmation.
type Service struct {
	store   storage.Store
	cfg     config.NagadConfig
	metrics *metrics.Metrics
	now     func() time.Time

	// newClient builds a gateway client for a credential row. Swappable in tests.
	newClient func(creds nagad.Credentials) GatewayClient
}

// NewService constructs a Service. The breaker may be nil; gateway calls
// then run unprotected.
func NewService(store storage.Store, cfg config.NagadConfig, breaker *circuitbreaker.Manager, m *metrics.Metrics) *Service {
	return &Service{
		store:   store,
		cfg:     cfg,
		metrics: m,
		now:     time.Now,
		newClient: func(creds nagad.Credentials) GatewayClient {
			return nagad.NewClient(cfg, creds, nagad.WithBreaker(breaker))
		},
	}
}

// CreateResult is returned by CreatePayment. CallBackURL is the gateway's
// hosted payment page the shopper's browser must be sent to.
type CreateResult struct {
	PaymentReferenceID string `json:"paymentReferenceId"`
	CallBackURL        string `json:"callBackUrl"`
}

// VerifyOutcome is the merchant-side view of a verify (or callback) pass.
type VerifyOutcome struct {
	Success            bool            `json:"success"`
	Status             string          `json:"status"`
	OrderID            string          `json:"orderId,omitempty"`
	IssuerPaymentRefNo string          `json:"issuerPaymentRefNo,omitempty"`
	Raw                json.RawMessage `json:"raw,omitempty"`
}

// CreatePayment runs the initialize-complete handshake for an order the
// guard has already approved, then records the attempt in the ledger.
// The challenge generated during initialize lives only in this call's
// scope; nothing about the handshake outlives the request.
//
// A failure anywhere leaves the order pending and writes no ledger row,
// so the shopper can simply retry.
func (s *Service) CreatePayment(ctx context.Context, order storage.Order, amountPaisa int64, callbackURL string) (*CreateResult, error) {
	log := logger.FromContext(ctx)
	start := s.now()

	fail := func(reason errors.ErrorCode, err error) error {
		if s.metrics != nil {
			s.metrics.ObservePaymentFailure("create", storage.GatewayNagad, string(reason))
		}
		return err
	}

	if amountPaisa != order.TotalAmount {
		return nil, fail(errors.ErrCodeInvalidAmount,
			errors.New(errors.ErrCodeInvalidAmount, "Amount does not match order total"))
	}

	client, err := s.gatewayClient(ctx)
	if err != nil {
		return nil, fail(errors.CodeOf(err), err)
	}

	initResult, err := s.observeGatewayCall(ctx, "initialize", func() (interface{}, error) {
		return client.Initialize(ctx, order.ID)
	})
	if err != nil {
		translated := translateGatewayError(err)
		return nil, fail(errors.CodeOf(translated), translated)
	}
	init := initResult.(*nagad.InitializeResult)

	completeResult, err := s.observeGatewayCall(ctx, "complete", func() (interface{}, error) {
		return client.Complete(ctx, init.PaymentReferenceID, order.ID, init.Challenge, amountPaisa, callbackURL)
	})
	if err != nil {
		translated := translateGatewayError(err)
		return nil, fail(errors.CodeOf(translated), translated)
	}
	complete := completeResult.(*nagad.CompleteResult)

	raw, err := json.Marshal(map[string]json.RawMessage{
		"initialize": init.Raw,
		"complete":   complete.Raw,
	})
	if err != nil {
		return nil, fail(errors.ErrCodeInternalError,
			errors.New(errors.ErrCodeInternalError, "Failed to record gateway response"))
	}

	tx := storage.PaymentTransaction{
		ID:                uuid.NewString(),
		OrderID:           order.ID,
		Gateway:           storage.GatewayNagad,
		ExternalReference: init.PaymentReferenceID,
		Amount:            amountPaisa,
		Currency:          "BDT",
		Status:            storage.TransactionStatusPending,
		RawResponse:       raw,
	}
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		log.Error().Err(err).Str("order_id", order.ID).Msg("payments.ledger.insert_failed")
		return nil, fail(errors.ErrCodeDatabaseError,
			errors.New(errors.ErrCodeDatabaseError, "Failed to record payment attempt"))
	}

	if s.metrics != nil {
		s.metrics.ObservePayment("create", storage.GatewayNagad, true, s.now().Sub(start), 0)
	}
	log.Info().
		Str("order_id", order.ID).
		Str("payment_reference_id", init.PaymentReferenceID).
		Int64("amount", amountPaisa).
		Msg("payments.create.initialized")

	return &CreateResult{
		PaymentReferenceID: init.PaymentReferenceID,
		CallBackURL:        complete.CallBackURL,
	}, nil
}

// VerifyPayment asks the gateway for the authoritative state of a payment
// reference and folds the answer into the ledger and the order.
//
// It is the single convergence point for explicit verify polls and the
// gateway's callback redirect: both may fire for the same reference, in
// any order, any number of times, and reach the same end state.
func (s *Service) VerifyPayment(ctx context.Context, paymentReferenceID string) (*VerifyOutcome, error) {
	log := logger.FromContext(ctx)
	start := s.now()

	client, err := s.gatewayClient(ctx)
	if err != nil {
		return nil, err
	}

	verifyResult, err := s.observeGatewayCall(ctx, "verify", func() (interface{}, error) {
		return client.Verify(ctx, paymentReferenceID)
	})
	if err != nil {
		if s.metrics != nil {
			s.metrics.ObservePaymentFailure("verify", storage.GatewayNagad, string(errors.ErrCodeGatewayError))
		}
		return nil, translateGatewayError(err)
	}
	vr := verifyResult.(*nagad.VerifyResult)

	tx, err := s.store.GetTransactionByReference(ctx, storage.GatewayNagad, paymentReferenceID)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.New(errors.ErrCodeTransactionNotFound, "Unknown payment reference")
	}
	if err != nil {
		return nil, errors.New(errors.ErrCodeDatabaseError, "Failed to load payment attempt")
	}

	outcome := &VerifyOutcome{
		Success:            vr.Success(),
		Status:             vr.Status,
		OrderID:            tx.OrderID,
		IssuerPaymentRefNo: vr.IssuerPaymentRefNo,
		Raw:                vr.Raw,
	}

	if vr.Success() {
		if err := s.store.MarkTransactionCompleted(ctx, storage.GatewayNagad, paymentReferenceID, vr.Raw, s.now()); err != nil {
			log.Error().Err(err).Str("payment_reference_id", paymentReferenceID).Msg("payments.ledger.complete_failed")
			return nil, errors.New(errors.ErrCodeDatabaseError, "Failed to update payment attempt")
		}

		if err := s.confirmOrder(ctx, tx.OrderID, vr.IssuerPaymentRefNo); err != nil {
			return nil, err
		}

		if s.metrics != nil {
			s.metrics.ObservePayment("verify", storage.GatewayNagad, true, s.now().Sub(start), tx.Amount)
		}
		log.Info().
			Str("order_id", tx.OrderID).
			Str("payment_reference_id", paymentReferenceID).
			Str("issuer_payment_ref", vr.IssuerPaymentRefNo).
			Msg("payments.verify.completed")
		return outcome, nil
	}

	if err := s.store.MarkTransactionFailed(ctx, storage.GatewayNagad, paymentReferenceID, vr.Raw); err != nil {
		log.Error().Err(err).Str("payment_reference_id", paymentReferenceID).Msg("payments.ledger.fail_failed")
		return nil, errors.New(errors.ErrCodeDatabaseError, "Failed to update payment attempt")
	}

	if s.metrics != nil {
		s.metrics.ObservePayment("verify", storage.GatewayNagad, false, s.now().Sub(start), 0)
		s.metrics.ObservePaymentFailure("verify", storage.GatewayNagad, "gateway_status_"+vr.Status)
	}
	log.Info().
		Str("order_id", tx.OrderID).
		Str("payment_reference_id", paymentReferenceID).
		Str("gateway_status", vr.Status).
		Msg("payments.verify.not_successful")
	return outcome, nil
}

// ListTransactions returns the ledger rows for an order, newest first.
// Ownership is the caller's concern.
func (s *Service) ListTransactions(ctx context.Context, orderID string) ([]storage.PaymentTransaction, error) {
	txs, err := s.store.ListTransactionsByOrder(ctx, orderID)
	if err != nil {
		return nil, errors.New(errors.ErrCodeDatabaseError, "Failed to load payment attempts")
	}
	return txs, nil
}

// confirmOrder flips the order to confirmed. A duplicate confirmation is a
// no-op inside the store; an order that can no longer be confirmed (for
// example cancelled while the payment was in flight) is logged and left
// alone rather than failing the verify, since the money has moved.
func (s *Service) confirmOrder(ctx context.Context, orderID, issuerPaymentRefNo string) error {
	log := logger.FromContext(ctx)
	err := s.store.ConfirmOrder(ctx, orderID, issuerPaymentRefNo)
	if err == nil {
		if s.metrics != nil {
			s.metrics.ObserveOrderConfirmed()
		}
		return nil
	}
	if stderrors.Is(err, storage.ErrInvalidOrderState) {
		log.Warn().
			Str("order_id", orderID).
			Msg("payments.order.unconfirmable_after_payment")
		return nil
	}
	log.Error().Err(err).Str("order_id", orderID).Msg("payments.order.confirm_failed")
	return errors.New(errors.ErrCodeDatabaseError, "Failed to confirm order")
}

// gatewayClient resolves the active provider row into a ready client.
func (s *Service) gatewayClient(ctx context.Context) (GatewayClient, error) {
	provider, err := s.store.GetActiveProvider(ctx, storage.GatewayNagad)
	if stderrors.Is(err, storage.ErrNotFound) {
		return nil, errors.New(errors.ErrCodeConfigError, "Payment provider is not configured")
	}
	if stderrors.Is(err, storage.ErrProviderConflict) {
		return nil, errors.New(errors.ErrCodeConfigError, "Payment provider configuration is ambiguous")
	}
	if err != nil {
		return nil, errors.New(errors.ErrCodeDatabaseError, "Failed to load payment provider")
	}

	creds := nagad.Credentials{
		MerchantID: provider.MerchantID,
		PublicKey:  provider.PublicKey,
		PrivateKey: provider.PrivateKey,
		Sandbox:    provider.Sandbox,
	}
	if err := creds.Validate(); err != nil {
		return nil, errors.New(errors.ErrCodeConfigError, fmt.Sprintf("Payment provider credentials are incomplete: %v", err))
	}

	return s.newClient(creds), nil
}

// observeGatewayCall times one gateway round trip for metrics.
func (s *Service) observeGatewayCall(_ context.Context, step string, fn func() (interface{}, error)) (interface{}, error) {
	start := s.now()
	result, err := fn()
	if s.metrics != nil {
		s.metrics.ObserveGatewayCall(step, storage.GatewayNagad, s.now().Sub(start), err)
	}
	return result, err
}

// translateGatewayError maps client errors onto API errors without losing
// the gateway's own reason text.
func translateGatewayError(err error) error {
	var ce *nagad.CryptoError
	if stderrors.As(err, &ce) {
		return errors.New(errors.ErrCodeCryptoError, "Payment provider credentials are invalid")
	}

	var ge *nagad.GatewayError
	if stderrors.As(err, &ge) {
		msg := "Payment gateway error"
		if ge.Reason != "" {
			msg = fmt.Sprintf("Payment gateway error: %s", ge.Reason)
		} else if ge.Message != "" {
			msg = fmt.Sprintf("Payment gateway error: %s", ge.Message)
		}
		return errors.New(errors.ErrCodeGatewayError, msg)
	}

	return errors.New(errors.ErrCodeNetworkError, "Payment gateway is unreachable")
}
