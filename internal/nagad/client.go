package nagad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hatbazar/payments/internal/circuitbreaker"
	"github.com/hatbazar/payments/internal/config"
	"github.com/hatbazar/payments/internal/logger"
)

// Gateway wire constants. The currency code is ISO 4217 numeric for BDT;
// the gateway accepts no other currency.
const (
	CurrencyCodeBDT = "050"
	apiVersion      = "v-0.2.0"
	clientType      = "PC_WEB"
)

// Credentials holds the per-merchant key material needed to talk to the
// gateway. PublicKey is the gateway's RSA public key (encrypts outbound
// sensitive data), PrivateKey is the merchant's RSA private key (signs
// the same plaintext). Both are base64 DER, PEM armor optional.
type Credentials struct {
	MerchantID string
	PublicKey  string
	PrivateKey string
	Sandbox    bool
}

// Validate reports whether the credentials are usable at all. Key material
// is only parsed lazily on first use.
func (c Credentials) Validate() error {
	if c.MerchantID == "" {
		return fmt.Errorf("merchant id is empty")
	}
	if c.PublicKey == "" {
		return fmt.Errorf("gateway public key is empty")
	}
	if c.PrivateKey == "" {
		return fmt.Errorf("merchant private key is empty")
	}
	return nil
}

// InitializeResult is the useful subset of the gateway's initialize
// response plus the locally generated challenge the complete step needs.
type InitializeResult struct {
	PaymentReferenceID string
	Challenge          string
	Raw                json.RawMessage
}

// CompleteResult carries the gateway-hosted payment page URL the end
// user's browser must be redirected to.
type CompleteResult struct {
	CallBackURL string
	Raw         json.RawMessage
}

// VerifyResult is the gateway's view of a payment attempt. Status is the
// gateway's literal string; "Success" is the only value treated as paid.
type VerifyResult struct {
	Status             string
	IssuerPaymentRefNo string
	OrderID            string
	Raw                json.RawMessage
}

// Success reports whether the gateway considers the payment settled.
func (v VerifyResult) Success() bool {
	return v.Status == "Success"
}

// Client implements the three-step checkout handshake against a Nagad
// gateway host. One Client is bound to one merchant's credentials; the
// base URL is selected from the sandbox flag at construction time.
//
// Each call is a single attempt with a bounded timeout. Retrying a
// half-finished handshake would double-charge, so retries are left
// to the shopper.
type Client struct {
	creds    Credentials
	baseURL  string
	clientIP string

	httpClient *http.Client
	breaker    *circuitbreaker.Manager

	challengeLength int
	now             func() time.Time
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying HTTP client (tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBreaker attaches a circuit breaker manager. Calls pass through
// unprotected when none is set.
func WithBreaker(m *circuitbreaker.Manager) Option {
	return func(c *Client) { c.breaker = m }
}

// WithClock overrides the timestamp source (tests).
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

// WithBaseURL overrides the resolved gateway base URL (tests).
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// NewClient builds a gateway client for the given merchant credentials.
func NewClient(cfg config.NagadConfig, creds Credentials, opts ...Option) *Client {
	base := cfg.ProductionBaseURL
	if creds.Sandbox {
		base = cfg.SandboxBaseURL
	}

	timeout := cfg.RequestTimeout.Duration
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	challengeLength := cfg.ChallengeLength
	if challengeLength <= 0 {
		challengeLength = 40
	}

	c := &Client{
		creds:           creds,
		baseURL:         base,
		clientIP:        cfg.ClientIP,
		httpClient:      &http.Client{Timeout: timeout},
		challengeLength: challengeLength,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// initializeResponse mirrors the fields we care about in the gateway's
// initialize reply. Unknown fields are preserved via the raw body.
type initializeResponse struct {
	PaymentReferenceID string `json:"paymentReferenceId"`
	Reason             string `json:"reason"`
	Message            string `json:"message"`
}

// Initialize performs the first handshake step. The returned challenge is
// our own freshly generated nonce; the gateway never sends it back, so the
// caller must carry it into Complete within the same request.
func (c *Client) Initialize(ctx context.Context, orderID string) (*InitializeResult, error) {
	challenge := RandomChallenge(c.challengeLength)

	sensitive := map[string]string{
		"merchantId": c.creds.MerchantID,
		"datetime":   FormatTimestamp(c.now()),
		"orderId":    orderID,
		"challenge":  challenge,
	}

	body, err := c.sealedBody(sensitive, nil)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/check-out/initialize/%s/%s", c.baseURL, c.creds.MerchantID, orderID)
	raw, err := c.post(ctx, "initialize", url, body)
	if err != nil {
		return nil, err
	}

	var resp initializeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &GatewayError{Step: "initialize", Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.PaymentReferenceID == "" {
		return nil, &GatewayError{
			Step:    "initialize",
			Reason:  resp.Reason,
			Message: nonEmpty(resp.Message, "gateway returned no payment reference"),
		}
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("order_id", orderID).
		Str("payment_reference_id", resp.PaymentReferenceID).
		Msg("nagad.initialize.ok")

	return &InitializeResult{
		PaymentReferenceID: resp.PaymentReferenceID,
		Challenge:          challenge,
		Raw:                raw,
	}, nil
}

type completeResponse struct {
	CallBackURL string `json:"callBackUrl"`
	Reason      string `json:"reason"`
	Message     string `json:"message"`
}

// Complete performs the second handshake step, binding the challenge from
// Initialize to the amount and registering the merchant callback URL the
// gateway will redirect the shopper to afterwards. Amount is in paisa.
func (c *Client) Complete(ctx context.Context, paymentReferenceID, orderID, challenge string, amountPaisa int64, callbackURL string) (*CompleteResult, error) {
	sensitive := map[string]string{
		"merchantId":   c.creds.MerchantID,
		"orderId":      orderID,
		"currencyCode": CurrencyCodeBDT,
		"amount":       FormatAmount(amountPaisa),
		"challenge":    challenge,
	}

	extra := map[string]string{"merchantCallbackURL": callbackURL}
	body, err := c.sealedBody(sensitive, extra)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/check-out/complete/%s", c.baseURL, paymentReferenceID)
	raw, err := c.post(ctx, "complete", url, body)
	if err != nil {
		return nil, err
	}

	var resp completeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &GatewayError{Step: "complete", Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.CallBackURL == "" {
		return nil, &GatewayError{
			Step:    "complete",
			Reason:  resp.Reason,
			Message: nonEmpty(resp.Message, "gateway returned no redirect URL"),
		}
	}

	log := logger.FromContext(ctx)
	log.Debug().
		Str("payment_reference_id", paymentReferenceID).
		Msg("nagad.complete.ok")

	return &CompleteResult{CallBackURL: resp.CallBackURL, Raw: raw}, nil
}

type verifyResponse struct {
	Status             string `json:"status"`
	IssuerPaymentRefNo string `json:"issuerPaymentRefNo"`
	OrderID            string `json:"orderId"`
	Reason             string `json:"reason"`
	Message            string `json:"message"`
}

// Verify asks the gateway for the authoritative state of a payment
// reference. It is safe to call any number of times.
func (c *Client) Verify(ctx context.Context, paymentReferenceID string) (*VerifyResult, error) {
	url := fmt.Sprintf("%s/verify/payment/%s", c.baseURL, paymentReferenceID)

	raw, err := c.do(ctx, "verify", http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}

	var resp verifyResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &GatewayError{Step: "verify", Err: fmt.Errorf("decode response: %w", err)}
	}
	if resp.Status == "" {
		return nil, &GatewayError{
			Step:    "verify",
			Reason:  resp.Reason,
			Message: nonEmpty(resp.Message, "gateway returned no status"),
		}
	}

	return &VerifyResult{
		Status:             resp.Status,
		IssuerPaymentRefNo: resp.IssuerPaymentRefNo,
		OrderID:            resp.OrderID,
		Raw:                raw,
	}, nil
}

// sealedBody encrypts and signs a sensitive payload into the gateway's
// envelope: {dateTime, sensitiveData, signature} plus any extra top-level
// fields. The signature covers the pre-encryption plaintext.
func (c *Client) sealedBody(sensitive map[string]string, extra map[string]string) ([]byte, error) {
	plaintext, err := json.Marshal(sensitive)
	if err != nil {
		return nil, &CryptoError{Op: "marshal sensitive data", Err: err}
	}

	encrypted, err := EncryptWithPublicKey(string(plaintext), c.creds.PublicKey)
	if err != nil {
		return nil, err
	}

	signature, err := Sign(string(plaintext), c.creds.PrivateKey)
	if err != nil {
		return nil, err
	}

	envelope := map[string]string{
		"dateTime":      FormatTimestamp(c.now()),
		"sensitiveData": encrypted,
		"signature":     signature,
	}
	for k, v := range extra {
		envelope[k] = v
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return nil, &CryptoError{Op: "marshal request body", Err: err}
	}
	return body, nil
}

func (c *Client) post(ctx context.Context, step, url string, body []byte) ([]byte, error) {
	return c.do(ctx, step, http.MethodPost, url, body)
}

// do executes one gateway round trip under the circuit breaker. Non-2xx
// responses are still decoded for a gateway reason before being reported.
func (c *Client) do(ctx context.Context, step, method, url string, body []byte) ([]byte, error) {
	exec := func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}

		req, err := http.NewRequestWithContext(ctx, method, url, reader)
		if err != nil {
			return nil, &GatewayError{Step: step, Err: fmt.Errorf("build request: %w", err)}
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-KM-IP-V4", c.clientIP)
		req.Header.Set("X-KM-Client-Type", clientType)
		req.Header.Set("X-KM-Api-Version", apiVersion)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, &GatewayError{Step: step, Err: fmt.Errorf("gateway unreachable: %w", err)}
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, &GatewayError{Step: step, Err: fmt.Errorf("read response: %w", err)}
		}

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			ge := &GatewayError{
				Step:    step,
				Message: fmt.Sprintf("gateway returned HTTP %d", resp.StatusCode),
			}
			var parsed struct {
				Reason  string `json:"reason"`
				Message string `json:"message"`
			}
			if json.Unmarshal(raw, &parsed) == nil {
				ge.Reason = parsed.Reason
				if parsed.Message != "" {
					ge.Message = parsed.Message
				}
			}
			return nil, ge
		}

		return raw, nil
	}

	var (
		result interface{}
		err    error
	)
	if c.breaker != nil {
		result, err = c.breaker.Execute(circuitbreaker.ServiceGateway, exec)
	} else {
		result, err = exec()
	}
	if err != nil {
		c.logFailure(ctx, step, err)
		if _, ok := err.(*GatewayError); !ok {
			// Breaker open or other infrastructure failure.
			err = &GatewayError{Step: step, Err: err}
		}
		return nil, err
	}

	return result.([]byte), nil
}

func (c *Client) logFailure(ctx context.Context, step string, err error) {
	log := logger.FromContext(ctx)
	log.Warn().Str("step", step).Err(err).Msg("nagad.gateway.call_failed")
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
