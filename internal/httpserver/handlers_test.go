package httpserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hatbazar/payments/internal/auth"
	"github.com/hatbazar/payments/internal/config"
	"github.com/hatbazar/payments/internal/idempotency"
	"github.com/hatbazar/payments/internal/metrics"
	"github.com/hatbazar/payments/internal/payments"
	"github.com/hatbazar/payments/internal/storage"
)

const testTokenSecret = "handler-test-secret-0123456789abcdef"

// fakeGateway simulates the Nagad sandbox host. It does not decrypt the
// sealed payloads; it only plays back the response shapes the real host
// returns at each step.
type fakeGateway struct {
	server       *httptest.Server
	verifyStatus string
	verifyRef    string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()

	g := &fakeGateway{verifyStatus: "Success", verifyRef: "ISS-9"}
	mux := http.NewServeMux()
	mux.HandleFunc("/check-out/initialize/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"paymentReferenceId": "REF-1"})
	})
	mux.HandleFunc("/check-out/complete/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"callBackUrl": "https://gateway.example/pay/REF-1"})
	})
	mux.HandleFunc("/verify/payment/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"status":             g.verifyStatus,
			"issuerPaymentRefNo": g.verifyRef,
		})
	})

	g.server = httptest.NewServer(mux)
	t.Cleanup(g.server.Close)
	return g
}

// testKeyMaterial returns a base64 SPKI public key and PKCS#8 private key
// the way the merchant portal hands them out.
func testKeyMaterial(t *testing.T) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(pubDER), base64.StdEncoding.EncodeToString(privDER)
}

type serverFixture struct {
	router  chi.Router
	store   *storage.MemoryStore
	gateway *fakeGateway
	cfg     *config.Config
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()

	gateway := newFakeGateway(t)
	pub, priv := testKeyMaterial(t)

	cfg := &config.Config{}
	cfg.Server.RoutePrefix = ""
	cfg.Auth = config.AuthConfig{
		TokenSecret: testTokenSecret,
		Issuer:      "hatbazar",
		Audience:    "hatbazar-web",
		ClockSkew:   config.Duration{Duration: time.Minute},
	}
	cfg.Nagad = config.NagadConfig{
		SandboxBaseURL:  gateway.server.URL,
		CallbackURL:     "https://shop.example/api/payments/nagad/callback",
		FrontendOrigin:  "https://shop.example",
		RequestTimeout:  config.Duration{Duration: 5 * time.Second},
		ClientIP:        "103.11.84.2",
		ChallengeLength: 40,
	}

	store := storage.NewMemoryStore()
	ctx := context.Background()

	if err := store.UpsertProvider(ctx, storage.ProviderConfig{
		ID:         "p1",
		Gateway:    storage.GatewayNagad,
		MerchantID: "683002007104225",
		PublicKey:  pub,
		PrivateKey: priv,
		Sandbox:    true,
		Active:     true,
	}); err != nil {
		t.Fatalf("seed provider: %v", err)
	}

	orders := []storage.Order{
		{ID: "O1", UserID: "U1", Status: storage.OrderStatusPending, TotalAmount: 50000},
		{ID: "O2", UserID: "U1", Status: storage.OrderStatusConfirmed, TotalAmount: 20000},
		{ID: "O3", UserID: "U2", Status: storage.OrderStatusPending, TotalAmount: 30000},
	}
	for _, o := range orders {
		if err := store.SaveOrder(ctx, o); err != nil {
			t.Fatalf("seed order %s: %v", o.ID, err)
		}
	}

	m := metrics.New(prometheus.NewRegistry())
	svc := payments.NewService(store, cfg.Nagad, nil, m)

	verifier, err := auth.NewVerifier(cfg.Auth)
	if err != nil {
		t.Fatalf("build verifier: %v", err)
	}
	guard := auth.NewGuard(verifier, store)

	idemStore := idempotency.NewMemoryStore()
	t.Cleanup(idemStore.Stop)

	router := chi.NewRouter()
	ConfigureRouter(router, cfg, svc, guard, idemStore, m, zerolog.Nop())

	return &serverFixture{router: router, store: store, gateway: gateway, cfg: cfg}
}

func (f *serverFixture) mintToken(t *testing.T, subject string) string {
	t.Helper()

	now := time.Now()
	tok, err := jwt.NewBuilder().
		Subject(subject).
		Issuer("hatbazar").
		Audience([]string{"hatbazar-web"}).
		IssuedAt(now).
		Expiration(now.Add(time.Hour)).
		Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}
	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(testTokenSecret)))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func (f *serverFixture) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response body %q: %v", rec.Body.String(), err)
	}
	return body
}

func TestCreatePaymentEndpoint(t *testing.T) {
	f := newServerFixture(t)
	token := f.mintToken(t, "U1")

	rec := f.do(t, http.MethodPost, "/payments/nagad/create", token, map[string]any{
		"amount":      500.00,
		"orderId":     "O1",
		"callbackUrl": "https://shop.example/cb",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("Expected success true, got %v", body["success"])
	}
	if body["paymentReferenceId"] != "REF-1" {
		t.Errorf("Expected paymentReferenceId REF-1, got %v", body["paymentReferenceId"])
	}
	if body["callBackUrl"] != "https://gateway.example/pay/REF-1" {
		t.Errorf("Unexpected callBackUrl %v", body["callBackUrl"])
	}

	// Handshake success leaves a pending ledger row behind.
	tx, err := f.store.GetTransactionByReference(context.Background(), storage.GatewayNagad, "REF-1")
	if err != nil {
		t.Fatalf("expected ledger row: %v", err)
	}
	if tx.Status != storage.TransactionStatusPending {
		t.Errorf("Expected pending ledger row, got %s", tx.Status)
	}
	if tx.Amount != 50000 {
		t.Errorf("Expected amount 50000 paisa, got %d", tx.Amount)
	}
}

func TestCreatePaymentAuthChecks(t *testing.T) {
	f := newServerFixture(t)

	body := map[string]any{"amount": 500.00, "orderId": "O1", "callbackUrl": "https://shop.example/cb"}

	tests := []struct {
		name     string
		token    string
		body     map[string]any
		wantCode int
		wantErr  string
	}{
		{
			name:     "missing token",
			token:    "",
			body:     body,
			wantCode: http.StatusUnauthorized,
			wantErr:  "unauthorized",
		},
		{
			name:     "unknown order",
			token:    f.mintToken(t, "U1"),
			body:     map[string]any{"amount": 500.00, "orderId": "NOPE", "callbackUrl": "https://shop.example/cb"},
			wantCode: http.StatusNotFound,
			wantErr:  "order_not_found",
		},
		{
			name:     "foreign order",
			token:    f.mintToken(t, "U1"),
			body:     map[string]any{"amount": 300.00, "orderId": "O3", "callbackUrl": "https://shop.example/cb"},
			wantCode: http.StatusForbidden,
			wantErr:  "forbidden",
		},
		{
			name:     "order not pending",
			token:    f.mintToken(t, "U1"),
			body:     map[string]any{"amount": 200.00, "orderId": "O2", "callbackUrl": "https://shop.example/cb"},
			wantCode: http.StatusBadRequest,
			wantErr:  "invalid_order_state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/payments/nagad/create", tt.token, tt.body)
			if rec.Code != tt.wantCode {
				t.Fatalf("Expected %d, got %d: %s", tt.wantCode, rec.Code, rec.Body.String())
			}
			resp := decodeBody(t, rec)
			if resp["code"] != tt.wantErr {
				t.Errorf("Expected error code %q, got %v", tt.wantErr, resp["code"])
			}
			if resp["success"] != false {
				t.Errorf("Expected success false, got %v", resp["success"])
			}
		})
	}
}

func TestCreatePaymentValidation(t *testing.T) {
	f := newServerFixture(t)
	token := f.mintToken(t, "U1")

	tests := []struct {
		name    string
		body    map[string]any
		wantErr string
	}{
		{"missing order id", map[string]any{"amount": 500.00}, "missing_field"},
		{"zero amount", map[string]any{"amount": 0, "orderId": "O1"}, "invalid_amount"},
		{"negative amount", map[string]any{"amount": -10.0, "orderId": "O1"}, "invalid_amount"},
		{"amount mismatch", map[string]any{"amount": 123.45, "orderId": "O1"}, "invalid_amount"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/payments/nagad/create", token, tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("Expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
			resp := decodeBody(t, rec)
			if resp["code"] != tt.wantErr {
				t.Errorf("Expected error code %q, got %v", tt.wantErr, resp["code"])
			}
		})
	}
}

func TestVerifyPaymentEndpoint(t *testing.T) {
	f := newServerFixture(t)
	seedLedgerRow(t, f.store, "O1", "REF-1")

	// No orderId in the body, so no token is needed.
	rec := f.do(t, http.MethodPost, "/payments/nagad/verify", "", map[string]any{
		"paymentReferenceId": "REF-1",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != true {
		t.Errorf("Expected success true, got %v", body["success"])
	}

	order, err := f.store.GetOrder(context.Background(), "O1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != storage.OrderStatusConfirmed {
		t.Errorf("Expected order confirmed, got %s", order.Status)
	}
	if order.PaymentTransactionRef != "ISS-9" {
		t.Errorf("Expected issuer ref ISS-9, got %q", order.PaymentTransactionRef)
	}
}

func TestVerifyPaymentWithOrderIDRequiresAuth(t *testing.T) {
	f := newServerFixture(t)
	seedLedgerRow(t, f.store, "O1", "REF-1")

	rec := f.do(t, http.MethodPost, "/payments/nagad/verify", "", map[string]any{
		"paymentReferenceId": "REF-1",
		"orderId":            "O1",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, "/payments/nagad/verify", f.mintToken(t, "U1"), map[string]any{
		"paymentReferenceId": "REF-1",
		"orderId":            "O1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 with token, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestVerifyPaymentFailedStatus(t *testing.T) {
	f := newServerFixture(t)
	f.gateway.verifyStatus = "Failed"
	seedLedgerRow(t, f.store, "O1", "REF-1")

	rec := f.do(t, http.MethodPost, "/payments/nagad/verify", "", map[string]any{
		"paymentReferenceId": "REF-1",
	})

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["success"] != false {
		t.Errorf("Expected success false for failed payment, got %v", body["success"])
	}

	order, err := f.store.GetOrder(context.Background(), "O1")
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if order.Status != storage.OrderStatusPending {
		t.Errorf("Expected order still pending, got %s", order.Status)
	}
}

func TestCallbackRedirects(t *testing.T) {
	tests := []struct {
		name         string
		path         string
		verifyStatus string
		seedLedger   bool
		wantLocation string
	}{
		{
			name:         "successful payment",
			path:         "/payments/nagad/callback?payment_ref_id=REF-1&status=Success",
			verifyStatus: "Success",
			seedLedger:   true,
			wantLocation: "https://shop.example/order-success?orderId=O1",
		},
		{
			name:         "failed payment",
			path:         "/payments/nagad/callback?payment_ref_id=REF-1&status=Aborted",
			verifyStatus: "Aborted",
			seedLedger:   true,
			wantLocation: "https://shop.example/checkout?error=payment_failed",
		},
		{
			name:         "missing reference",
			path:         "/payments/nagad/callback",
			verifyStatus: "Success",
			wantLocation: "https://shop.example/checkout?error=payment_error",
		},
		{
			name:         "unknown reference",
			path:         "/payments/nagad/callback?payment_ref_id=GHOST",
			verifyStatus: "Success",
			wantLocation: "https://shop.example/checkout?error=payment_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newServerFixture(t)
			f.gateway.verifyStatus = tt.verifyStatus
			if tt.seedLedger {
				seedLedgerRow(t, f.store, "O1", "REF-1")
			}

			rec := f.do(t, http.MethodGet, tt.path, "", nil)
			if rec.Code != http.StatusFound {
				t.Fatalf("Expected 302, got %d: %s", rec.Code, rec.Body.String())
			}
			if got := rec.Header().Get("Location"); got != tt.wantLocation {
				t.Errorf("Expected redirect to %q, got %q", tt.wantLocation, got)
			}
		})
	}
}

func TestListTransactionsEndpoint(t *testing.T) {
	f := newServerFixture(t)
	seedLedgerRow(t, f.store, "O1", "REF-1")

	rec := f.do(t, http.MethodGet, "/payments/nagad/transactions/O1", f.mintToken(t, "U1"), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	txs, ok := body["transactions"].([]any)
	if !ok || len(txs) != 1 {
		t.Fatalf("Expected 1 transaction, got %v", body["transactions"])
	}

	// Another user must not see the ledger.
	rec = f.do(t, http.MethodGet, "/payments/nagad/transactions/O1", f.mintToken(t, "U2"), nil)
	if rec.Code != http.StatusForbidden {
		t.Errorf("Expected 403 for foreign user, got %d", rec.Code)
	}
}

func TestInvalidActionRoute(t *testing.T) {
	f := newServerFixture(t)

	for _, path := range []string{
		"/payments/nagad/refund",
		"/payments/nagad",
	} {
		rec := f.do(t, http.MethodPost, path, "", nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", path, rec.Code)
		}
		body := decodeBody(t, rec)
		if body["error"] != "Invalid action" {
			t.Errorf("%s: expected Invalid action, got %v", path, body["error"])
		}
	}
}

func TestHealthEndpoint(t *testing.T) {
	f := newServerFixture(t)

	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["status"] != "ok" {
		t.Errorf("Expected status ok, got %v", body["status"])
	}
	if _, ok := body["uptime"]; !ok {
		t.Error("Expected uptime in health response")
	}
}

func TestMetricsEndpointAdminKey(t *testing.T) {
	f := newServerFixture(t)
	f.cfg.Server.AdminMetricsAPIKey = "supersecret"

	// Router was configured before the key was set, so rebuild.
	router := chi.NewRouter()
	m := metrics.New(prometheus.NewRegistry())
	verifier, err := auth.NewVerifier(f.cfg.Auth)
	if err != nil {
		t.Fatalf("build verifier: %v", err)
	}
	svc := payments.NewService(f.store, f.cfg.Nagad, nil, m)
	idemStore := idempotency.NewMemoryStore()
	t.Cleanup(idemStore.Stop)
	ConfigureRouter(router, f.cfg, svc, auth.NewGuard(verifier, f.store), idemStore, m, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("Expected 401 without key, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	req.Header.Set("Authorization", "Bearer supersecret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 with key, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) == "" {
		t.Error("Expected metrics exposition output")
	}
}

func seedLedgerRow(t *testing.T, store storage.Store, orderID, externalRef string) {
	t.Helper()

	err := store.CreateTransaction(context.Background(), storage.PaymentTransaction{
		ID:                "tx-" + externalRef,
		OrderID:           orderID,
		Gateway:           storage.GatewayNagad,
		ExternalReference: externalRef,
		Amount:            50000,
		Currency:          "BDT",
		Status:            storage.TransactionStatusPending,
	})
	if err != nil {
		t.Fatalf("seed transaction: %v", err)
	}
}
