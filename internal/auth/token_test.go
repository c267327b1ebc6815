package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/hatbazar/payments/internal/config"
)

const testSecret = "unit-test-secret-key-0123456789abcdef"

func testVerifier(t *testing.T) *Verifier {
	t.Helper()
	v, err := NewVerifier(config.AuthConfig{
		TokenSecret: testSecret,
		Issuer:      "hatbazar",
		Audience:    "hatbazar-web",
		ClockSkew:   config.Duration{Duration: time.Minute},
	})
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return v
}

type tokenOpts struct {
	subject  string
	issuer   string
	audience string
	secret   string
	expired  bool
}

func mintToken(t *testing.T, opts tokenOpts) string {
	t.Helper()

	now := time.Now()
	expiry := now.Add(15 * time.Minute)
	if opts.expired {
		expiry = now.Add(-15 * time.Minute)
	}

	builder := jwt.NewBuilder().
		Issuer(opts.issuer).
		Audience([]string{opts.audience}).
		IssuedAt(now.Add(-time.Minute)).
		Expiration(expiry)
	if opts.subject != "" {
		builder = builder.Subject(opts.subject)
	}

	tok, err := builder.Build()
	if err != nil {
		t.Fatalf("build token: %v", err)
	}

	signed, err := jwt.Sign(tok, jwt.WithKey(jwa.HS256, []byte(opts.secret)))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return string(signed)
}

func validOpts() tokenOpts {
	return tokenOpts{
		subject:  "U1",
		issuer:   "hatbazar",
		audience: "hatbazar-web",
		secret:   testSecret,
	}
}

func TestVerifyToken(t *testing.T) {
	v := testVerifier(t)

	userID, err := v.VerifyToken(mintToken(t, validOpts()))
	if err != nil {
		t.Fatalf("VerifyToken: %v", err)
	}
	if userID != "U1" {
		t.Errorf("subject = %q, want U1", userID)
	}
}

func TestVerifyTokenRejections(t *testing.T) {
	v := testVerifier(t)

	tests := []struct {
		name   string
		mutate func(*tokenOpts)
	}{
		{"wrong secret", func(o *tokenOpts) { o.secret = "some-other-secret-entirely-wrong!" }},
		{"expired", func(o *tokenOpts) { o.expired = true }},
		{"wrong issuer", func(o *tokenOpts) { o.issuer = "someone-else" }},
		{"wrong audience", func(o *tokenOpts) { o.audience = "other-app" }},
		{"missing subject", func(o *tokenOpts) { o.subject = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := validOpts()
			tt.mutate(&opts)
			if _, err := v.VerifyToken(mintToken(t, opts)); err == nil {
				t.Error("expected error")
			}
		})
	}

	if _, err := v.VerifyToken(""); err == nil {
		t.Error("empty token: expected error")
	}
	if _, err := v.VerifyToken("not.a.jwt"); err == nil {
		t.Error("malformed token: expected error")
	}
}

func TestVerifyRequest(t *testing.T) {
	v := testVerifier(t)
	token := mintToken(t, validOpts())

	tests := []struct {
		name    string
		header  string
		wantErr bool
	}{
		{"valid bearer", "Bearer " + token, false},
		{"case-insensitive scheme", "bearer " + token, false},
		{"missing header", "", true},
		{"no scheme", token, true},
		{"wrong scheme", "Basic dXNlcjpwYXNz", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			_, err := v.VerifyRequest(r)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewVerifierRequiresSecret(t *testing.T) {
	if _, err := NewVerifier(config.AuthConfig{}); err == nil {
		t.Error("expected error for empty secret")
	}
}
