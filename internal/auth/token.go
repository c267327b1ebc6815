package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/hatbazar/payments/internal/config"
)

// Verifier authenticates requests carrying HS256 bearer tokens issued by
// the storefront backend. The verified subject claim is the user id an
// order's ownership is checked against.
type Verifier struct {
	secret    []byte
	validator TokenValidator
	now       func() time.Time
}

// NewVerifier builds a Verifier from auth configuration.
func NewVerifier(cfg config.AuthConfig) (*Verifier, error) {
	secret := strings.TrimSpace(cfg.TokenSecret)
	if secret == "" {
		return nil, errors.New("auth: token secret is required")
	}

	return &Verifier{
		secret: []byte(secret),
		validator: TokenValidator{
			Issuer:    strings.TrimSpace(cfg.Issuer),
			Audience:  strings.TrimSpace(cfg.Audience),
			ClockSkew: cfg.ClockSkew.Duration,
			Algorithm: jwa.HS256,
		},
		now: time.Now,
	}, nil
}

// VerifyRequest extracts and verifies the Authorization bearer token of an
// HTTP request, returning the authenticated user id.
func (v *Verifier) VerifyRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errors.New("auth: missing authorization header")
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", errors.New("auth: authorization header is not a bearer token")
	}

	return v.VerifyToken(strings.TrimSpace(token))
}

// VerifyToken verifies a raw token string and returns its subject claim.
func (v *Verifier) VerifyToken(token string) (string, error) {
	trimmed := strings.TrimSpace(token)
	if trimmed == "" {
		return "", errors.New("auth: empty token")
	}

	algorithm, err := extractTokenAlgorithm(trimmed)
	if err != nil {
		return "", fmt.Errorf("auth: %w", err)
	}
	if algorithm != v.validator.Algorithm {
		return "", fmt.Errorf("auth: unexpected token algorithm %s", algorithm)
	}

	parsed, err := jwt.ParseString(trimmed, jwt.WithKey(algorithm, v.secret))
	if err != nil {
		return "", fmt.Errorf("auth: parse token: %w", err)
	}
	if err := v.validator.Validate(parsed, algorithm, v.now()); err != nil {
		return "", err
	}

	subject := parsed.Subject()
	if subject == "" {
		return "", errors.New("auth: token has no subject")
	}
	return subject, nil
}

// extractTokenAlgorithm reads the signing algorithm from the token's
// protected headers before any key is applied, so "none" and mixed
// algorithm tokens are rejected up front.
func extractTokenAlgorithm(token string) (jwa.SignatureAlgorithm, error) {
	message, err := jws.ParseString(token)
	if err != nil {
		return "", err
	}
	signatures := message.Signatures()
	if len(signatures) == 0 {
		return "", errors.New("token contains no signatures")
	}
	var algorithm jwa.SignatureAlgorithm
	for _, sig := range signatures {
		headers := sig.ProtectedHeaders()
		if headers == nil {
			return "", errors.New("token missing protected headers")
		}
		alg := headers.Algorithm()
		if alg == "" {
			return "", errors.New("token missing algorithm")
		}
		if alg == jwa.NoSignature {
			return "", errors.New("token uses none algorithm")
		}
		if algorithm == "" {
			algorithm = alg
		} else if algorithm != alg {
			return "", errors.New("mixed token algorithms detected")
		}
	}
	return algorithm, nil
}
