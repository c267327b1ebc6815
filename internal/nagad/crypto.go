package nagad

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// The gateway protocol uses two RSA primitives: the sensitive request
// payload is encrypted with the gateway's public key (OAEP, SHA-256) and
// the same payload is signed with the merchant's private key
// (PKCS#1 v1.5, SHA-256). Keys arrive as PEM text from the provider
// configuration row, with or without armor lines.

// EncryptWithPublicKey encrypts plaintext with an SPKI-encoded RSA public
// key and returns the ciphertext base64-encoded.
func EncryptWithPublicKey(plaintext, publicKeyPEM string) (string, error) {
	der, err := decodePEMBody(publicKeyPEM)
	if err != nil {
		return "", &CryptoError{Op: "parse public key", Err: err}
	}

	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return "", &CryptoError{Op: "parse public key", Err: err}
	}
	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return "", &CryptoError{Op: "parse public key", Err: fmt.Errorf("not an RSA key: %T", parsed)}
	}

	ciphertext, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(plaintext), nil)
	if err != nil {
		// Typically the plaintext exceeds the RSA-OAEP size limit for the key
		return "", &CryptoError{Op: "encrypt", Err: err}
	}
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Sign signs plaintext with a PKCS#8-encoded RSA private key and returns
// the signature base64-encoded.
func Sign(plaintext, privateKeyPEM string) (string, error) {
	der, err := decodePEMBody(privateKeyPEM)
	if err != nil {
		return "", &CryptoError{Op: "parse private key", Err: err}
	}

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return "", &CryptoError{Op: "parse private key", Err: err}
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return "", &CryptoError{Op: "parse private key", Err: fmt.Errorf("not an RSA key: %T", parsed)}
	}

	digest := sha256.Sum256([]byte(plaintext))
	signature, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", &CryptoError{Op: "sign", Err: err}
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// decodePEMBody strips PEM armor and whitespace, returning the raw DER bytes.
// Provider rows sometimes hold bare base64 without BEGIN/END lines, so the
// armor is optional.
func decodePEMBody(pemText string) ([]byte, error) {
	body := strings.TrimSpace(pemText)
	if body == "" {
		return nil, errors.New("empty key material")
	}

	var b strings.Builder
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "-----") {
			continue
		}
		b.WriteString(line)
	}
	if b.Len() == 0 {
		return nil, errors.New("no key body between PEM armor")
	}

	der, err := base64.StdEncoding.DecodeString(b.String())
	if err != nil {
		return nil, fmt.Errorf("decode key base64: %w", err)
	}
	return der, nil
}
