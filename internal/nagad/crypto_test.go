package nagad

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"testing"
)

// testKeyPair generates an RSA key pair and returns the key material in
// the bare-base64 form provider rows carry.
func testKeyPair(t *testing.T) (pubB64, privB64 string, priv *rsa.PrivateKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}

	return base64.StdEncoding.EncodeToString(pubDER), base64.StdEncoding.EncodeToString(privDER), priv
}

func TestEncryptWithPublicKeyRoundTrip(t *testing.T) {
	pubB64, _, priv := testKeyPair(t)
	plaintext := `{"merchantId":"M1","orderId":"ORD-1"}`

	ciphertextB64, err := EncryptWithPublicKey(plaintext, pubB64)
	if err != nil {
		t.Fatalf("EncryptWithPublicKey: %v", err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(ciphertextB64)
	if err != nil {
		t.Fatalf("ciphertext is not base64: %v", err)
	}

	decrypted, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, ciphertext, nil)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if string(decrypted) != plaintext {
		t.Errorf("round trip = %q, want %q", decrypted, plaintext)
	}
}

func TestEncryptAcceptsPEMArmor(t *testing.T) {
	pubB64, _, _ := testKeyPair(t)
	armored := "-----BEGIN PUBLIC KEY-----\n" + pubB64 + "\n-----END PUBLIC KEY-----\n"

	if _, err := EncryptWithPublicKey("hello", armored); err != nil {
		t.Fatalf("EncryptWithPublicKey with armor: %v", err)
	}
}

func TestSignVerifies(t *testing.T) {
	_, privB64, priv := testKeyPair(t)
	plaintext := `{"merchantId":"M1","challenge":"abc"}`

	sigB64, err := Sign(plaintext, privB64)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	sig, err := base64.StdEncoding.DecodeString(sigB64)
	if err != nil {
		t.Fatalf("signature is not base64: %v", err)
	}

	digest := sha256.Sum256([]byte(plaintext))
	if err := rsa.VerifyPKCS1v15(&priv.PublicKey, crypto.SHA256, digest[:], sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
}

func TestBadKeyMaterial(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"whitespace", "   \n  "},
		{"not base64", "!!!not-base64!!!"},
		{"base64 but not a key", base64.StdEncoding.EncodeToString([]byte("garbage"))},
		{"armor with empty body", "-----BEGIN PUBLIC KEY-----\n-----END PUBLIC KEY-----"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, encErr := EncryptWithPublicKey("data", tt.key)
			if encErr == nil {
				t.Fatal("EncryptWithPublicKey: expected error")
			}
			var ce *CryptoError
			if !errors.As(encErr, &ce) {
				t.Errorf("EncryptWithPublicKey error type = %T, want *CryptoError", encErr)
			}

			_, signErr := Sign("data", tt.key)
			if signErr == nil {
				t.Fatal("Sign: expected error")
			}
			if !errors.As(signErr, &ce) {
				t.Errorf("Sign error type = %T, want *CryptoError", signErr)
			}
		})
	}
}

func TestSignRejectsPKCS1Key(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pkcs1 := base64.StdEncoding.EncodeToString(x509.MarshalPKCS1PrivateKey(priv))

	if _, err := Sign("data", pkcs1); err == nil {
		t.Error("Sign accepted a PKCS#1 key, want PKCS#8 only")
	}
}
