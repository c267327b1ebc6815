package nagad

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"time"
)

// challengeAlphabet is the character set the gateway accepts for the
// merchant-generated challenge nonce.
const challengeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// FormatTimestamp renders t as the gateway's 14-digit datetime field:
// YYYYMMDDHHmmss, zero-padded, no separators, in t's own location.
func FormatTimestamp(t time.Time) string {
	return t.Format("20060102150405")
}

// RandomChallenge generates a random alphanumeric string of length n.
// The gateway echoes it back during the complete step so the two steps of
// the handshake can be bound together; it carries no cryptographic weight
// but is drawn from crypto/rand anyway.
func RandomChallenge(n int) string {
	if n <= 0 {
		return ""
	}
	max := big.NewInt(int64(len(challengeAlphabet)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails when the OS entropy source is broken;
			// fall back to a fixed character rather than panicking mid-payment.
			out[i] = challengeAlphabet[0]
			continue
		}
		out[i] = challengeAlphabet[idx.Int64()]
	}
	return string(out)
}

// FormatAmount renders paisa (atomic BDT units) as the gateway's
// two-decimal amount string, e.g. 50000 -> "500.00".
func FormatAmount(paisa int64) string {
	sign := ""
	if paisa < 0 {
		sign = "-"
		paisa = -paisa
	}
	return fmt.Sprintf("%s%d.%02d", sign, paisa/100, paisa%100)
}
