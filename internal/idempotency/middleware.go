package idempotency

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

const (
	// HeaderKey is the standard idempotency key header.
	HeaderKey = "Idempotency-Key"

	// DefaultTTL is the default cache duration for idempotent responses.
	DefaultTTL = 24 * time.Hour
)

// responseWriter wraps http.ResponseWriter to capture response details.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	body       *bytes.Buffer
	headers    map[string]string
}

func newResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{
		ResponseWriter: w,
		statusCode:     http.StatusOK,
		body:           &bytes.Buffer{},
		headers:        make(map[string]string),
	}
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) captureHeaders() {
	for key := range rw.ResponseWriter.Header() {
		rw.headers[key] = rw.ResponseWriter.Header().Get(key)
	}
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.body.Write(b)
	return rw.ResponseWriter.Write(b)
}

// Middleware deduplicates payment requests that carry an Idempotency-Key
// header. A retried create must replay the original response instead of
// opening a second gateway handshake.
func Middleware(store Store, ttl time.Duration) func(http.Handler) http.Handler {
	if ttl == 0 {
		ttl = DefaultTTL
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			rawKey := r.Header.Get(HeaderKey)

			// No key means the client did not opt in; pass through.
			if rawKey == "" {
				next.ServeHTTP(w, r)
				return
			}

			// Scope the key by method, path, and caller so the same key
			// cannot replay another endpoint's or another user's response.
			key := r.Method + ":" + r.URL.Path + ":" + callerScope(r) + ":" + rawKey

			cached, found := store.Get(r.Context(), key)
			if found {
				for k, v := range cached.Headers {
					w.Header().Set(k, v)
				}
				w.Header().Set("X-Idempotency-Replay", "true")
				w.WriteHeader(cached.StatusCode)
				w.Write(cached.Body)
				return
			}

			rw := newResponseWriter(w)
			next.ServeHTTP(rw, r)

			// Only successful responses are worth replaying; a failed
			// attempt should be retried for real.
			if rw.statusCode >= 200 && rw.statusCode < 300 {
				rw.captureHeaders()

				response := &Response{
					StatusCode: rw.statusCode,
					Headers:    rw.headers,
					Body:       rw.body.Bytes(),
					CachedAt:   time.Now(),
				}

				store.Set(r.Context(), key, response, ttl)
			}
		})
	}
}

// callerScope derives a cache scope from the Authorization header so cached
// responses never leak across users.
func callerScope(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "anon"
	}
	sum := sha256.Sum256([]byte(authHeader))
	return hex.EncodeToString(sum[:8])
}
