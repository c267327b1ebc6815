package idempotency

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newCountingHandler(status int, body string) (http.Handler, *int) {
	calls := 0
	count := &calls
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*count++
		w.WriteHeader(status)
		w.Write([]byte(body))
	}), count
}

func TestMiddlewarePassThroughWithoutKey(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()

	handler, calls := newCountingHandler(http.StatusOK, "ok")
	wrapped := Middleware(store, time.Minute)(handler)

	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/payments/nagad/create", strings.NewReader("{}"))
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
	}

	if *calls != 3 {
		t.Errorf("Expected 3 handler calls without key, got %d", *calls)
	}
}

func TestMiddlewareReplaysSuccessfulResponse(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()

	handler, calls := newCountingHandler(http.StatusOK, `{"success":true}`)
	wrapped := Middleware(store, time.Minute)(handler)

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/payments/nagad/create", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, "retry-1")
		req.Header.Set("Authorization", "Bearer token-u1")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
		return rec
	}

	first := send()
	if first.Header().Get("X-Idempotency-Replay") != "" {
		t.Error("First response must not be a replay")
	}

	second := send()
	if *calls != 1 {
		t.Errorf("Expected 1 handler call, got %d", *calls)
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Error("Expected replay marker on second response")
	}
	if second.Body.String() != `{"success":true}` {
		t.Errorf("Expected cached body, got %q", second.Body.String())
	}
}

func TestMiddlewareDoesNotCacheFailures(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()

	handler, calls := newCountingHandler(http.StatusBadGateway, "gateway down")
	wrapped := Middleware(store, time.Minute)(handler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/payments/nagad/create", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, "retry-1")
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
	}

	if *calls != 2 {
		t.Errorf("Expected failed responses to be retried, got %d calls", *calls)
	}
}

func TestMiddlewareScopesKeyByCaller(t *testing.T) {
	store := NewMemoryStore()
	defer store.Stop()

	handler, calls := newCountingHandler(http.StatusOK, "ok")
	wrapped := Middleware(store, time.Minute)(handler)

	send := func(authorization string) {
		req := httptest.NewRequest(http.MethodPost, "/payments/nagad/create", strings.NewReader("{}"))
		req.Header.Set(HeaderKey, "shared-key")
		if authorization != "" {
			req.Header.Set("Authorization", authorization)
		}
		rec := httptest.NewRecorder()
		wrapped.ServeHTTP(rec, req)
	}

	send("Bearer token-u1")
	send("Bearer token-u2")

	// Same key, different callers: both must reach the handler.
	if *calls != 2 {
		t.Errorf("Expected 2 handler calls across callers, got %d", *calls)
	}
}
