package transport

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gestia/tramite/internal/idempotency"
)

func idemHandler(calls *atomic.Int64, status int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.WriteHeader(status)
		fmt.Fprintf(w, `{"call":%d}`, n)
	})
}

func TestIdempotency_noKeyPassesThrough(t *testing.T) {
	var calls atomic.Int64
	mw := Idempotency(idempotency.NewMemoryStore(), time.Hour)
	h := mw(idemHandler(&calls, 201))

	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest("POST", "/works", bytes.NewBufferString(`{"a":1}`)))
		if w.Code != 201 {
			t.Fatalf("status = %d", w.Code)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 without a key", calls.Load())
	}
}

func TestIdempotency_replaysStoredResponse(t *testing.T) {
	var calls atomic.Int64
	mw := Idempotency(idempotency.NewMemoryStore(), time.Hour)
	h := mw(idemHandler(&calls, 201))

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/works", bytes.NewBufferString(`{"a":1}`))
		req.Header.Set("X-Idempotency-Key", "key-1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	first := send()
	if first.Code != 201 {
		t.Fatalf("first status = %d", first.Code)
	}
	if first.Header().Get("X-Idempotency-Replay") != "" {
		t.Error("first response should not be marked as replay")
	}

	second := send()
	if second.Code != 201 {
		t.Fatalf("replay status = %d", second.Code)
	}
	if second.Header().Get("X-Idempotency-Replay") != "true" {
		t.Error("replay should set X-Idempotency-Replay")
	}
	if first.Body.String() != second.Body.String() {
		t.Errorf("replay body = %q, want %q", second.Body.String(), first.Body.String())
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", calls.Load())
	}
}

func TestIdempotency_conflictingPayload(t *testing.T) {
	var calls atomic.Int64
	mw := Idempotency(idempotency.NewMemoryStore(), time.Hour)
	h := mw(idemHandler(&calls, 201))

	req := httptest.NewRequest("POST", "/works", bytes.NewBufferString(`{"a":1}`))
	req.Header.Set("X-Idempotency-Key", "key-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 201 {
		t.Fatalf("first status = %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/works", bytes.NewBufferString(`{"a":2}`))
	req.Header.Set("X-Idempotency-Key", "key-1")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 409 {
		t.Fatalf("status = %d, want 409 for payload mismatch", w.Code)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d, handler must not run on conflict", calls.Load())
	}
}

func TestIdempotency_errorsAreNotCached(t *testing.T) {
	var calls atomic.Int64
	mw := Idempotency(idempotency.NewMemoryStore(), time.Hour)
	h := mw(idemHandler(&calls, 422))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/works", bytes.NewBufferString(`{"a":1}`))
		req.Header.Set("X-Idempotency-Key", "key-1")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != 422 {
			t.Fatalf("status = %d", w.Code)
		}
		if w.Header().Get("X-Idempotency-Replay") != "" {
			t.Error("error responses must not be replayed")
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 since errors are not cached", calls.Load())
	}
}

func TestIdempotency_nilStorePassesThrough(t *testing.T) {
	var calls atomic.Int64
	h := Idempotency(nil, time.Hour)(idemHandler(&calls, 201))

	req := httptest.NewRequest("POST", "/works", bytes.NewBufferString(`{}`))
	req.Header.Set("X-Idempotency-Key", "key-1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != 201 {
		t.Errorf("status = %d", w.Code)
	}
}

func TestIdempotency_distinctKeysExecuteSeparately(t *testing.T) {
	var calls atomic.Int64
	mw := Idempotency(idempotency.NewMemoryStore(), time.Hour)
	h := mw(idemHandler(&calls, 201))

	for _, key := range []string{"key-1", "key-2"} {
		req := httptest.NewRequest("POST", "/works", bytes.NewBufferString(`{"a":1}`))
		req.Header.Set("X-Idempotency-Key", key)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != 201 {
			t.Fatalf("status = %d", w.Code)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("calls = %d, want 2 for distinct keys", calls.Load())
	}
}
