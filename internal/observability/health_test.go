package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func decodeReadiness(t *testing.T, rec *httptest.ResponseRecorder) ReadinessResponse {
	t.Helper()
	var resp ReadinessResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode readiness response: %v", err)
	}
	return resp
}

func TestHandleHealth(t *testing.T) {
	handler := HandleHealth()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("failed to decode health response: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.Version == "" {
		t.Error("version should not be empty")
	}
}

func TestHandleReady_allHealthy(t *testing.T) {
	ok := CheckerFunc(func(context.Context) error { return nil })
	handler := HandleReady(ReadinessChecks{
		TemplateStore:    ok,
		WorkStore:        ok,
		IdempotencyStore: ok,
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	resp := decodeReadiness(t, rec)
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 3 {
		t.Errorf("checks = %d, want 3", len(resp.Checks))
	}
	for name, result := range resp.Checks {
		if result.Status != "ok" {
			t.Errorf("check %q status = %q, want ok", name, result.Status)
		}
	}
}

func TestHandleReady_storeFailure(t *testing.T) {
	ok := CheckerFunc(func(context.Context) error { return nil })
	failing := CheckerFunc(func(context.Context) error {
		return errors.New("connection refused")
	})
	handler := HandleReady(ReadinessChecks{
		TemplateStore: ok,
		WorkStore:     failing,
	})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	resp := decodeReadiness(t, rec)
	if resp.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", resp.Status)
	}
	if resp.Checks["work_store"].Error != "connection refused" {
		t.Errorf("work_store error = %q, want connection refused", resp.Checks["work_store"].Error)
	}
	if resp.Checks["template_store"].Status != "ok" {
		t.Errorf("template_store status = %q, want ok", resp.Checks["template_store"].Status)
	}
}

func TestHandleReady_noChecks(t *testing.T) {
	handler := HandleReady(ReadinessChecks{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// No configured checks means nothing can fail.
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	resp := decodeReadiness(t, rec)
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
}

func TestHandleReady_respectsContext(t *testing.T) {
	blocked := CheckerFunc(func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	handler := HandleReady(ReadinessChecks{WorkStore: blocked})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	// The per-check timeout should cut the blocked check off.
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	resp := decodeReadiness(t, rec)
	if resp.Checks["work_store"].Status != "error" {
		t.Errorf("work_store status = %q, want error", resp.Checks["work_store"].Status)
	}
}
