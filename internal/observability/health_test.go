package observability

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHandleHealth_returnsOK(t *testing.T) {
	origVersion, origCommit := Version, Commit
	Version, Commit = "1.2.3", "abc1234"
	t.Cleanup(func() {
		Version, Commit = origVersion, origCommit
	})

	rec := httptest.NewRecorder()
	HandleHealth().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	var resp HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if resp.Status != "ok" || resp.Version != "1.2.3" || resp.Commit != "abc1234" {
		t.Errorf("response = %+v", resp)
	}
}

type mockHealthChecker struct {
	err error
}

func (m *mockHealthChecker) HealthCheck(context.Context) error {
	return m.err
}

func serveReady(t *testing.T, checks ReadinessChecks) (int, ReadinessResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	HandleReady(checks).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))

	var resp ReadinessResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	return rec.Code, resp
}

func TestHandleReady_allHealthy(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded:  func() bool { return true },
		Store:            &mockHealthChecker{},
		IdempotencyStore: &mockHealthChecker{},
	})

	if code != http.StatusOK {
		t.Fatalf("status = %d, want 200", code)
	}
	if resp.Status != "ready" {
		t.Errorf("status = %q, want ready", resp.Status)
	}
	if len(resp.Checks) != 3 {
		t.Errorf("checks = %d, want 3", len(resp.Checks))
	}
}

func TestHandleReady_noTemplates(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{TemplatesLoaded: func() bool { return false }})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["templates"].Status != "error" || resp.Checks["templates"].Error == "" {
		t.Errorf("templates = %+v", resp.Checks["templates"])
	}
}

func TestHandleReady_nilTemplatesCheck(t *testing.T) {
	code, _ := serveReady(t, ReadinessChecks{})
	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
}

func TestHandleReady_storeDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded: func() bool { return true },
		Store:           &mockHealthChecker{err: errors.New("connection refused")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["store"].Error != "connection refused" {
		t.Errorf("store error = %q", resp.Checks["store"].Error)
	}
	if _, ok := resp.Checks["idempotency_store"]; ok {
		t.Error("unset optional check should not be reported")
	}
}

func TestHandleReady_idempotencyStoreDown(t *testing.T) {
	code, resp := serveReady(t, ReadinessChecks{
		TemplatesLoaded:  func() bool { return true },
		IdempotencyStore: &mockHealthChecker{err: errors.New("redis timeout")},
	})

	if code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", code)
	}
	if resp.Checks["idempotency_store"].Status != "error" {
		t.Errorf("idempotency_store = %q, want error", resp.Checks["idempotency_store"].Status)
	}
}
