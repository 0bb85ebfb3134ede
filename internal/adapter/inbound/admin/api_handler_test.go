package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRoutes_RemoteRequiresKey(t *testing.T) {
	h := NewAdminAPIHandler(WithKeyVerifier(newTestVerifier(t)), WithAPILogger(discardLogger()))
	routes := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/admin/api/system", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("without key: status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/api/system", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", rec.Code)
	}
	if rec.Header().Get("X-Frame-Options") != "DENY" {
		t.Error("security headers missing on admin response")
	}
}

func TestRoutes_RemoteRateLimited(t *testing.T) {
	h := NewAdminAPIHandler(
		WithKeyVerifier(newTestVerifier(t)),
		WithAPIRateLimit(2, time.Hour),
		WithAPILogger(discardLogger()),
	)
	routes := h.Routes()

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/admin/api/policies", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		req.Header.Set("Authorization", "Bearer "+testAdminKey)
		rec := httptest.NewRecorder()
		routes.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}
}

func TestRoutes_UnknownPathAndMethod(t *testing.T) {
	h := NewAdminAPIHandler()
	routes := h.Routes()

	req := httptest.NewRequest(http.MethodGet, "/admin/api/nope", nil)
	req.RemoteAddr = "127.0.0.1:1"
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown path: status = %d, want 404", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/admin/api/policies", nil)
	req.RemoteAddr = "127.0.0.1:1"
	rec = httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("wrong method: status = %d, want 405", rec.Code)
	}
}

func TestWithAPIRateLimit_IgnoresNonPositive(t *testing.T) {
	h := NewAdminAPIHandler(WithAPIRateLimit(0, time.Minute))
	if h.apiRateLimit != 60 || h.apiRateWindow != time.Minute {
		t.Errorf("defaults overwritten: %d/%v", h.apiRateLimit, h.apiRateWindow)
	}
}
