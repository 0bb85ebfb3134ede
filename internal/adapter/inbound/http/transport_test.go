package http

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// markerHandler writes a marker string so routing tests can tell which
// handler received the request.
func markerHandler(marker string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Handler", marker)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, marker)
	})
}

func newTestServer(t *testing.T) (*httptest.Server, *Metrics) {
	t.Helper()
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	srv := NewServer(newTestLimiter(t),
		WithLogger(discardLogger()),
		WithAdminHandler(markerHandler("admin")),
		WithMetrics(metrics, reg),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, metrics
}

func TestServer_Routing(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		method string
		path   string
		want   int
		marker string
	}{
		{http.MethodGet, "/admin/api/stats", http.StatusOK, "admin"},
		{http.MethodGet, "/health", http.StatusOK, ""},
		{http.MethodGet, "/metrics", http.StatusOK, ""},
		{http.MethodGet, "/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, ts.URL+tt.path, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.marker != "" && resp.Header.Get("X-Handler") != tt.marker {
				t.Errorf("handler = %q, want %q", resp.Header.Get("X-Handler"), tt.marker)
			}
			if resp.Header.Get("X-Request-ID") == "" {
				t.Error("missing X-Request-ID")
			}
		})
	}
}

func TestServer_DecisionAndMetrics(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/v1/ratelimit/check", "application/json",
		strings.NewReader(`{"subject_id":"u1","action":"LOGIN"}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `abusegate_requests_total{method="POST",status="ok"} 1`) {
		t.Errorf("metrics output missing request counter:\n%s", body)
	}
}
