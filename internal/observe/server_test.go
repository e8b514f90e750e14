package observe

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/seven1193/Asterisk-AI-Voice-Agent/internal/health"
)

func TestServerHealthz(t *testing.T) {
	m, _ := newTestMetrics(t)
	srv := NewServer("127.0.0.1:0", m, nil)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServerReadyz(t *testing.T) {
	m, _ := newTestMetrics(t)
	srv := NewServer("127.0.0.1:0", m, health.New())

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestServerMetricsEndpoint(t *testing.T) {
	m, _ := newTestMetrics(t)
	srv := NewServer("127.0.0.1:0", m, nil)

	ts := httptest.NewServer(srv.Handler)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
